package schema

// Event type constants for the run event log and the streaming hub.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventActionStarted   = "action_started"
	EventActionCompleted = "action_completed"
	EventActionFailed    = "action_failed"
	EventActionRetry     = "action_retry_attempt"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIterStarted    = "loop_iter_started"
	EventLoopIterCompleted  = "loop_iter_completed"
	EventLoopCompleted      = "loop_completed"
	EventRecoveryTriggered  = "recovery_triggered"
	EventRecoveryFallback   = "recovery_fallback_started"
	EventTemplateExpanded   = "template_expanded"

	EventStrategyAbort = "strategy_abort"

	EventBreakerOpen     = "circuit_breaker_open"
	EventBreakerHalfOpen = "circuit_breaker_half_open"
	EventBreakerClosed   = "circuit_breaker_closed"

	EventWorkflowSaved   = "workflow_saved"
	EventWorkflowDeleted = "workflow_deleted"

	EventScheduleTriggered = "schedule_triggered"
	EventScheduleMissed    = "schedule_missed"

	EventPluginLoaded  = "plugin_loaded"
	EventPluginStopped = "plugin_stopped"
	EventPluginCrashed = "plugin_crashed"
)
