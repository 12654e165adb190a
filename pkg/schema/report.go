package schema

import "time"

// ActionResult is the immutable outcome of a single node execution. Engine
// code constructs results via Success/Failure and stamps provenance fields
// (ActionName, ActionType, DisplayName, DurationMs) before appending.
type ActionResult struct {
	ActionName  string         `json:"action_name"`
	ActionType  string         `json:"action_type"`
	DisplayName string         `json:"display_name"`
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
}

// IsSuccess reports whether the action succeeded.
func (r ActionResult) IsSuccess() bool {
	return r.Success
}

// Success builds a successful result with an optional payload.
func Success(message string, payload map[string]any) *ActionResult {
	return &ActionResult{Success: true, Message: message, Payload: payload}
}

// Failure builds a failed result. A failure is a value-level outcome, not an
// error: it flows through the same strategy seam but carries no stack.
func Failure(message string, payload map[string]any) *ActionResult {
	return &ActionResult{Success: false, Message: message, Payload: payload}
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ExecutionReport is the outcome of a run: the full ordered result list up to
// and including the abort point, plus HadActionFailures distinguishing
// "completed with failures" from "aborted". Results and Context are sanitized
// before the report leaves the engine.
type ExecutionReport struct {
	RunID             string         `json:"run_id"`
	WorkflowName      string         `json:"workflow_name"`
	Status            RunStatus      `json:"status"`
	Results           []ActionResult `json:"results"`
	HadActionFailures bool           `json:"had_action_failures"`
	Error             *FlowError     `json:"error,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}
