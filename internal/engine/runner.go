package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/sanitize"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// RunStore is the slice of store.Store the runner needs to persist runs,
// results, and events. A nil RunStore disables persistence: runs still
// execute and report, they just leave no record.
type RunStore interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	SaveResults(ctx context.Context, runID string, results []*store.RunResult) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

// RunnerConfig assembles a Runner. Registry and Engines are required;
// everything else has a working default.
type RunnerConfig struct {
	Registry     *actions.Registry
	Engines      *expressions.Set
	Interpolator *expressions.Interpolator // nil: interpolation without secret resolution
	Store        RunStore                  // nil: no persistence
	Hub          streaming.EventHub        // nil: no live event streaming
	Sanitizer    *sanitize.Sanitizer
	Logger       *slog.Logger
	Breaker      *CircuitBreakerConfig

	// MaxLoopIterations caps while/until loops that set no explicit ceiling.
	MaxLoopIterations int
}

// Runner executes workflow definitions. Each run is single-threaded; the
// Runner itself is safe for concurrent use and tracks active runs for
// cancellation.
type Runner struct {
	registry          *actions.Registry
	engines           *expressions.Set
	interp            *expressions.Interpolator
	store             RunStore
	hub               streaming.EventHub
	sanitizer         *sanitize.Sanitizer
	logger            *slog.Logger
	breaker           *CircuitBreakerRegistry
	fsm               *RunFSM
	maxLoopIterations int

	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun tracks an in-flight run for cancellation.
type activeRun struct {
	id        string
	workflow  string
	cancel    context.CancelFunc
	startedAt time.Time

	mu     sync.Mutex
	reason string
}

// setReason records the cancellation reason. The first reason wins.
func (a *activeRun) setReason(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reason == "" {
		a.reason = reason
	}
}

func (a *activeRun) cancelReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// runState is the per-run execution state threaded through dispatch.
type runState struct {
	id       string
	def      *schema.WorkflowDefinition
	driver   any
	strategy ErrorStrategy
	report   *schema.ExecutionReport
	workflow map[string]any // the workflow.* interpolation scope
	active   *activeRun
}

// RunOptions carries per-run inputs. Vars overlay the definition's vars.
// Driver is handed untouched to leaf actions. Strategy overrides the
// definition's on_failure policy when set. Trigger tags the persisted run
// record (manual, schedule, mcp, api).
type RunOptions struct {
	RunID    string
	Vars     map[string]any
	Driver   any
	Strategy ErrorStrategy
	Trigger  string
}

// NewRunner creates a Runner from the given configuration.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires an action registry")
	}
	if cfg.Engines == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires an expression engine set")
	}

	interp := cfg.Interpolator
	if interp == nil {
		interp = expressions.NewInterpolator(nil)
	}
	san := cfg.Sanitizer
	if san == nil {
		san = sanitize.NewDefault()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bcfg := DefaultCircuitBreakerConfig()
	if cfg.Breaker != nil {
		bcfg = *cfg.Breaker
	}
	maxIter := cfg.MaxLoopIterations
	if maxIter <= 0 {
		maxIter = schema.DefaultMaxLoopIterations
	}

	r := &Runner{
		registry:          cfg.Registry,
		engines:           cfg.Engines,
		interp:            interp,
		store:             cfg.Store,
		hub:               cfg.Hub,
		sanitizer:         san,
		logger:            logger,
		breaker:           NewCircuitBreakerRegistry(bcfg),
		maxLoopIterations: maxIter,
		running:           make(map[string]*activeRun),
	}
	r.fsm = NewRunFSM(runEventFanout{r})
	return r, nil
}

// Execute runs a workflow definition to completion and returns its report.
// The Go error return is reserved for failures before execution starts:
// an invalid definition, an unavailable store, a duplicate run id. Once the
// first node dispatches, every outcome including an aborted run lands in the
// report, with report.Error carrying the abort cause.
func (r *Runner) Execute(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*schema.ExecutionReport, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if def.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is empty")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	ec := make(map[string]any, len(def.Vars)+len(opts.Vars))
	for k, v := range def.Vars {
		ec[k] = v
	}
	for k, v := range opts.Vars {
		ec[k] = v
	}

	strategy := opts.Strategy
	if strategy == nil {
		strategy = strategyFor(def)
	}

	ctx = logging.WithIDs(ctx, runID, def.Name, "")
	logger := logging.LogWith(ctx, r.logger)
	now := time.Now().UTC()

	if r.store != nil {
		rec := &store.Run{
			ID:              runID,
			WorkflowName:    def.Name,
			WorkflowVersion: def.Version,
			Status:          schema.RunStatusPending,
			Trigger:         opts.Trigger,
			CreatedAt:       now,
		}
		if len(opts.Vars) > 0 {
			if raw, err := json.Marshal(opts.Vars); err == nil {
				rec.Vars = raw
			}
		}
		if err := r.store.CreateRun(ctx, rec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create run record: %s", err.Error()).WithCause(err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := &activeRun{id: runID, workflow: def.Name, cancel: cancel, startedAt: now}
	r.mu.Lock()
	if _, exists := r.running[runID]; exists {
		r.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already active", runID)
	}
	r.running[runID] = active
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, runID)
		r.mu.Unlock()
	}()

	run := &runState{
		id:       runID,
		def:      def,
		driver:   opts.Driver,
		strategy: strategy,
		report: &schema.ExecutionReport{
			RunID:        runID,
			WorkflowName: def.Name,
			Status:       schema.RunStatusRunning,
			Results:      make([]schema.ActionResult, 0, len(def.Actions)),
			StartedAt:    now,
		},
		workflow: map[string]any{
			"name":    def.Name,
			"version": def.Version,
			"run_id":  runID,
		},
		active: active,
	}

	if err := r.fsm.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	r.updateRun(ctx, runID, store.RunUpdate{Status: statusPtr(schema.RunStatusRunning), StartedAt: &now})
	logger.Info("run started", "trigger", opts.Trigger, "actions", len(def.Actions))

	execErr := r.executeActions(runCtx, run, def.Actions, ec, "")

	// Finalization must succeed even after cancellation; keep the
	// correlation values but drop the cancel signal.
	finCtx := context.WithoutCancel(ctx)

	report := run.report
	status := schema.RunStatusCompleted
	if execErr != nil {
		if isCancellation(execErr) {
			status = schema.RunStatusCancelled
		} else {
			status = schema.RunStatusFailed
		}
		report.Error = asFlowError(execErr)
	}
	report.Status = status
	completed := time.Now().UTC()
	report.CompletedAt = &completed

	if err := r.fsm.Transition(finCtx, runID, schema.RunStatusRunning, status); err != nil {
		logger.Warn("run state transition failed", "to", status, "error", err)
	}

	// Sanitize before the report leaves the engine. Error details carry
	// action payloads on some abort paths, so they get the same treatment.
	for i := range report.Results {
		report.Results[i].Payload = r.sanitizer.FilterMap(report.Results[i].Payload)
	}
	report.Context = r.sanitizer.FilterMap(ec)
	if report.Error != nil && report.Error.Details != nil {
		masked := *report.Error
		masked.Details = r.sanitizer.FilterMap(report.Error.Details)
		report.Error = &masked
	}

	r.persistOutcome(finCtx, report)

	switch status {
	case schema.RunStatusCompleted:
		logger.Info("run completed",
			"actions", len(report.Results),
			"had_failures", report.HadActionFailures,
			"duration_ms", completed.Sub(now).Milliseconds())
	case schema.RunStatusCancelled:
		logger.Warn("run cancelled", "actions", len(report.Results))
	default:
		logger.Error("run failed", "error", report.Error, "actions", len(report.Results))
	}

	return report, nil
}

// Cancel requests cancellation of an active run. The run observes the
// request at its next node boundary or loop iteration; the final report
// carries the reason.
func (r *Runner) Cancel(runID, reason string) error {
	r.mu.Lock()
	active, ok := r.running[runID]
	r.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not active", runID)
	}
	active.setReason(reason)
	active.cancel()
	return nil
}

// ActiveRuns returns the ids of currently executing runs, sorted.
func (r *Runner) ActiveRuns() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Breaker exposes the circuit breaker registry for stats surfaces.
func (r *Runner) Breaker() *CircuitBreakerRegistry {
	return r.breaker
}

// --- Dispatch ---

// executeActions dispatches a node list in order. Cancellation is observed
// at node boundaries: the node in flight finishes before the run stops.
func (r *Runner) executeActions(ctx context.Context, run *runState, nodes []schema.ActionNode, ec map[string]any, prefix string) error {
	for i := range nodes {
		if ctx.Err() != nil {
			return r.cancelErr(ctx, run)
		}
		if err := r.executeNode(ctx, run, &nodes[i], ec, prefix, i+1); err != nil {
			return err
		}
	}
	return nil
}

// executeNode runs a single node through the strategy seam. Leaves produce a
// result directly; control-flow handlers record results only for the nodes
// nested inside them, so a composite node appears in the report only when it
// fails.
func (r *Runner) executeNode(ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any, prefix string, pos int) error {
	display := displayName(node, prefix, pos)
	kind := classifyNode(node)

	nodeCtx := logging.WithAction(ctx, display)
	logger := logging.LogWith(nodeCtx, r.logger)

	start := time.Now()
	var res *schema.ActionResult
	var execErr error
	if kind == kindLeaf {
		res, execErr = r.executeLeaf(nodeCtx, run, node, ec, display)
	} else {
		execErr = flowHandlers[kind](r, nodeCtx, run, node, ec, prefix, pos)
	}
	elapsed := time.Since(start).Milliseconds()

	if execErr != nil {
		if isCancellation(execErr) {
			// Normalize raw context errors from actions into the run's
			// cancellation error so the report carries the reason.
			if ctx.Err() != nil {
				return r.cancelErr(ctx, run)
			}
			return execErr
		}
		if isStrategyAbort(execErr) {
			return execErr
		}
		if ctx.Err() != nil {
			// The node surfaced the cancellation as its own error.
			return r.cancelErr(ctx, run)
		}
		logger.Error("action error", "error", r.sanitizeErr(execErr))
		sub, verdict := run.strategy.HandleActionError(execErr, node, display)
		if verdict != nil {
			r.emit(nodeCtx, run, display, schema.EventStrategyAbort, map[string]any{"error": verdict.Error()})
			return &strategyAbort{err: verdict}
		}
		if sub == nil {
			return nil
		}
		res = sub
	} else if kind == kindLeaf && res == nil {
		res = schema.Failure("execution returned nil result for "+display, nil)
	}
	if res == nil {
		// Composite success: results were recorded by the nested nodes.
		return nil
	}

	res.ActionName = node.Name
	res.ActionType = node.Type
	res.DisplayName = display
	res.DurationMs = elapsed
	run.report.Results = append(run.report.Results, *res)

	if res.Success {
		r.emit(nodeCtx, run, display, schema.EventActionCompleted, map[string]any{"duration_ms": elapsed})
		logger.Debug("action completed", "duration_ms", elapsed)
		return nil
	}

	run.report.HadActionFailures = true
	r.emit(nodeCtx, run, display, schema.EventActionFailed, map[string]any{"message": res.Message, "duration_ms": elapsed})
	logger.Warn("action failed", "message", res.Message)

	if err := run.strategy.HandleActionFailure(res, node, display); err != nil {
		r.emit(nodeCtx, run, display, schema.EventStrategyAbort, map[string]any{"error": err.Error()})
		logger.Error("run aborted by failure policy", "error", err)
		return &strategyAbort{err: err}
	}
	return nil
}

// executeLeaf resolves params, applies the circuit breaker and the node's
// retry policy, and invokes the registered action. Returns either the
// action's own result or an error for the strategy seam.
func (r *Runner) executeLeaf(ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any, display string) (*schema.ActionResult, error) {
	action, err := r.registry.Get(node.Type)
	if err != nil {
		return nil, err
	}
	if err := r.breaker.AllowRequest(node.Type); err != nil {
		r.emit(ctx, run, display, schema.EventBreakerOpen, r.breaker.GetStats(node.Type))
		return nil, err
	}

	params, err := r.resolveParams(ctx, run, node, ec)
	if err != nil {
		return nil, err
	}
	input := actions.ActionInput{Params: params, Vars: ec, Driver: run.driver}

	maxAttempts := 1
	if node.Retry != nil && node.Retry.Max > 0 {
		maxAttempts = node.Retry.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		r.emit(ctx, run, display, schema.EventActionStarted, map[string]any{"attempt": attempt + 1})

		res, execErr := action.Execute(ctx, input)
		if execErr == nil {
			r.breaker.RecordSuccess(node.Type)
			return res, nil
		}

		if r.breaker.RecordFailure(node.Type) == CircuitOpen {
			r.emit(ctx, run, display, schema.EventBreakerOpen, r.breaker.GetStats(node.Type))
		}
		if isCancellation(execErr) {
			return nil, execErr
		}
		lastErr = execErr

		if attempt == maxAttempts-1 {
			break
		}
		if !IsRetryableError(execErr) {
			return nil, execErr
		}
		r.emit(ctx, run, display, schema.EventActionRetry, map[string]any{"attempt": attempt + 2, "max_attempts": maxAttempts})
		logging.LogWith(ctx, r.logger).Debug("retrying action",
			"attempt", attempt+2, "max_attempts", maxAttempts, "error", execErr)
		if err := WaitForBackoff(ctx, ComputeBackoff(node.Retry, attempt)); err != nil {
			return nil, r.cancelErr(ctx, run)
		}
	}

	if maxAttempts > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempt(s): %s", maxAttempts, lastErr.Error()).
			WithAction(display).WithCause(lastErr)
	}
	return nil, lastErr
}

// resolveParams interpolates the node's raw params against the current scope
// and unmarshals them into a map. Nodes without params get an empty map.
func (r *Runner) resolveParams(ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any) (map[string]any, error) {
	if len(node.Params) == 0 {
		return map[string]any{}, nil
	}
	raw := node.Params
	if expressions.HasInterpolation(raw) {
		scope := &expressions.Scope{Vars: ec, Workflow: run.workflow, Loop: loopScope(ec)}
		resolved, err := r.interp.Resolve(ctx, raw, scope)
		if err != nil {
			return nil, err
		}
		raw = resolved
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %q: invalid params: %s", node.Name, err.Error())
	}
	return params, nil
}

// --- Events ---

// emit records one event to the store event log and the streaming hub. Both
// sinks are best-effort: an event that cannot be delivered never fails the
// run it describes.
func (r *Runner) emit(ctx context.Context, run *runState, action, eventType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			r.logger.Debug("marshal event payload", "event_type", eventType, "error", err)
		} else {
			raw = b
		}
	}
	r.fanout(ctx, &store.Event{
		RunID:     run.id,
		Action:    action,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, run.def.Name, payload)
}

func (r *Runner) fanout(ctx context.Context, event *store.Event, workflow string, payload any) {
	if r.store != nil {
		if err := r.store.AppendEvent(ctx, event); err != nil {
			r.logger.Debug("append event", "run_id", event.RunID, "event_type", event.Type, "error", err)
		}
	}
	if r.hub != nil {
		_ = r.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     event.RunID,
			Workflow:  workflow,
			Action:    event.Action,
			EventType: event.Type,
			Payload:   payload,
		})
	}
}

// runEventFanout adapts the runner's event fan-out to the FSM's appender
// seam for run lifecycle events.
type runEventFanout struct {
	r *Runner
}

func (f runEventFanout) AppendEvent(ctx context.Context, event *store.Event) error {
	workflow := ""
	f.r.mu.Lock()
	if active, ok := f.r.running[event.RunID]; ok {
		workflow = active.workflow
	}
	f.r.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var payload any
	if len(event.Payload) > 0 {
		_ = json.Unmarshal(event.Payload, &payload)
	}
	f.r.fanout(ctx, event, workflow, payload)
	return nil
}

// --- Persistence helpers ---

func (r *Runner) updateRun(ctx context.Context, runID string, update store.RunUpdate) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateRun(ctx, runID, update); err != nil {
		r.logger.Warn("update run record", "run_id", runID, "error", err)
	}
}

// persistOutcome writes the final run record and result list. Best-effort:
// the report is already complete and is returned to the caller regardless.
func (r *Runner) persistOutcome(ctx context.Context, report *schema.ExecutionReport) {
	if r.store == nil {
		return
	}

	update := store.RunUpdate{
		Status:            &report.Status,
		HadActionFailures: &report.HadActionFailures,
		CompletedAt:       report.CompletedAt,
	}
	if report.Context != nil {
		if raw, err := json.Marshal(report.Context); err == nil {
			update.Context = raw
		}
	}
	if report.Error != nil {
		if raw, err := json.Marshal(report.Error); err == nil {
			update.Error = raw
		}
	}
	if err := r.store.UpdateRun(ctx, report.RunID, update); err != nil {
		r.logger.Warn("persist run outcome", "run_id", report.RunID, "error", err)
	}

	if len(report.Results) == 0 {
		return
	}
	results := make([]*store.RunResult, len(report.Results))
	for i := range report.Results {
		res := &report.Results[i]
		rr := &store.RunResult{
			RunID:       report.RunID,
			Position:    i,
			ActionName:  res.ActionName,
			ActionType:  res.ActionType,
			DisplayName: res.DisplayName,
			Success:     res.Success,
			Message:     res.Message,
			DurationMs:  res.DurationMs,
		}
		if res.Payload != nil {
			if raw, err := json.Marshal(res.Payload); err == nil {
				rr.Payload = raw
			}
		}
		results[i] = rr
	}
	if err := r.store.SaveResults(ctx, report.RunID, results); err != nil {
		r.logger.Warn("persist run results", "run_id", report.RunID, "error", err)
	}
}

// --- Error helpers ---

// cancelErr builds the cancellation error for the current run, carrying the
// reason Cancel supplied, if any.
func (r *Runner) cancelErr(ctx context.Context, run *runState) error {
	reason := ""
	if run.active != nil {
		reason = run.active.cancelReason()
	}
	if reason == "" && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "deadline exceeded"
	}
	msg := "run cancelled"
	if reason != "" {
		msg = "run cancelled: " + reason
	}
	return schema.NewError(schema.ErrCodeCancelled, msg)
}

// sanitizeErr masks the details of a flow error before it reaches a log
// sink. The original error is left intact for the strategy seam.
func (r *Runner) sanitizeErr(err error) error {
	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) || flowErr.Details == nil {
		return err
	}
	masked := *flowErr
	masked.Details = r.sanitizer.FilterMap(flowErr.Details)
	return &masked
}

// asFlowError normalizes an execution error into the report's error field.
func asFlowError(err error) *schema.FlowError {
	var abort *strategyAbort
	if errors.As(err, &abort) {
		err = abort.err
	}
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr
	}
	return schema.NewError(schema.ErrCodeWorkflow, err.Error())
}

func statusPtr(s schema.RunStatus) *schema.RunStatus { return &s }
