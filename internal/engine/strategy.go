package engine

import (
	"context"
	"errors"

	"github.com/rendis/flowrun/pkg/schema"
)

// ErrorStrategy is the single seam deciding what a failed node means for the
// rest of the run. One instance governs an entire run, so the same policy
// applies uniformly at every nesting depth.
//
// HandleActionError receives an execution error and may substitute a result
// for it: a returned result is appended to the report and then flows through
// the failure path; a returned error aborts the run. (nil, nil) drops the
// node without record.
//
// HandleActionFailure receives every failure result (substituted or returned
// by the action itself); a returned error aborts the run.
type ErrorStrategy interface {
	HandleActionError(err error, node *schema.ActionNode, display string) (*schema.ActionResult, error)
	HandleActionFailure(res *schema.ActionResult, node *schema.ActionNode, display string) error
}

// strategyAbort marks an error as a strategy verdict. Dispatch frames
// propagate it without consulting the strategy again, so each originating
// failure is decided exactly once.
type strategyAbort struct {
	err error
}

func (a *strategyAbort) Error() string { return a.err.Error() }
func (a *strategyAbort) Unwrap() error { return a.err }

// isStrategyAbort reports whether err carries a strategy verdict.
func isStrategyAbort(err error) bool {
	var abort *strategyAbort
	return errors.As(err, &abort)
}

// isCancellation reports whether err is a run cancellation. Cancellation is
// terminal everywhere: neither the strategy nor recovery scopes intercept it.
func isCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeCancelled {
		return true
	}
	return false
}

// failureFromError renders an execution error as a failure result so the
// node still appears in the report's result list.
func failureFromError(err error) *schema.ActionResult {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		payload := map[string]any{"error_code": flowErr.Code}
		for k, v := range flowErr.Details {
			payload[k] = v
		}
		return schema.Failure(flowErr.Message, payload)
	}
	return schema.Failure(err.Error(), nil)
}

// StopStrategy aborts the run on the first failure (OnFailure: stop, the
// default). Errors become failure results first so the aborting node is
// visible in the report.
type StopStrategy struct{}

func (StopStrategy) HandleActionError(err error, _ *schema.ActionNode, _ string) (*schema.ActionResult, error) {
	return failureFromError(err), nil
}

func (StopStrategy) HandleActionFailure(res *schema.ActionResult, _ *schema.ActionNode, display string) error {
	return schema.NewErrorf(schema.ErrCodeWorkflow,
		"workflow stopped: action %q failed: %s", display, res.Message).
		WithAction(display)
}

// ContinueStrategy records failures and keeps going (OnFailure: continue).
// The run completes with HadActionFailures set.
type ContinueStrategy struct{}

func (ContinueStrategy) HandleActionError(err error, _ *schema.ActionNode, _ string) (*schema.ActionResult, error) {
	return failureFromError(err), nil
}

func (ContinueStrategy) HandleActionFailure(_ *schema.ActionResult, _ *schema.ActionNode, _ string) error {
	return nil
}

// FailureBudgetStrategy continues past failures until the budget is spent,
// then aborts. A budget of n tolerates n-1 failures; the nth aborts the run.
type FailureBudgetStrategy struct {
	Budget   int
	failures int
}

func (s *FailureBudgetStrategy) HandleActionError(err error, _ *schema.ActionNode, _ string) (*schema.ActionResult, error) {
	return failureFromError(err), nil
}

func (s *FailureBudgetStrategy) HandleActionFailure(_ *schema.ActionResult, _ *schema.ActionNode, display string) error {
	s.failures++
	if s.failures >= s.Budget {
		return schema.NewErrorf(schema.ErrCodeWorkflow,
			"failure budget exhausted: %d action failure(s), last at %q", s.failures, display).
			WithAction(display).
			WithDetails(map[string]any{"budget": s.Budget, "failures": s.failures})
	}
	return nil
}

// strategyFor selects the run strategy from the definition's on_failure
// policy. Unknown values fall back to stop, matching the validator.
func strategyFor(def *schema.WorkflowDefinition) ErrorStrategy {
	if def.OnFailure == "continue" {
		return ContinueStrategy{}
	}
	return StopStrategy{}
}
