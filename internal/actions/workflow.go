package actions

import (
	"context"
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

// WorkflowCaller executes a stored child workflow and returns its report.
// The runner satisfies this; it is wired after construction to avoid a
// dependency cycle between the engine and the builtin actions.
type WorkflowCaller func(ctx context.Context, name string, vars map[string]any, driver any) (*schema.ExecutionReport, error)

// WorkflowDeps holds the dependencies injected into workflow actions.
type WorkflowDeps struct {
	Call WorkflowCaller
}

// RegisterWorkflowActions registers the workflow-scoped actions. Called after
// the runner exists so the caller seam can be bound.
func RegisterWorkflowActions(reg *Registry, deps WorkflowDeps) error {
	all := []Action{
		&workflowCallAction{deps: deps},
		&workflowFailAction{},
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- workflow.call ---

type workflowCallAction struct {
	deps WorkflowDeps
}

func (a *workflowCallAction) Name() string { return "workflow.call" }

func (a *workflowCallAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a stored workflow as a child of this run, optionally exporting child context variables",
	}
}

func (a *workflowCallAction) Validate(params map[string]any) error {
	if stringParam(params, "workflow", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.call: missing required param 'workflow'")
	}
	return nil
}

func (a *workflowCallAction) Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if a.deps.Call == nil {
		return nil, schema.NewError(schema.ErrCodeAction, "workflow.call: no child runner configured")
	}

	name := stringParam(input.Params, "workflow", "")

	var childVars map[string]any
	if raw, ok := input.Params["vars"]; ok {
		if m, ok := raw.(map[string]any); ok {
			childVars = m
		}
	}

	report, err := a.deps.Call(ctx, name, childVars, input.Driver)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "workflow.call: child workflow %q failed: %v", name, err).WithCause(err)
	}

	payload := map[string]any{
		"run_id":              report.RunID,
		"workflow":            report.WorkflowName,
		"status":              string(report.Status),
		"had_action_failures": report.HadActionFailures,
		"result_count":        len(report.Results),
		"context":             report.Context,
	}

	// Copy requested child context variables into the parent scope.
	exported := make([]string, 0)
	for _, key := range stringSliceParam(input.Params, "export") {
		if v, ok := report.Context[key]; ok && input.Vars != nil {
			input.Vars[key] = v
			exported = append(exported, key)
		}
	}
	if len(exported) > 0 {
		payload["exported"] = exported
	}

	if report.Status != schema.RunStatusCompleted {
		msg := fmt.Sprintf("child workflow %q finished with status %s", name, report.Status)
		if report.Error != nil {
			msg = fmt.Sprintf("%s: %s", msg, report.Error.Message)
		}
		return schema.Failure(msg, payload), nil
	}

	return schema.Success(fmt.Sprintf("child workflow %q completed", name), payload), nil
}

// --- workflow.fail ---

type workflowFailAction struct{}

func (a *workflowFailAction) Name() string { return "workflow.fail" }

func (a *workflowFailAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Deliberately fail this node with a reason; the run's error strategy decides what happens next",
	}
}

func (a *workflowFailAction) Validate(params map[string]any) error {
	if stringParam(params, "reason", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.fail: missing required param 'reason'")
	}
	return nil
}

func (a *workflowFailAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	reason := stringParam(input.Params, "reason", "")
	return schema.Failure(reason, nil), nil
}
