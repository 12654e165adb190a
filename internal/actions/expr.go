package actions

import (
	"context"
	"fmt"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// ExprActions returns the expression evaluation action. All three engine
// languages are available through the 'language' param.
func ExprActions(engines *expressions.Set) []Action {
	return []Action{
		&exprEvalAction{engines: engines},
	}
}

// --- expr.eval ---

type exprEvalAction struct {
	engines *expressions.Set
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate a cel, expr, or jq expression against the run context, optionally assigning the result to a variable",
	}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	expression, _ := input.Params["expression"].(string)
	language := stringParam(input.Params, "language", "")
	assignTo := stringParam(input.Params, "assign_to", "")

	engine, err := a.engines.ForLanguage(language)
	if err != nil {
		return nil, err
	}

	// Context variables are reachable under the vars namespace; loop counters
	// that loop handlers wrote into the iteration scope ride along as
	// vars.loop_index and friends.
	scope := expressions.Scope{Vars: input.Vars}

	result, err := engine.Evaluate(ctx, expression, scope.Data())
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"result": result}
	message := fmt.Sprintf("%s expression evaluated", engine.Name())

	if assignTo != "" {
		if input.Vars == nil {
			return nil, schema.NewError(schema.ErrCodeAction, "expr.eval: no context available for 'assign_to'")
		}
		input.Vars[assignTo] = result
		payload["assigned_to"] = assignTo
		message = fmt.Sprintf("%s expression evaluated into %q", engine.Name(), assignTo)
	}

	return schema.Success(message, payload), nil
}
