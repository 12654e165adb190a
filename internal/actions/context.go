package actions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/flowrun/pkg/schema"
)

// ContextActions returns the context variable actions. They are the main way
// a workflow writes state for later nodes to read: updates land in the live
// Vars map of the current scope.
func ContextActions() []Action {
	return []Action{
		&contextSetAction{},
		&contextDeleteAction{},
	}
}

// --- context.set ---

type contextSetAction struct{}

func (a *contextSetAction) Name() string { return "context.set" }

func (a *contextSetAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Set one or more context variables for later nodes in the current scope",
	}
}

func (a *contextSetAction) Validate(params map[string]any) error {
	vars, ok := params["vars"].(map[string]any)
	if !ok || len(vars) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "context.set requires a non-empty 'vars' object parameter")
	}
	return nil
}

func (a *contextSetAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if input.Vars == nil {
		return nil, schema.NewError(schema.ErrCodeAction, "context.set: no context available")
	}

	vars, _ := input.Params["vars"].(map[string]any)
	keys := make([]string, 0, len(vars))
	for k, v := range vars {
		input.Vars[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return schema.Success(fmt.Sprintf("set %d variable(s)", len(keys)), map[string]any{
		"keys": keys,
	}), nil
}

// --- context.delete ---

type contextDeleteAction struct{}

func (a *contextDeleteAction) Name() string { return "context.delete" }

func (a *contextDeleteAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Remove context variables from the current scope",
	}
}

func (a *contextDeleteAction) Validate(params map[string]any) error {
	if len(stringSliceParam(params, "keys")) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "context.delete requires a non-empty 'keys' array parameter")
	}
	return nil
}

func (a *contextDeleteAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if input.Vars == nil {
		return nil, schema.NewError(schema.ErrCodeAction, "context.delete: no context available")
	}

	keys := stringSliceParam(input.Params, "keys")
	deleted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := input.Vars[k]; ok {
			delete(input.Vars, k)
			deleted = append(deleted, k)
		}
	}

	return schema.Success(fmt.Sprintf("deleted %d variable(s)", len(deleted)), map[string]any{
		"deleted": deleted,
	}), nil
}
