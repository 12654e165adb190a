package actions

import (
	"log/slog"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/validation"
)

// BuiltinDeps carries everything the builtin actions need. Workflow-scoped
// actions are registered separately via RegisterWorkflowActions once the
// runner exists.
type BuiltinDeps struct {
	Validator *validation.JSONSchemaValidator
	Engines   *expressions.Set
	Logger    *slog.Logger
	HTTP      HTTPConfig
	FS        FSConfig
	Shell     ShellConfig
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	all := make([]Action, 0, 32)

	all = append(all, HTTPActions(deps.HTTP)...)
	all = append(all, FSActions(deps.FS)...)
	all = append(all, ShellActions(deps.Shell)...)
	all = append(all, CryptoActions()...)
	all = append(all, AssertActions(deps.Validator)...)
	all = append(all, ExprActions(deps.Engines)...)
	all = append(all, ContextActions()...)
	all = append(all, LogActions(deps.Logger)...)
	all = append(all, WaitActions()...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
