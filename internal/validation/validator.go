package validation

import "github.com/rendis/flowrun/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup reports whether an action type is registered. The actions
// registry satisfies it; nil skips action existence checks.
type ActionLookup interface {
	Has(name string) bool
}
