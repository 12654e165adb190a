package validation

import (
	"errors"

	"github.com/rendis/flowrun/pkg/schema"
)

// WorkflowValidator chains the three validation stages: JSON Schema shape,
// semantic rules (action types, config blocks, template references), and the
// template reference graph.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator builds the pipeline. A nil lookup skips the
// action-existence checks, which suits contexts without a registry.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, actions: lookup}, nil
}

// Validate runs def through every stage and aggregates the findings. Each
// stage gates the next: structural problems make semantic checks meaningless,
// and semantic errors can leave template references dangling for the graph
// walk.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	result.Merge(validateStructural(wv.jsonSchema, def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions))
	if result.Valid() {
		result.Merge(validateTemplateGraph(def))
	}
	return result
}

// ValidateDefinition flattens the pipeline result into a single error, per
// the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput hands run input straight to the JSON Schema stage.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural adapts the JSON Schema verdict into per-violation
// issues, so a definition with three shape problems reports all three.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	err := v.ValidateDefinition(def)
	if err == nil {
		return r
	}

	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		r.AddError("/", schema.ErrCodeValidation, err.Error())
		return r
	}
	if violations, ok := flowErr.Details["violations"].([]string); ok {
		for _, msg := range violations {
			r.AddError("/", schema.ErrCodeValidation, msg)
		}
		return r
	}
	r.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return r
}
