package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowrun/pkg/schema"
)

const workflowSchemaID = "https://flowrun.dev/schemas/workflow.json"

// workflowSchemaJSON is the structural contract for workflow definitions,
// embedded so validation needs no files on disk. It deliberately says nothing
// about which node types exist: leaf actions are an open set owned by the
// registry, and the semantic stage resolves type strings later.
const workflowSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$id": "https://flowrun.dev/schemas/workflow.json",
	"type": "object",
	"required": ["name", "actions"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string"},
		"vars": {"type": "object"},
		"templates": {
			"type": "object",
			"propertyNames": {"minLength": 1},
			"additionalProperties": {"type": "array", "items": {"$ref": "#/$defs/node"}}
		},
		"actions": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/node"}},
		"on_failure": {"type": "string", "enum": ["stop", "continue"]},
		"schedule": {"type": "string", "minLength": 1},
		"metadata": {"type": "object"}
	},
	"$defs": {
		"node": {
			"type": "object",
			"required": ["name", "type"],
			"additionalProperties": false,
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"type": {"type": "string", "minLength": 1},
				"params": {},
				"config": {},
				"retry": {"$ref": "#/$defs/retry"}
			}
		},
		"retry": {
			"type": "object",
			"required": ["max"],
			"additionalProperties": false,
			"properties": {
				"max": {"type": "integer", "minimum": 0},
				"backoff": {"type": "string", "enum": ["none", "linear", "exponential"]},
				"delay": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"}
			}
		}
	}
}`

// JSONSchemaValidator checks workflow definitions and run inputs against JSON
// Schema Draft 2020-12. Safe for concurrent use; dynamic input schemas are
// compiled once and memoized by their raw text.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator pre-compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wf, err := compileSchema(workflowSchemaJSON, workflowSchemaID)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflow: wf, cache: map[string]*jsonschema.Schema{}}, nil
}

// ValidateDefinition checks def against the embedded workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return validateDoc(v.workflow, def, "workflow definition")
}

// ValidateInput checks run input against an action-supplied JSON Schema.
// An empty schema accepts any input.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.cachedSchema(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return validateDoc(compiled, input, "input")
}

// validateDoc round-trips value into the document form the jsonschema library
// wants and runs it through s.
func validateDoc(s *jsonschema.Schema, value any, what string) error {
	doc, err := jsonDocument(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// cachedSchema returns the compiled form of a dynamic input schema, compiling
// on first sight. Compilation runs outside the lock; racing callers compile
// the same text and the results are interchangeable.
func (v *JSONSchemaValidator) cachedSchema(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	compiled := v.cache[key]
	v.mu.RUnlock()
	if compiled != nil {
		return compiled, nil
	}

	// Content-addressed URL keeps recompiles of the same text collision-free.
	compiled, err := compileSchema(key, fmt.Sprintf("flowrun://input-schema/%x", sha256.Sum256(raw)))
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// compileSchema compiles one schema document under the given resource URL.
func compileSchema(text, url string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// jsonDocument round-trips a Go value through JSON so numbers arrive as
// json.Number, which is what the jsonschema library expects.
func jsonDocument(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError carrying
// one message per leaf violation.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := leafViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// leafViolations flattens a ValidationError tree into leaf messages prefixed
// with their instance locations.
func leafViolations(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, "/"+strings.Join(e.InstanceLocation, "/")+": "+e.Error())
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}
