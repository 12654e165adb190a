package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

// AssertActions returns all assertion-related actions. A failed assertion is
// a value-level failure result, not an error: it flows through the error
// strategy like any other failed outcome and carries the compared values in
// its payload.
func AssertActions(validator *validation.JSONSchemaValidator) []Action {
	return []Action{
		&assertEqualsAction{}, &assertContainsAction{}, &assertMatchesAction{},
		&assertSchemaAction{validator: validator},
	}
}

// canonicalValue rewrites numbers to float64 so values that crossed a JSON
// boundary compare equal to ones that never left Go. Maps and slices are
// rewritten recursively.
func canonicalValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = canonicalValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalValue(item)
		}
		return out
	}
	if rv := reflect.ValueOf(v); rv.CanInt() {
		return float64(rv.Int())
	}
	return v
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(canonicalValue(a), canonicalValue(b))
}

func assertPass() *schema.ActionResult {
	return schema.Success("assertion passed", map[string]any{"pass": true})
}

// assertFail builds a failure result, honoring a caller-supplied "message"
// param over the fallback.
func assertFail(params map[string]any, fallback string, details map[string]any) *schema.ActionResult {
	msg := fallback
	if m, ok := params["message"].(string); ok && m != "" {
		msg = m
	}
	payload := map[string]any{"pass": false}
	maps.Copy(payload, details)
	return schema.Failure(msg, payload)
}

// --- assert.equals ---

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Compare two values for deep equality"}
}

func (a *assertEqualsAction) Validate(params map[string]any) error {
	return requireParams("assert.equals", params, "expected", "actual")
}

func (a *assertEqualsAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	if valuesEqual(input.Params["expected"], input.Params["actual"]) {
		return assertPass(), nil
	}
	return assertFail(input.Params, "assertion failed: values are not equal", map[string]any{
		"expected": input.Params["expected"],
		"actual":   input.Params["actual"],
	}), nil
}

// --- assert.contains ---

type assertContainsAction struct{}

func (a *assertContainsAction) Name() string { return "assert.contains" }

func (a *assertContainsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Check that a string or array contains a value"}
}

func (a *assertContainsAction) Validate(params map[string]any) error {
	return requireParams("assert.contains", params, "haystack", "needle")
}

func (a *assertContainsAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	haystack := input.Params["haystack"]
	needle := input.Params["needle"]

	var found bool
	switch hs := haystack.(type) {
	case string:
		found = strings.Contains(hs, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range hs {
			if valuesEqual(item, needle) {
				found = true
				break
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack is %T, want string or array", haystack)
	}

	if found {
		return assertPass(), nil
	}
	return assertFail(input.Params, "assertion failed: value not found", map[string]any{
		"haystack": haystack,
		"needle":   needle,
	}), nil
}

// --- assert.matches ---

type assertMatchesAction struct{}

func (a *assertMatchesAction) Name() string { return "assert.matches" }

func (a *assertMatchesAction) Schema() ActionSchema {
	return ActionSchema{Description: "Match a string against a regular expression"}
}

func (a *assertMatchesAction) Validate(params map[string]any) error {
	return requireStringParams("assert.matches", params, "value", "pattern")
}

func (a *assertMatchesAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	value, _ := input.Params["value"].(string)
	pattern, _ := input.Params["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.matches: bad pattern: %v", err)
	}

	if !re.MatchString(value) {
		return assertFail(input.Params, "assertion failed: value does not match pattern", map[string]any{
			"value":   value,
			"pattern": pattern,
		}), nil
	}

	return schema.Success("assertion passed", map[string]any{
		"pass":    true,
		"matches": re.FindString(value),
	}), nil
}

// --- assert.schema ---

type assertSchemaAction struct {
	validator *validation.JSONSchemaValidator
}

func (a *assertSchemaAction) Name() string { return "assert.schema" }

func (a *assertSchemaAction) Schema() ActionSchema {
	return ActionSchema{Description: "Validate data against a JSON Schema"}
}

func (a *assertSchemaAction) Validate(params map[string]any) error {
	return requireParams("assert.schema", params, "data", "schema")
}

func (a *assertSchemaAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: cannot serialize schema: %v", err)
	}

	dataMap, ok := input.Params["data"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: data must be a JSON object")
	}

	if err := a.validator.ValidateInput(dataMap, schemaBytes); err != nil {
		details := map[string]any{"error": err.Error()}
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Details != nil {
			details["violations"] = flowErr.Details["violations"]
		}
		return assertFail(input.Params, "assertion failed: data does not match schema", details), nil
	}

	return assertPass(), nil
}
