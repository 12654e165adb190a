package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowrun/pkg/schema"
)

// GoJQEngine evaluates jq expressions for filtering, reshaping, and
// aggregating context data. Safe for concurrent use; compiled queries are
// cached per expression text.
type GoJQEngine struct {
	queries *programCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{queries: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return LangJQ }

// Evaluate runs the expression with data as the input object. jq queries can
// emit any number of outputs: zero outputs return nil, a single output is
// returned directly, and multiple outputs are collected into a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll runs the expression and returns every output, in emission order.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.queries.fetch(expression, func() (*gojq.Code, error) {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, badExpression(expression, "jq parse error", err)
		}
		// Empty environ loader blocks $ENV and env access.
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, badExpression(expression, "jq compile error", err)
		}
		return code, nil
	})
	if err != nil {
		return nil, err
	}

	var input any = map[string]any{}
	if data != nil {
		input = jqValue(data)
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := val.(error); isErr {
			return nil, evalFailed("jq", expression, err)
		}
		results = append(results, val)
	}
}

// jqValue widens Go native numbers into the representations gojq accepts
// (int, float64) and rebuilds containers so nested values are widened too.
// int64/int32 show up in CEL results, float32 in decoded YAML.
func jqValue(v any) any {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int32:
		return int(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = jqValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = jqValue(elem)
		}
		return out
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
