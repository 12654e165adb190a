package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowrun/pkg/schema"
)

// CELEngine evaluates conditional branches and while/until loop conditions
// with Google's Common Expression Language. Safe for concurrent use; compiled
// programs are cached per expression text.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment exposes exactly the
// three Scope namespaces as map(string, dyn) variables:
//
//	vars      the run's context variables
//	loop      iteration variables (item, index, iteration, total)
//	workflow  run metadata (name, version, run_id)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("vars", mapType),
		cel.Variable("loop", mapType),
		cel.Variable("workflow", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return LangCEL }

// Evaluate compiles the expression on first use and runs it against data.
// Namespaces absent from data evaluate as empty maps rather than failing
// with a CEL no-such-attribute error.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.programs.fetch(expression, e.compile(expression))
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(celActivation(data))
	if err != nil {
		return nil, evalFailed("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) func() (cel.Program, error) {
	return func() (cel.Program, error) {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, badExpression(expression, "CEL compile error", issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, badExpression(expression, "CEL program error", err)
		}
		return prg, nil
	}
}

// celActivation pins the three environment variables, substituting empty maps
// for absent or nil namespaces.
func celActivation(data map[string]any) map[string]any {
	act := make(map[string]any, 3)
	for _, ns := range [...]string{"vars", "loop", "workflow"} {
		act[ns] = map[string]any{}
		if v, ok := data[ns]; ok && v != nil {
			act[ns] = v
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
