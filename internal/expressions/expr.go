package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowrun/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions: let bindings, the array helpers
// (filter, map, count, any, all, sum, min, max), string functions, nil
// coalescing (??), optional chaining (?.), and pipes (|). Safe for concurrent
// use; compiled programs are cached per expression text.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return LangExpr }

// Evaluate runs the expression with data as its environment; every map key is
// a top-level variable. Undefined variables are allowed at compile time and
// evaluate to nil, since workflows routinely probe vars that are only set on
// some paths.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.programs.fetch(expression, func() (*vm.Program, error) {
		prg, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, badExpression(expression, "expr compile error", err)
		}
		return prg, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalFailed("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
