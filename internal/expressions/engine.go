package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// Engine evaluates expressions for conditional and loop nodes.
// Three implementations: CEL (default), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Condition language tags accepted by ConditionalConfig.Language and
// LoopConfig.Language.
const (
	LangCEL  = "cel"
	LangExpr = "expr"
	LangJQ   = "jq"
)

// Languages returns the known condition language tags.
func Languages() []string {
	return []string{LangCEL, LangExpr, LangJQ}
}

// Set bundles one instance of each engine and selects by language tag.
// Sharing a Set across runs keeps the per-engine compile caches warm.
type Set struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewSet builds a Set with all three engines.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// ForLanguage returns the engine for a language tag. The empty tag selects
// CEL, the default condition language.
func (s *Set) ForLanguage(lang string) (Engine, error) {
	switch lang {
	case "", LangCEL:
		return s.cel, nil
	case LangExpr:
		return s.expr, nil
	case LangJQ:
		return s.jq, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition language %q; available: %s", lang, strings.Join(Languages(), ", ")).
			WithDetails(map[string]any{"language": lang, "available_languages": Languages()})
	}
}

// programCache memoizes compiled programs keyed by expression text. All three
// engines compile lazily on first evaluation, so the cache takes a write lock
// only on a miss; steady-state lookups share the read lock.
type programCache[P any] struct {
	mu sync.RWMutex
	m  map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{m: make(map[string]P)}
}

// fetch returns the program for key, calling compile on a miss. A key is
// compiled at most once; concurrent first evaluations of the same expression
// serialize on the write lock.
func (c *programCache[P]) fetch(key string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.m[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.m[key]; ok {
		return p, nil
	}
	p, err := compile()
	if err != nil {
		var zero P
		return zero, err
	}
	c.m[key] = p
	return p, nil
}

// badExpression reports a compile-time failure as a validation error so it
// surfaces before any node runs.
func badExpression(expression, msg string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s in %q: %s", msg, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// evalFailed reports a runtime evaluation failure.
func evalFailed(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeAction, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
