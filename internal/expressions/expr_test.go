package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func evalExpr(t *testing.T, e *ExprEngine, expression string, data map[string]any) any {
	t.Helper()
	out, err := e.Evaluate(context.Background(), expression, data)
	require.NoError(t, err)
	return out
}

func TestExprEngineName(t *testing.T) {
	e := NewExprEngine()
	require.NotNil(t, e)
	assert.Equal(t, LangExpr, e.Name())
}

func TestExprEvaluate(t *testing.T) {
	e := NewExprEngine()

	pages := []any{
		map[string]any{"url": "https://shop.test/p/1", "status": 200, "ms": 120},
		map[string]any{"url": "https://shop.test/p/2", "status": 404, "ms": 45},
		map[string]any{"url": "https://shop.test/p/3", "status": 200, "ms": 310},
	}

	cases := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{"int literal", `42`, nil, 42},
		{"string literal", `"chromium"`, nil, "chromium"},
		{"bool literal", `false`, nil, false},
		{"addition", `2 + 3`, nil, 5},
		{"multiplication", `6 * 7`, nil, 42},
		{"modulo", `17 % 5`, nil, 2},
		{"string var", `browser`, map[string]any{"browser": "firefox"}, "firefox"},
		{"int var", `attempts`, map[string]any{"attempts": 3}, 3},
		{"bool var", `headless`, map[string]any{"headless": true}, true},
		{"float var", `timeout`, map[string]any{"timeout": 2.5}, 2.5},
		{
			"nested access",
			`session.viewport.width`,
			map[string]any{"session": map[string]any{"viewport": map[string]any{"width": 1280, "height": 720}}},
			1280,
		},
		{
			"vars namespace",
			`vars.retries < 5`,
			map[string]any{"vars": map[string]any{"retries": 2}},
			true,
		},
		{
			"workflow namespace",
			`workflow.name + "@" + workflow.version`,
			map[string]any{"workflow": map[string]any{"name": "checkout", "version": "2"}},
			"checkout@2",
		},
		{
			"loop namespace",
			`loop.index == loop.total - 1`,
			map[string]any{"loop": map[string]any{"index": 4, "total": 5}},
			true,
		},
		{"let binding", `let n = 6; n * n`, nil, 36},
		{"chained lets", `let a = 2; let b = a + 3; a * b`, nil, 10},
		{
			"let with condition",
			`let ok = count(pages, {.status == 200}); ok >= 2`,
			map[string]any{"pages": pages},
			true,
		},
		{
			"filter",
			`filter(pages, {.status == 200})`,
			map[string]any{"pages": pages},
			[]any{pages[0], pages[2]},
		},
		{
			"map",
			`map(pages, {.url})`,
			map[string]any{"pages": pages},
			[]any{"https://shop.test/p/1", "https://shop.test/p/2", "https://shop.test/p/3"},
		},
		{"count", `count(pages, {.ms > 100})`, map[string]any{"pages": pages}, 2},
		{"any hit", `any(pages, {.status == 404})`, map[string]any{"pages": pages}, true},
		{"any miss", `any(pages, {.status == 500})`, map[string]any{"pages": pages}, false},
		{"all hit", `all(pages, {.ms < 400})`, map[string]any{"pages": pages}, true},
		{"all miss", `all(pages, {.status == 200})`, map[string]any{"pages": pages}, false},
		{"sum", `sum(pages, {.ms})`, map[string]any{"pages": pages}, 475},
		{"min", `min(map(pages, {.ms}))`, map[string]any{"pages": pages}, 45},
		{"max", `max(map(pages, {.ms}))`, map[string]any{"pages": pages}, 310},
		{
			"sortBy",
			`map(sortBy(pages, {.ms}), {.status})`,
			map[string]any{"pages": pages},
			[]any{404, 200, 200},
		},
		{"reduce", `reduce(sizes, #acc + #, 0)`, map[string]any{"sizes": []any{3, 5, 7}}, 15},
		{
			"groupBy",
			`len(groupBy(pages, {.status}))`,
			map[string]any{"pages": pages},
			2,
		},
		{"contains", `url contains "/checkout"`, map[string]any{"url": "https://shop.test/checkout/pay"}, true},
		{"startsWith", `url startsWith "https://"`, map[string]any{"url": "https://shop.test"}, true},
		{"endsWith", `file endsWith ".png"`, map[string]any{"file": "shot.png"}, true},
		{"len", `len(selector)`, map[string]any{"selector": "#submit"}, 7},
		{"upper", `upper(method)`, map[string]any{"method": "post"}, "POST"},
		{"lower", `lower(header)`, map[string]any{"header": "Content-Type"}, "content-type"},
		{"trim", `trim(raw)`, map[string]any{"raw": "  padded  "}, "padded"},
		{"split", `split(path, "/")`, map[string]any{"path": "a/b/c"}, []string{"a", "b", "c"}},
		{
			"concatenation",
			`"run-" + id + "-" + step`,
			map[string]any{"id": "7f", "step": "login"},
			"run-7f-login",
		},
		{"coalesce present", `label ?? "default"`, map[string]any{"label": "custom"}, "custom"},
		{"coalesce nil", `label ?? "default"`, map[string]any{"label": nil}, "default"},
		{"coalesce chain", `a ?? b ?? "last"`, map[string]any{"a": nil, "b": nil}, "last"},
		{
			"optional chain hit",
			`result?.element?.text`,
			map[string]any{"result": map[string]any{"element": map[string]any{"text": "Buy"}}},
			"Buy",
		},
		{
			"optional chain nil",
			`result?.element?.text`,
			map[string]any{"result": nil},
			nil,
		},
		{
			"optional chain with coalesce",
			`result?.element?.text ?? "<missing>"`,
			map[string]any{"result": map[string]any{}},
			"<missing>",
		},
		{
			"pipe filter map",
			`pages | filter({.status == 200}) | map({.ms})`,
			map[string]any{"pages": pages},
			[]any{120, 310},
		},
		{
			"pipe count",
			`pages | filter({.ms < 200}) | len()`,
			map[string]any{"pages": pages},
			2,
		},
		{"ternary true", `3 > 2 ? "yes" : "no"`, nil, "yes"},
		{"ternary false", `2 > 3 ? "yes" : "no"`, nil, "no"},
		{"and", `visible && enabled`, map[string]any{"visible": true, "enabled": true}, true},
		{"or", `visible || enabled`, map[string]any{"visible": false, "enabled": true}, true},
		{"not", `!failed`, map[string]any{"failed": false}, true},
		{"in array", `"prod" in envs`, map[string]any{"envs": []any{"dev", "prod"}}, true},
		{"not in array", `"qa" in envs`, map[string]any{"envs": []any{"dev", "prod"}}, false},
		{"not-in operator", `"qa" not in envs`, map[string]any{"envs": []any{"dev", "prod"}}, true},
		{"inline map", `{"kind": "click"}`, nil, map[string]any{"kind": "click"}},
		{"nil data", `1 + 1`, nil, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evalExpr(t, e, tc.expr, tc.data))
		})
	}
}

func TestExprFailureModes(t *testing.T) {
	e := NewExprEngine()

	t.Run("empty expression", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "", map[string]any{})
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeValidation, fe.Code)
		assert.Contains(t, fe.Message, "empty")
	})

	t.Run("compile error", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `][nope`, map[string]any{})
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeValidation, fe.Code)
		assert.Contains(t, fe.Message, "compile")
		assert.Equal(t, `][nope`, fe.Details["expression"])
	})

	t.Run("runtime error is an action error", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `hits[99]`, map[string]any{"hits": []any{1, 2}})
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeAction, fe.Code)
	})
}

func TestExprSandbox(t *testing.T) {
	e := NewExprEngine()

	// The environment is exactly the data map. Anything else, including
	// names that look like OS environment variables, evaluates to nil.
	out, err := e.Evaluate(context.Background(), `HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Evaluate(context.Background(), `PATH ?? secret ?? injected`, map[string]any{"injected": "only this"})
	require.NoError(t, err)
	assert.Equal(t, "only this", out)
}

func TestExprProgramReuse(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"n": 1}

	cached := func() int {
		e.programs.mu.RLock()
		defer e.programs.mu.RUnlock()
		return len(e.programs.m)
	}

	evalExpr(t, e, `n + 1`, data)
	evalExpr(t, e, `n + 1`, data)
	assert.Equal(t, 1, cached(), "same expression should compile once")

	evalExpr(t, e, `n * 2`, data)
	assert.Equal(t, 2, cached())
}

func TestExprConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()

	t.Run("one expression many goroutines", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make([]any, 64)
		errs := make([]error, 64)
		for i := range results {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				results[n], errs[n] = e.Evaluate(context.Background(), `n >= 0`, map[string]any{"n": n})
			}(i)
		}
		wg.Wait()
		for i := range results {
			require.NoError(t, errs[i])
			assert.Equal(t, true, results[i])
		}
	})

	t.Run("mixed expressions", func(t *testing.T) {
		type probe struct {
			expr string
			data map[string]any
			want any
		}
		probes := []probe{
			{`status == "ok"`, map[string]any{"status": "ok"}, true},
			{`len(urls) == 2`, map[string]any{"urls": []any{"a", "b"}}, true},
			{`count(codes, {# >= 400})`, map[string]any{"codes": []any{200, 404, 503}}, 2},
			{`lower(tag)`, map[string]any{"tag": "RETRY"}, "retry"},
		}

		var wg sync.WaitGroup
		for i := range 40 {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				p := probes[n%len(probes)]
				out, err := e.Evaluate(context.Background(), p.expr, p.data)
				assert.NoError(t, err)
				assert.Equal(t, p.want, out)
			}(i)
		}
		wg.Wait()
	})
}

// The scrape-summary shapes below mirror how loop bodies hand their collected
// results to downstream conditionals.

func TestExprScrapeSummary(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"vars": map[string]any{
			"scraped": []any{
				map[string]any{"sku": "A-1", "price": 19.9, "in_stock": true},
				map[string]any{"sku": "A-2", "price": 45.0, "in_stock": false},
				map[string]any{"sku": "A-3", "price": 12.5, "in_stock": true},
			},
			"budget": 40.0,
		},
	}

	out := evalExpr(t, e,
		`let avail = filter(vars.scraped, {.in_stock}); let total = sum(avail, {.price}); total <= vars.budget`,
		data)
	assert.Equal(t, true, out)

	out = evalExpr(t, e, `map(filter(vars.scraped, {.price < 20.0}), {.sku})`, data)
	assert.Equal(t, []any{"A-1", "A-3"}, out)
}

func TestExprRetryGuard(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"vars": map[string]any{
			"form":     map[string]any{"submitted": false, "error": "captcha"},
			"attempts": 2,
			"max":      3,
		},
	}

	out := evalExpr(t, e,
		`!vars.form.submitted && vars.attempts < vars.max && vars.form.error != "blocked"`,
		data)
	assert.Equal(t, true, out)
}

func TestExprExtractionChecks(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"rows": []any{
			map[string]any{"href": "https://a.test", "text": "Alpha"},
			map[string]any{"href": "", "text": "Beta"},
			map[string]any{"href": "https://c.test", "text": ""},
		},
	}

	t.Run("every row has an href", func(t *testing.T) {
		assert.Equal(t, false, evalExpr(t, e, `all(rows, {len(.href) > 0})`, data))
	})

	t.Run("complete rows", func(t *testing.T) {
		assert.Equal(t, 1, evalExpr(t, e, `rows | filter({len(.href) > 0 && len(.text) > 0}) | len()`, data))
	})
}
