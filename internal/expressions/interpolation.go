package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/flowrun/internal/secrets"
	"github.com/rendis/flowrun/pkg/schema"
)

// Interpolator resolves ${{...}} references in leaf action params.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator. vault may be nil; secrets.*
// references then fail with a vault error telling the operator how to
// configure one.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve expands every ${{...}} token in raw params. Expansion runs in two
// passes: the first resolves vars.*, loop.* and workflow.* references, the
// second resolves secrets.* through the vault. Keeping secrets last means a
// failed variable lookup never touches the vault.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	text, err := interp.expand(ctx, string(raw), scope, false)
	if err == nil {
		text, err = interp.expand(ctx, text, scope, true)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(text), nil
}

// expand rewrites input, resolving the tokens that belong to the current pass
// and copying every other token through verbatim.
func (interp *Interpolator) expand(ctx context.Context, input string, scope *Scope, secretsPass bool) (string, error) {
	var out strings.Builder
	out.Grow(len(input))

	for {
		before, rest, found := strings.Cut(input, "${{")
		if !found {
			out.WriteString(input)
			return out.String(), nil
		}
		body, after, closed := strings.Cut(rest, "}}")
		if !closed {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}

		expr := strings.TrimSpace(body)
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		if strings.HasPrefix(expr, "secrets.") != secretsPass {
			out.WriteString(before)
			out.WriteString("${{")
			out.WriteString(body)
			out.WriteString("}}")
			input = after
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}

		// A token spanning an entire JSON string value replaces the quoted
		// string wholesale with the value's JSON form, so numbers, booleans,
		// lists and objects keep their types through templating. A token
		// inside a larger string renders as bare text. An escaped quote is
		// string content, not a boundary.
		whole := strings.HasSuffix(before, `"`) && !strings.HasSuffix(before, `\"`) &&
			strings.HasPrefix(after, `"`)
		if whole {
			if enc, err := json.Marshal(val); err == nil {
				out.WriteString(before[:len(before)-1])
				out.Write(enc)
				input = after[1:]
				continue
			}
		}
		out.WriteString(before)
		out.WriteString(inlineJSON(val))
		input = after
	}
}

// resolveExpr resolves one trimmed reference like "vars.user.email".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *Scope) (any, error) {
	ns, path, _ := strings.Cut(expr, ".")
	switch ns {
	case "vars", "loop", "workflow":
		return interp.resolveScoped(ns, path, expr, scope)
	case "secrets":
		return interp.resolveSecret(ctx, path, expr)
	default:
		available := []string{"vars", "loop", "workflow", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", ns, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveScoped digs a dotted path out of one scope namespace.
func (interp *Interpolator) resolveScoped(ns, path, expr string, scope *Scope) (any, error) {
	if path == "" {
		return nil, interpErrorf(expr, "invalid reference %q: expected %s.<field>", expr, ns)
	}

	var data map[string]any
	switch ns {
	case "vars":
		data = scope.Vars
	case "loop":
		if scope.Loop == nil {
			return nil, interpErrorf(expr, "loop variable %q referenced outside of a loop", expr)
		}
		data = scope.Loop
	case "workflow":
		data = scope.Workflow
	}
	if data == nil {
		return nil, interpErrorf(expr, "cannot resolve %q: %s scope is empty", expr, ns)
	}

	// A literal key containing dots wins over path traversal.
	if val, ok := data[path]; ok {
		return val, nil
	}
	return digPath(data, path, expr)
}

// resolveSecret fetches secrets.<KEY> through the vault. Secret values always
// embed as strings.
func (interp *Interpolator) resolveSecret(ctx context.Context, key, expr string) (any, error) {
	if key == "" {
		return nil, interpErrorf(expr, "invalid secret reference %q: expected secrets.<KEY>", expr)
	}
	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"cannot resolve secret %q: no vault configured (set FLOWRUN_VAULT_KEY, or FLOWRUN_VAULT_PASSPHRASE with FLOWRUN_VAULT_SALT)", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, interpErrorf(expr, "failed to resolve secret %q: %s", key, err.Error()).WithCause(err)
	}
	return string(val), nil
}

// digPath walks a dot-delimited path through nested maps.
func digPath(root any, path, expr string) (any, error) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, interpErrorf(expr, "empty segment in path %q", expr)
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, interpErrorf(expr, "cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current)
		}
		val, ok := obj[seg]
		if !ok {
			keys := slices.Sorted(maps.Keys(obj))
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// interpErrorf builds an interpolation error tagged with the expression.
func interpErrorf(expr, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInterpolation, format, args...).
		WithDetails(map[string]any{"expression": expr})
}

// inlineJSON renders a resolved value for embedding at the token position.
// Strings embed bare so references inside larger string values concatenate
// naturally; everything else renders as its JSON form.
func inlineJSON(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.RawMessage:
		return string(v)
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(b)
}

// HasInterpolation reports whether a JSON blob contains any ${{...}} tokens.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
