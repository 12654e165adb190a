package engine

import (
	"reflect"

	"github.com/rendis/flowrun/pkg/schema"
)

// cloneVars returns a shallow copy of a context-variable map. Top-level
// writes into the copy stay local; nested mutable values (maps, slices)
// remain shared between parent and copy.
func cloneVars(vars map[string]any) map[string]any {
	clone := make(map[string]any, len(vars)+4)
	for k, v := range vars {
		clone[k] = v
	}
	return clone
}

// loopScope derives the loop expression namespace from the context's loop_*
// variables. Returns nil outside loop bodies. Inside nested loops the inner
// loop's variables shadow the outer's, since each iteration copy overwrites
// the loop_* keys.
func loopScope(ec map[string]any) map[string]any {
	index, ok := ec[schema.LoopVarIndex]
	if !ok {
		return nil
	}
	loop := map[string]any{"index": index}
	if v, ok := ec[schema.LoopVarIteration]; ok {
		loop["iteration"] = v
	}
	if v, ok := ec[schema.LoopVarTotal]; ok {
		loop["total"] = v
	}
	if v, ok := ec[schema.LoopVarItem]; ok {
		loop["item"] = v
	}
	return loop
}

// toSlice converts a context value to []any without copying element values.
// []any passes through as-is so loop_item aliases the stored list's elements;
// other slice kinds ([]string from an action payload, []int, ...) are
// reboxed element by element.
func toSlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case []any:
		return val, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
