// Package sanitize masks secret material in context maps and action results
// before they reach a log sink, the store, or any external surface.
package sanitize

import (
	"reflect"
	"strings"
)

// DefaultMask replaces every value classified as sensitive.
const DefaultMask = "********"

// DefaultSensitiveKeys is the default case-insensitive substring set used to
// classify keys as secret material.
var DefaultSensitiveKeys = []string{"password", "token", "secret", "key", "credential", "auth"}

// Config parameterizes a Sanitizer. Zero values fall back to the defaults, so
// deployments can extend or restrict classification without forking the set.
type Config struct {
	Keys []string // case-insensitive substrings matched against map keys
	Mask string   // replacement value for matched keys
}

// Sanitizer produces masked copies of maps and lists. It never mutates its
// input and is safe for concurrent use (all state is read-only after New).
type Sanitizer struct {
	keys []string
	mask string
}

// New creates a Sanitizer from cfg, filling defaults for zero fields.
func New(cfg Config) *Sanitizer {
	keys := cfg.Keys
	if keys == nil {
		keys = DefaultSensitiveKeys
	}
	lowered := make([]string, len(keys))
	for i, k := range keys {
		lowered[i] = strings.ToLower(k)
	}
	mask := cfg.Mask
	if mask == "" {
		mask = DefaultMask
	}
	return &Sanitizer{keys: lowered, mask: mask}
}

// NewDefault creates a Sanitizer with the default key set and mask.
func NewDefault() *Sanitizer {
	return New(Config{})
}

// Mask returns the configured mask value.
func (s *Sanitizer) Mask() string {
	return s.mask
}

// IsSensitive reports whether a key matches the sensitive-key predicate:
// its lowercase form contains any configured substring.
func (s *Sanitizer) IsSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range s.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// FilterMap returns a masked copy of data. Values under sensitive keys are
// replaced wholesale with the mask regardless of their type; other values are
// recursed into (maps directly, lists via FilterSlice) or passed through
// unchanged. Idempotent: filtering an already-filtered map is a no-op.
func (s *Sanitizer) FilterMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s.IsSensitive(k) {
			out[k] = s.mask
			continue
		}
		out[k] = s.filterValue(v)
	}
	return out
}

// FilterSlice returns a masked copy of a list, recursing into nested maps and
// lists. Scalar elements pass through unchanged.
func (s *Sanitizer) FilterSlice(items []any) []any {
	if items == nil {
		return nil
	}
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = s.filterValue(v)
	}
	return out
}

func (s *Sanitizer) filterValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return s.FilterMap(val)
	case []any:
		return s.FilterSlice(val)
	}
	// Action payloads carry typed containers too (map[string]string response
	// headers, []string lists, ...). Rebox them so key classification still
	// applies; anything else passes through.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if s.IsSensitive(k) {
				out[k] = s.mask
				continue
			}
			out[k] = s.filterValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = s.filterValue(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}
