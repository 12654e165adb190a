package actions

import (
	"encoding/json"

	"github.com/rendis/flowrun/pkg/schema"
)

// Param helpers shared by all builtin actions. Params arrive as generic maps
// decoded from JSON or YAML, so numbers may be float64, int, or json.Number.

func requireParams(action string, params map[string]any, keys ...string) error {
	for _, key := range keys {
		if _, ok := params[key]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s' parameter", action, key)
		}
	}
	return nil
}

func requireStringParams(action string, params map[string]any, keys ...string) error {
	for _, key := range keys {
		if _, ok := params[key].(string); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s' string parameter", action, key)
		}
	}
	return nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
