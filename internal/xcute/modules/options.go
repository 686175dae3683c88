package modules

import (
	"fmt"
	"math"
	"strconv"
)

// Option values arrive either as JSON scalars (HTTP create) or as the typed
// scalars the record expansion guesses (claim/resume paths), so every reader
// here coerces instead of type-asserting.

func intOption(m map[string]any, key string, def int64) (int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("option %q: not an integer", key)
		}
		return int64(t), nil
	case string:
		if t == "" {
			return def, nil
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("option %q: %v", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("option %q: unexpected type %T", key, v)
	}
}

func floatOption(m map[string]any, key string, def float64) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		if t == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("option %q: %v", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %q: unexpected type %T", key, v)
	}
}

func stringOption(m map[string]any, key, def string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q: unexpected type %T", key, v)
	}
	return s, nil
}

func stringSliceOption(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("option %q: unexpected element type %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("option %q: unexpected type %T", key, v)
	}
}
