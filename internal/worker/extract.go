package worker

import (
	"strconv"
	"strings"
)

// Extractor pulls one value out of a decoded provider body. It reports false
// when the slot is absent or empty so the next candidate can be tried.
type Extractor func(body map[string]any) (string, bool)

// Extract applies extractors in order and returns the first hit.
func Extract(body map[string]any, extractors ...Extractor) (string, bool) {
	for _, ex := range extractors {
		if v, ok := ex(body); ok {
			return v, true
		}
	}
	return "", false
}

// Field reads a scalar at path. Path elements index objects by key and
// arrays by decimal position ("eager", "0", "secure_url").
func Field(path ...string) Extractor {
	return func(body map[string]any) (string, bool) {
		return scalar(lookup(body, path))
	}
}

// FirstInList scans the array at path for its first non-empty string.
func FirstInList(path ...string) Extractor {
	return func(body map[string]any) (string, bool) {
		list, ok := lookup(body, path).([]any)
		if !ok {
			return "", false
		}
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
		return "", false
	}
}

func lookup(body map[string]any, path []string) any {
	var cur any = body
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}
