package webhook

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render replaces every {{a.b.c}} in s with the value found at that path in
// ctx. Missing and null values render as the empty string.
func Render(s string, ctx map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		return stringify(lookup(ctx, strings.Split(path, ".")))
	})
}

// RenderDeep applies Render to every string inside v, recursing through maps
// and slices. Other values are returned unchanged.
func RenderDeep(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return Render(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RenderDeep(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RenderDeep(val, ctx)
		}
		return out
	default:
		return v
	}
}

func lookup(v any, path []string) any {
	for _, key := range path {
		switch node := v.(type) {
		case map[string]any:
			v = node[strings.TrimSpace(key)]
		case []any:
			i, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// toMap converts any JSON-encodable value into the generic form templates walk.
func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
