package policy

import (
	"encoding/json"
	"strings"
)

// EvaluationContext is the dynamic bag of fields a request is evaluated
// against. Conventional branches are "llm", "user", "team", "project",
// "request", and "metadata", but any shape is accepted and unknown fields
// are preserved. The context is immutable for the duration of one
// evaluation; callers must not mutate it after handing it to the engine.
type EvaluationContext map[string]any

// ParseContext decodes a JSON object into an EvaluationContext.
func ParseContext(data []byte) (EvaluationContext, error) {
	var ctx EvaluationContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Resolve walks a dotted field path ("llm.maxTokens") through nested
// mappings. The second return value reports whether the path resolved to a
// defined, non-null value. A missing component, a null value, or an attempt
// to descend through a non-mapping all yield (nil, false).
func (c EvaluationContext) Resolve(path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = map[string]any(c)
	for _, part := range strings.Split(path, ".") {
		m, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		current = next
	}

	if current == nil {
		return nil, false
	}
	return current, true
}

// asStringMap normalizes the mapping shapes produced by the JSON and YAML
// decoders to map[string]any.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case EvaluationContext:
		return map[string]any(m), true
	case map[any]any:
		// yaml.v3 can decode nested mappings with interface keys.
		out := make(map[string]any, len(m))
		for k, val := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = val
		}
		return out, true
	default:
		return nil, false
	}
}
