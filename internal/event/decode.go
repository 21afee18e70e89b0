package event

import (
	"fmt"
	"math"
	"sort"
)

// FromMap builds a MapEvent from decoded data such as a YAML or JSON
// record. Integers become int64; declared int and float properties are
// converted to their kind, and values of the wrong kind are rejected, as
// are undeclared properties of a declared type. Dynamic types accept any
// data.
func FromMap(t *Type, data map[string]any) (*MapEvent, error) {
	out := make(map[string]any, len(data))
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := normalize(data[k])
		if t.IsDynamic() {
			out[k] = v
			continue
		}
		kind, ok := t.props[k]
		if !ok {
			return nil, fmt.Errorf("%s: undeclared property %q", t.Name, k)
		}
		cv, err := convert(kind, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, k, err)
		}
		if kind == KindEvent {
			if m, ok := cv.(map[string]any); ok {
				nested := t.nested[k]
				if nested == nil {
					nested = NewType(k, nil)
				}
				ev, err := FromMap(nested, m)
				if err != nil {
					return nil, err
				}
				cv = ev
			}
		}
		out[k] = cv
	}
	return NewMapEvent(t, out), nil
}

func convert(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		}
	case KindFloat:
		switch x := v.(type) {
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		}
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindMap:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	case KindSlice:
		if s, ok := v.([]any); ok {
			return s, nil
		}
	case KindEvent:
		switch v.(type) {
		case map[string]any, Event:
			return v, nil
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}

// normalize converts decoded numbers to int64 or float64 and map keys to
// strings, recursively.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}
