package worker

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ToPlainData reduces an arbitrary decoded value to plain data: numbers,
// strings, booleans, arrays, string-keyed objects and nil. Map keys are
// stringified, struct-like values are flattened through their JSON form, and
// anything else falls back to its string rendering. Circular structures fall
// back to the string rendering at the point the cycle closes.
//
// Stream payloads and tool results pass through here before they are
// committed, so no store record ever carries a value the document's other
// replicas cannot decode.
func ToPlainData(value any) any {
	return walkPlain(value, make(map[uintptr]bool))
}

// ToPlainDataMap is ToPlainData for MIME maps, preserving the top-level keys.
func ToPlainDataMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = ToPlainData(v)
	}
	return out
}

func walkPlain(value any, seen map[uintptr]bool) any {
	switch v := value.(type) {
	case nil:
		return nil
	case bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return v
	case []byte:
		return string(v)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if seen[ptr] {
				return circularPlaceholder(value)
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return walkPlain(rv.Elem().Interface(), seen)

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && !rv.IsNil() {
			ptr := rv.Pointer()
			if seen[ptr] {
				return circularPlaceholder(value)
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = walkPlain(rv.Index(i).Interface(), seen)
		}
		return out

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return circularPlaceholder(value)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = walkPlain(iter.Value().Interface(), seen)
		}
		return out

	case reflect.Struct:
		// Round-trip through JSON so tags and unexported fields behave the
		// way the rest of the wire does.
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return fmt.Sprint(value)
		}
		return walkPlain(decoded, seen)

	default:
		return fmt.Sprint(value)
	}
}

// circularPlaceholder stands in for a value at the point its cycle closes.
// Rendering the value itself would recurse forever.
func circularPlaceholder(value any) string {
	return fmt.Sprintf("<circular %T>", value)
}
