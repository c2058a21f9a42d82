package connmanager

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

// jsonObjectConverter is implemented by business types that know how
// to render themselves as a JSON-safe map.
type jsonObjectConverter interface {
	ToJSONObject() any
}

// dictConverter is the generic counterpart used by types that only
// know how to describe themselves as a plain map.
type dictConverter interface {
	ToDict() map[string]any
}

// SerializeSafely applies a total, idempotent transformation so that
// every envelope handed to a transport Sink is representable by
// encoding/json, regardless of what business-level value an agent or
// internal caller produced. The capability probe tries, in order, a
// JSON-object converter, a dict-style converter, struct reflection,
// and finally a best-effort string rendering.
func SerializeSafely(v any) any {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case jsonObjectConverter:
		return SerializeSafely(val.ToJSONObject())
	case dictConverter:
		return SerializeSafely(mapAny(val.ToDict()))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.Interface()

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return SerializeSafely(rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = SerializeSafely(rv.Index(i).Interface())
		}
		return out

	case reflect.Map:
		if isSetLike(rv) {
			keys := make([]any, 0, rv.Len())
			for _, key := range rv.MapKeys() {
				keys = append(keys, SerializeSafely(key.Interface()))
			}
			return keys
		}
		out := make(map[string]any, rv.Len())
		for _, key := range rv.MapKeys() {
			out[fmt.Sprintf("%v", key.Interface())] = SerializeSafely(rv.MapIndex(key).Interface())
		}
		return out

	case reflect.Struct:
		return SerializeSafely(structToMap(rv))

	default:
		if stringer, ok := v.(fmt.Stringer); ok {
			return stringer.String()
		}
		return fmt.Sprintf("%v", v)
	}
}

// isSetLike reports whether m looks like a Go stand-in for a set:
// a map whose value type is an empty struct (map[K]struct{}). Maps
// with any other value type, bool included, are rendered as objects.
func isSetLike(rv reflect.Value) bool {
	elemType := rv.Type().Elem()
	if elemType.Kind() == reflect.Struct && elemType.NumField() == 0 {
		return true
	}
	return false
}

func mapAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// structToMap renders an exported-field reflection of a struct, the
// fallback used when no converter interface is implemented.
func structToMap(rv reflect.Value) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			if parts := splitTag(tag); parts[0] != "" && parts[0] != "-" {
				name = parts[0]
			}
		}
		out[name] = rv.Field(i).Interface()
		fields = append(fields, name)
	}
	sort.Strings(fields) // the returned map does not use this order; encoding/json sorts map keys itself
	return out
}

func splitTag(tag string) []string {
	for i, r := range tag {
		if r == ',' {
			return []string{tag[:i]}
		}
	}
	return []string{tag}
}
