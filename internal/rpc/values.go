package rpc

// Coercion helpers for decoded msgpack values. The decoder hands back
// the narrowest numeric type that fits, so every consumer of a decoded
// frame goes through these instead of direct type assertions.

// Int returns v as int64 when it holds any integer or floating-point
// type; floats are converted with int64(), truncating toward zero.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// IntOr returns v as int64, or fallback when it is not numeric.
func IntOr(v any, fallback int64) int64 {
	if n, ok := Int(v); ok {
		return n
	}
	return fallback
}

// Uint returns v as uint64 when it holds a non-negative integer.
func Uint(v any) (uint64, bool) {
	n, ok := Int(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// String returns v as a string. Binary payloads count: msgpack encoders
// disagree on str vs bin for text.
func String(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

// StringOr returns v as a string, or fallback.
func StringOr(v any, fallback string) string {
	if s, ok := String(v); ok {
		return s
	}
	return fallback
}

// Bool returns v as a bool.
func Bool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// Bytes returns v as a byte slice.
func Bytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	return nil, false
}

// Slice returns v as a decoded array.
func Slice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// Map returns v as a decoded map. msgpack maps with string keys decode
// as map[string]any; interface-keyed maps are converted.
func Map(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := String(k)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// StringSlice converts a decoded array of strings.
func StringSlice(v any) ([]string, bool) {
	arr, ok := Slice(v)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := String(item)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
