package wamp

// The three codecs decode numbers and maps into different Go types: JSON
// produces float64 and map[string]any, MsgPack produces int64/uint64, CBOR
// produces uint64 and (with our decode options) map[string]any. The As*
// helpers normalize decoded payload elements so message parsing is codec
// independent.

// AsID converts a decoded value into a WAMP ID. IDs are integers in
// [1, 2^53), so float64 representation is exact.
func AsID(v any) (uint64, bool) {
	n, ok := AsInt64(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// AsInt64 converts any decoded integer representation to int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
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
	case MessageType:
		return int64(n), true
	}
	return 0, false
}

// AsString converts a decoded value to a string. Byte slices are accepted
// since some codecs produce them for text fields.
func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case URI:
		return string(s), true
	}
	return "", false
}

// AsURI converts a decoded value to a URI.
func AsURI(v any) (URI, bool) {
	s, ok := AsString(v)
	return URI(s), ok
}

// AsBool converts a decoded value to a bool.
func AsBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// AsDict converts a decoded value to a string-keyed dict. Codecs that decode
// maps with any-typed keys are normalized here.
func AsDict(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, true
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			s, ok := AsString(k)
			if !ok {
				return nil, false
			}
			out[s] = val
		}
		return out, true
	}
	return nil, false
}

// AsList converts a decoded value to a list.
func AsList(v any) ([]any, bool) {
	switch l := v.(type) {
	case nil:
		return nil, true
	case []any:
		return l, true
	}
	return nil, false
}
