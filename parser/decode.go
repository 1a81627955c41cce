package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// member is one key/value pair of a JSON object, in declaration order.
type member struct {
	key string
	raw json.RawMessage
}

// decodeObject decodes a JSON object preserving key order, which the
// standard map decoding discards. Order matters twice: table queries
// execute in declaration order, and INSERT column lists derive from
// the first payload row's key order.
func decodeObject(raw []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var members []member
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("decoding value of %q: %w", key, err)
		}
		members = append(members, member{key: key, raw: val})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return members, nil
}

// decodeValue decodes an arbitrary JSON value. Integral numbers come
// back as int64 and fractional ones as float64, so SQL parameters
// keep their natural types.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch v := v.(type) {
	case json.Number:
		if !strings.ContainsAny(v.String(), ".eE") {
			if n, err := v.Int64(); err == nil {
				return n
			}
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i := range v {
			v[i] = normalize(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = normalize(v[k])
		}
		return v
	}
	return v
}

func decodeInt(raw json.RawMessage) (int, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	return int(n), nil
}

func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("expected bool: %w", err)
	}
	return b, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string: %w", err)
	}
	return s, nil
}

// decodeStringList accepts either a comma-separated string or a JSON
// string array.
func decodeStringList(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("expected string array: %w", err)
		}
		return list, nil
	}
	s, err := decodeString(raw)
	if err != nil {
		return nil, err
	}
	var list []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list, nil
}
