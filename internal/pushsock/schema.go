package pushsock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

type FieldType string

const (
	Float FieldType = "float"
	Int   FieldType = "int"
)

// Field constrains one settable key. Nil bounds are open.
type Field struct {
	Type     FieldType
	Min      *float64
	Max      *float64
	Default  *float64
	Codename string
}

// ValidationError rejects a whole message; Error renders the wire reason.
type ValidationError struct {
	Reason string
	Key    string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return e.Reason
	}
	return e.Reason + ":" + e.Key
}

type Schema struct {
	fields map[string]Field
	keys   []string
}

func NewSchema(fields map[string]Field) (*Schema, error) {
	s := &Schema{fields: make(map[string]Field, len(fields))}
	for key, f := range fields {
		if key == "" {
			return nil, fmt.Errorf("schema: empty key")
		}
		switch f.Type {
		case "":
			f.Type = Float
		case Float, Int:
		default:
			return nil, fmt.Errorf("schema %s: unknown type %q", key, f.Type)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return nil, fmt.Errorf("schema %s: min > max", key)
		}
		if f.Default != nil {
			if err := f.check(key, *f.Default); err != nil {
				return nil, fmt.Errorf("schema %s: default: %w", key, err)
			}
		}
		s.fields[key] = f
		s.keys = append(s.keys, key)
	}
	sort.Strings(s.keys)
	return s, nil
}

func (s *Schema) Keys() []string {
	return append([]string(nil), s.keys...)
}

func (s *Schema) Field(key string) (Field, bool) {
	f, ok := s.fields[key]
	return f, ok
}

// Validate checks every key of values; the first failure in key order wins.
func (s *Schema) Validate(values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f, ok := s.fields[k]
		if !ok {
			return &ValidationError{Reason: "unknown-key", Key: k}
		}
		if err := f.check(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (f Field) check(key string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Reason: "not-a-number", Key: key}
	}
	if f.Type == Int && v != math.Trunc(v) {
		return &ValidationError{Reason: "not-an-integer", Key: key}
	}
	if (f.Min != nil && v < *f.Min) || (f.Max != nil && v > *f.Max) {
		return &ValidationError{Reason: "out-of-range", Key: key}
	}
	return nil
}

// ParsePayload decodes a JSON object of string keys to numbers.
func ParsePayload(payload string) (map[string]float64, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, &ValidationError{Reason: "bad-json"}
	}
	if dec.More() {
		return nil, &ValidationError{Reason: "bad-json"}
	}
	if len(raw) == 0 {
		return nil, &ValidationError{Reason: "empty-payload"}
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]float64, len(raw))
	for _, k := range keys {
		num, ok := raw[k].(json.Number)
		if !ok {
			return nil, &ValidationError{Reason: "not-a-number", Key: k}
		}
		v, err := num.Float64()
		if err != nil {
			return nil, &ValidationError{Reason: "not-a-number", Key: k}
		}
		out[k] = v
	}
	return out, nil
}
