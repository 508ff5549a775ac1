// Package schema defines the typed field declarations that shared state
// instances are validated against.
package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/tphakala/statesync/internal/errors"
)

// FieldType is the declared runtime type of a field
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeFloat   FieldType = "float"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeAny     FieldType = "any"
)

// Valid reports whether t is a known field type
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeFloat, TypeInteger, TypeBoolean, TypeAny:
		return true
	}
	return false
}

var (
	ErrDuplicateSchema = errors.NewStd("schema already registered")
	ErrInvalidSchema   = errors.NewStd("invalid schema definition")
	ErrUnknownSchema   = errors.NewStd("unknown schema")
	ErrUnknownField    = errors.NewStd("unknown field")
	ErrTypeMismatch    = errors.NewStd("type mismatch")
)

// Field declares one named field of a schema
type Field struct {
	Type     FieldType `yaml:"type" json:"type" mapstructure:"type"`
	Default  any       `yaml:"default" json:"default" mapstructure:"default"`
	Nullable bool      `yaml:"nullable" json:"nullable" mapstructure:"nullable"`
}

// Values maps field names to field values
type Values map[string]any

// Clone returns a shallow copy of v. Field values themselves are treated as
// immutable once accepted.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Keys returns the field names of v in sorted order
func (v Values) Keys() []string {
	return slices.Sorted(maps.Keys(v))
}

// Schema is a registered, immutable set of field declarations
type Schema struct {
	Name   string           `json:"name"`
	Fields map[string]Field `json:"fields"`
}

// Defaults returns a fresh Values holding every field's default
func (s *Schema) Defaults() Values {
	out := make(Values, len(s.Fields))
	for name, f := range s.Fields {
		out[name] = f.Default
	}
	return out
}

// FieldNames returns the declared field names in sorted order
func (s *Schema) FieldNames() []string {
	return slices.Sorted(maps.Keys(s.Fields))
}

// check validates a single value against f and returns its normalized form.
// Numbers of any Go kind are normalized so that locally produced values and
// JSON-decoded values compare equal.
func (f Field) check(v any) (any, bool) {
	if v == nil {
		return nil, f.Nullable
	}
	switch f.Type {
	case TypeAny:
		return v, true
	case TypeString:
		s, ok := v.(string)
		return s, ok
	case TypeBoolean:
		b, ok := v.(bool)
		return b, ok
	case TypeFloat:
		return toFloat(v)
	case TypeInteger:
		return toInteger(v)
	}
	return nil, false
}

// toFloat accepts finite numbers only; NaN and infinities have no JSON form
func toFloat(v any) (any, bool) {
	f, ok := floatValue(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInteger(v any) (any, bool) {
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
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return integral(float64(n))
	case float64:
		return integral(n)
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return nil, false
}

// integral accepts floats holding whole numbers, which is how JSON decodes integers
func integral(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return nil, false
	}
	return int64(f), true
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	if f, ok := floatValue(v); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return fmt.Sprintf("%v", f)
	}
	return fmt.Sprintf("%T", v)
}
