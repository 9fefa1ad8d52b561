// Package schema describes tool parameters with a JSON-Schema subset and validates
// argument maps against it.
//
// Only type, required, enum, pattern, properties and items take part in validation.
// The remaining keywords are carried so catalogs can be rendered back to callers.
package schema

import (
	"fmt"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
)

// Type names accepted in Schema.Type.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeNull    = "null"
)

// Schema is the declarative parameter description attached to a tool.
type Schema struct {
	Type        string             `json:"type,omitempty" yaml:"type,omitempty"`
	Title       string             `json:"title,omitempty" yaml:"title,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty" yaml:"enum,omitempty"`
	Pattern     string             `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Format      string             `json:"format,omitempty" yaml:"format,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Default     any                `json:"default,omitempty" yaml:"default,omitempty"`
}

// Object returns an object schema with the given properties and required fields.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// String returns a string property schema.
func String(description string) *Schema {
	return &Schema{Type: TypeString, Description: description}
}

// Number returns a number property schema.
func Number(description string) *Schema {
	return &Schema{Type: TypeNumber, Description: description}
}

// Integer returns an integer property schema.
func Integer(description string) *Schema {
	return &Schema{Type: TypeInteger, Description: description}
}

// Boolean returns a boolean property schema.
func Boolean(description string) *Schema {
	return &Schema{Type: TypeBoolean, Description: description}
}

// Array returns an array property schema whose elements follow items.
func Array(description string, items *Schema) *Schema {
	return &Schema{Type: TypeArray, Description: description, Items: items}
}

// Enum returns a string property restricted to values.
func Enum(description string, values ...string) *Schema {
	e := make([]any, len(values))
	for i, v := range values {
		e[i] = v
	}
	return &Schema{Type: TypeString, Description: description, Enum: e}
}

// WithPattern sets an anchored pattern on s and returns it.
func (s *Schema) WithPattern(p string) *Schema {
	s.Pattern = p
	return s
}

// WithDefault records a documented default on s and returns it.
func (s *Schema) WithDefault(v any) *Schema {
	s.Default = v
	return s
}

// WithRange records documented bounds on s and returns it.
func (s *Schema) WithRange(lo, hi *float64) *Schema {
	s.Minimum, s.Maximum = lo, hi
	return s
}

// Bound is a convenience for WithRange literals.
func Bound(v float64) *float64 { return &v }

// PropertyType returns the declared type of a top-level property, or "".
func (s *Schema) PropertyType(name string) string {
	if s == nil {
		return ""
	}
	if p, ok := s.Properties[name]; ok && p != nil {
		return p.Type
	}
	return ""
}

// Map renders s as a generic JSON object.
func (s *Schema) Map() map[string]any {
	if s == nil {
		return map[string]any{"type": TypeObject}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": TypeObject}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": TypeObject}
	}
	return out
}

// FromMap decodes a generic JSON-Schema object into a Schema.
func FromMap(m map[string]any) (*Schema, error) {
	if m == nil {
		return &Schema{Type: TypeObject}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return FromJSON(data)
}

// FromJSON decodes raw JSON-Schema bytes into a Schema.
func FromJSON(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if s.Type == "" {
		s.Type = TypeObject
	}
	return &s, nil
}
