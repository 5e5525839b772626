// Package schema defines the recursive tool input/output schema dialect
// shared by the provider client, tool service, and code generator.
package schema

import (
	"fmt"
	"math"
	"regexp"
)

// Kind identifies the shape of a Schema node.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindRecord    Kind = "record"
	KindList      Kind = "list"
	KindEnum      Kind = "enum"
	KindSum       Kind = "sum"
)

// Primitive names a scalar type carried by a KindPrimitive node.
type Primitive string

const (
	PrimitiveString Primitive = "string"
	PrimitiveInt    Primitive = "int"
	PrimitiveFloat  Primitive = "float"
	PrimitiveBool   Primitive = "bool"
	PrimitiveBytes  Primitive = "bytes"
	PrimitiveAny    Primitive = "any"
)

// Schema is a recursive node describing a value's shape: a primitive, a
// record of named fields, a list of a single item type, an enumeration of
// literal values, or a sum (tagged union) of alternatives.
type Schema struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Primitive is set when Kind == KindPrimitive.
	Primitive Primitive `json:"primitive,omitempty" yaml:"primitive,omitempty"`

	// Fields is set when Kind == KindRecord: field name -> field schema.
	Fields map[string]*Schema `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Required lists which Fields entries must be present.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`

	// Item is set when Kind == KindList: the schema of each element.
	Item *Schema `json:"item,omitempty" yaml:"item,omitempty"`

	// Enum is set when Kind == KindEnum: the allowed literal values.
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`

	// Alternatives is set when Kind == KindSum: named alternative schemas.
	Alternatives map[string]*Schema `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`

	// Constraints on primitive values, applied only when Kind == KindPrimitive.
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// String renders a primitive string schema; a common-case helper.
func String() *Schema { return &Schema{Kind: KindPrimitive, Primitive: PrimitiveString} }

// Int renders a primitive int schema.
func Int() *Schema { return &Schema{Kind: KindPrimitive, Primitive: PrimitiveInt} }

// Record builds a record schema from fields, marking every key required.
func Record(fields map[string]*Schema) *Schema {
	required := make([]string, 0, len(fields))
	for k := range fields {
		required = append(required, k)
	}
	return &Schema{Kind: KindRecord, Fields: fields, Required: required}
}

// List builds a list schema over item.
func List(item *Schema) *Schema {
	return &Schema{Kind: KindList, Item: item}
}

// IsRequired reports whether field is listed in Required.
func (s *Schema) IsRequired(field string) bool {
	for _, f := range s.Required {
		if f == field {
			return true
		}
	}
	return false
}

// Validate checks a node is internally consistent: the fields populated
// match Kind, list/record/enum/sum nodes are non-empty, and nested schemas
// validate recursively.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("schema: nil node")
	}

	switch s.Kind {
	case KindPrimitive:
		switch s.Primitive {
		case PrimitiveString, PrimitiveInt, PrimitiveFloat, PrimitiveBool, PrimitiveBytes, PrimitiveAny:
		default:
			return fmt.Errorf("schema: unknown primitive %q", s.Primitive)
		}
		if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
			return fmt.Errorf("schema: min %v exceeds max %v", *s.Min, *s.Max)
		}
	case KindRecord:
		if len(s.Fields) == 0 {
			return fmt.Errorf("schema: record with no fields")
		}
		for name, f := range s.Fields {
			if err := f.Validate(); err != nil {
				return fmt.Errorf("schema: field %q: %w", name, err)
			}
		}
		for _, name := range s.Required {
			if _, ok := s.Fields[name]; !ok {
				return fmt.Errorf("schema: required field %q not defined", name)
			}
		}
	case KindList:
		if s.Item == nil {
			return fmt.Errorf("schema: list with no item schema")
		}
		if err := s.Item.Validate(); err != nil {
			return fmt.Errorf("schema: list item: %w", err)
		}
	case KindEnum:
		if len(s.Enum) == 0 {
			return fmt.Errorf("schema: enum with no values")
		}
	case KindSum:
		if len(s.Alternatives) == 0 {
			return fmt.Errorf("schema: sum with no alternatives")
		}
		for name, alt := range s.Alternatives {
			if err := alt.Validate(); err != nil {
				return fmt.Errorf("schema: alternative %q: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("schema: unknown kind %q", s.Kind)
	}

	return nil
}

// ValidateValue checks that value conforms to the shape described by s:
// required record fields present, list elements matching Item, enum values
// drawn from Enum, and primitive values of a compatible Go kind. value is
// the generic tree produced by decoding JSON (map[string]any, []any,
// string, float64, bool, or nil).
func ValidateValue(s *Schema, value any) error {
	if s == nil {
		return fmt.Errorf("schema: nil node")
	}

	switch s.Kind {
	case KindPrimitive:
		return validatePrimitive(s, value)

	case KindRecord:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("schema: expected object, got %T", value)
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				return fmt.Errorf("schema: missing required field %q", name)
			}
		}
		for name, v := range obj {
			field, ok := s.Fields[name]
			if !ok {
				return fmt.Errorf("schema: unknown field %q", name)
			}
			if err := ValidateValue(field, v); err != nil {
				return fmt.Errorf("schema: field %q: %w", name, err)
			}
		}
		return nil

	case KindList:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("schema: expected list, got %T", value)
		}
		for i, item := range items {
			if err := ValidateValue(s.Item, item); err != nil {
				return fmt.Errorf("schema: item %d: %w", i, err)
			}
		}
		return nil

	case KindEnum:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("schema: expected string for enum, got %T", value)
		}
		for _, v := range s.Enum {
			if v == str {
				return nil
			}
		}
		return fmt.Errorf("schema: %q is not one of %v", str, s.Enum)

	case KindSum:
		obj, ok := value.(map[string]any)
		if !ok || len(obj) != 1 {
			return fmt.Errorf("schema: expected a single-key object naming the alternative")
		}
		for tag, v := range obj {
			alt, ok := s.Alternatives[tag]
			if !ok {
				return fmt.Errorf("schema: unknown alternative %q", tag)
			}
			return ValidateValue(alt, v)
		}
		return nil

	default:
		return fmt.Errorf("schema: unknown kind %q", s.Kind)
	}
}

func validatePrimitive(s *Schema, value any) error {
	if s.Primitive == PrimitiveAny {
		return nil
	}

	switch s.Primitive {
	case PrimitiveString:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("schema: expected string, got %T", value)
		}
		if s.Pattern != "" {
			matched, err := regexp.MatchString(s.Pattern, str)
			if err != nil {
				return fmt.Errorf("schema: invalid pattern %q: %w", s.Pattern, err)
			}
			if !matched {
				return fmt.Errorf("schema: %q does not match pattern %q", str, s.Pattern)
			}
		}
		return nil

	case PrimitiveInt, PrimitiveFloat:
		num, ok := value.(float64)
		if !ok {
			return fmt.Errorf("schema: expected number, got %T", value)
		}
		if s.Primitive == PrimitiveInt && num != math.Trunc(num) {
			return fmt.Errorf("schema: expected integer, got %v", num)
		}
		if s.Min != nil && num < *s.Min {
			return fmt.Errorf("schema: %v is below minimum %v", num, *s.Min)
		}
		if s.Max != nil && num > *s.Max {
			return fmt.Errorf("schema: %v is above maximum %v", num, *s.Max)
		}
		return nil

	case PrimitiveBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("schema: expected bool, got %T", value)
		}
		return nil

	case PrimitiveBytes:
		switch value.(type) {
		case string, []byte:
			return nil
		default:
			return fmt.Errorf("schema: expected bytes-like value, got %T", value)
		}

	default:
		return fmt.Errorf("schema: unknown primitive %q", s.Primitive)
	}
}

// ToolSchema describes one provider tool: its name, its input and output
// shapes, and whether it requires host approval before invocation.
type ToolSchema struct {
	Name             string  `json:"name" yaml:"name"`
	Description      string  `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema      *Schema `json:"input_schema" yaml:"input_schema"`
	OutputSchema     *Schema `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	RequiresApproval bool    `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
}

// Validate checks the tool name is non-empty and its schemas are well-formed.
func (t *ToolSchema) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool_schema: name is required")
	}
	if t.InputSchema == nil {
		return fmt.Errorf("tool_schema: %s: input_schema is required", t.Name)
	}
	if err := t.InputSchema.Validate(); err != nil {
		return fmt.Errorf("tool_schema: %s: input_schema: %w", t.Name, err)
	}
	if t.OutputSchema != nil {
		if err := t.OutputSchema.Validate(); err != nil {
			return fmt.Errorf("tool_schema: %s: output_schema: %w", t.Name, err)
		}
	}
	return nil
}
