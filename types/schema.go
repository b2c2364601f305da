package types

import (
	"encoding/json"
	"fmt"
)

// SchemaType represents JSON Schema types.
type SchemaType string

const (
	SchemaTypeString  SchemaType = "string"
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeInteger SchemaType = "integer"
	SchemaTypeBoolean SchemaType = "boolean"
	SchemaTypeNull    SchemaType = "null"
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeArray   SchemaType = "array"
)

// JSONSchema represents the JSON Schema subset used by agent
// capability declarations. Validation covers type and required
// property checks; anything richer belongs to the agent itself.
type JSONSchema struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Type SchemaType `json:"type,omitempty"`

	// Object properties
	Properties map[string]*JSONSchema `json:"properties,omitempty"`
	Required   []string               `json:"required,omitempty"`

	// Array items
	Items *JSONSchema `json:"items,omitempty"`

	// Enum values
	Enum []any `json:"enum,omitempty"`
}

// ParseSchema parses a raw JSON schema declaration.
func ParseSchema(raw json.RawMessage) (*JSONSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s JSONSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &s, nil
}

// NewObjectSchema creates a new object schema.
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{
		Type:       SchemaTypeObject,
		Properties: make(map[string]*JSONSchema),
	}
}

// AddProperty adds a property to an object schema.
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired marks properties as required.
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	s.Required = append(s.Required, names...)
	return s
}

// Validate checks a value against the schema. A schema validation
// failure is never retryable.
func (s *JSONSchema) Validate(value any) error {
	if s == nil {
		return nil
	}
	return s.validate("$", value)
}

func (s *JSONSchema) validate(path string, value any) error {
	if value == nil {
		if s.Type == SchemaTypeNull || s.Type == "" {
			return nil
		}
		return Newf(ErrSchemaValidation, "%s: expected %s, got null", path, s.Type)
	}

	switch s.Type {
	case SchemaTypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return Newf(ErrSchemaValidation, "%s: expected object, got %T", path, value)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return Newf(ErrSchemaValidation, "%s: missing required property %q", path, req)
			}
		}
		for name, prop := range s.Properties {
			v, present := obj[name]
			if !present {
				continue
			}
			if err := prop.validate(path+"."+name, v); err != nil {
				return err
			}
		}
	case SchemaTypeArray:
		arr, ok := value.([]any)
		if !ok {
			return Newf(ErrSchemaValidation, "%s: expected array, got %T", path, value)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	case SchemaTypeString:
		if _, ok := value.(string); !ok {
			return Newf(ErrSchemaValidation, "%s: expected string, got %T", path, value)
		}
	case SchemaTypeNumber, SchemaTypeInteger:
		switch value.(type) {
		case float64, int, int64:
		default:
			return Newf(ErrSchemaValidation, "%s: expected %s, got %T", path, s.Type, value)
		}
	case SchemaTypeBoolean:
		if _, ok := value.(bool); !ok {
			return Newf(ErrSchemaValidation, "%s: expected boolean, got %T", path, value)
		}
	}

	if len(s.Enum) > 0 {
		for _, allowed := range s.Enum {
			if fmt.Sprint(allowed) == fmt.Sprint(value) {
				return nil
			}
		}
		return Newf(ErrSchemaValidation, "%s: value %v not in enum", path, value)
	}

	return nil
}
