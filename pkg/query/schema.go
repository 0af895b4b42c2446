package query

import (
	"fmt"
	"regexp"
)

// Schema is the JSON-schema subset the tool inputs need. Validation
// runs before any handler is invoked.
type Schema struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Required    []string          `json:"required,omitempty"`
	Enum        []string          `json:"enum,omitempty"`
	Pattern     string            `json:"pattern,omitempty"`
	MinLength   *int              `json:"minLength,omitempty"`
	Minimum     *float64          `json:"minimum,omitempty"`
	Maximum     *float64          `json:"maximum,omitempty"`
}

func (s *Schema) Validate(input any) error {
	switch s.Type {
	case "string":
		return s.validateString(input)
	case "number":
		return s.validateNumber(input)
	case "boolean":
		if _, ok := input.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", input)
		}
		return nil
	case "object":
		return s.validateObject(input)
	default:
		return fmt.Errorf("unknown schema type: %s", s.Type)
	}
}

func (s *Schema) validateString(input any) error {
	str, ok := input.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", input)
	}
	if s.MinLength != nil && len(str) < *s.MinLength {
		return fmt.Errorf("string length %d is less than minimum %d", len(str), *s.MinLength)
	}
	if s.Pattern != "" {
		matched, err := regexp.MatchString(s.Pattern, str)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", s.Pattern, err)
		}
		if !matched {
			return fmt.Errorf("string %q does not match pattern %q", str, s.Pattern)
		}
	}
	if len(s.Enum) > 0 {
		for _, allowed := range s.Enum {
			if str == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of allowed values %v", str, s.Enum)
	}
	return nil
}

func (s *Schema) validateNumber(input any) error {
	var value float64
	switch v := input.(type) {
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	case float64:
		value = v
	default:
		return fmt.Errorf("expected number, got %T", input)
	}
	if s.Minimum != nil && value < *s.Minimum {
		return fmt.Errorf("value %v is less than minimum %v", value, *s.Minimum)
	}
	if s.Maximum != nil && value > *s.Maximum {
		return fmt.Errorf("value %v exceeds maximum %v", value, *s.Maximum)
	}
	return nil
}

func (s *Schema) validateObject(input any) error {
	obj, ok := input.(map[string]any)
	if !ok {
		return fmt.Errorf("expected object, got %T", input)
	}
	for _, req := range s.Required {
		if _, exists := obj[req]; !exists {
			return fmt.Errorf("required field %q is missing", req)
		}
	}
	for name, value := range obj {
		field, known := s.Properties[name]
		if !known {
			return fmt.Errorf("unknown field %q", name)
		}
		if err := field.Validate(value); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func stringSchema(description string) Schema {
	return Schema{Type: "string", Description: description}
}

func objectSchema(properties map[string]Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: properties, Required: required}
}
