package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// PropertyType is the JSON type of a tool argument.
type PropertyType string

// InputSchema is the typed description of a tool's arguments. It is encoded as a JSON Schema
// object with "properties" and "required" for tools/list.
type InputSchema struct {
	Properties []Property
}

// Property describes one named argument.
type Property struct {
	Name        string
	Type        PropertyType
	Description string
	Required    bool

	// Minimum and Maximum bound number and integer arguments when set.
	Minimum *float64
	Maximum *float64
}

type jsonSchemaProperty struct {
	Type        PropertyType `json:"type"`
	Description string       `json:"description,omitempty"`
	Minimum     *float64     `json:"minimum,omitempty"`
	Maximum     *float64     `json:"maximum,omitempty"`
}

type namedSchemaProperty struct {
	name string
	prop jsonSchemaProperty
}

// schemaProperties is a JSON object whose members keep their order.
type schemaProperties []namedSchemaProperty

type jsonSchema struct {
	Type       string           `json:"type"`
	Properties schemaProperties `json:"properties"`
	Required   []string         `json:"required,omitempty"`
}

// Property types supported by the validator.
const (
	PropertyTypeString  PropertyType = "string"
	PropertyTypeInteger PropertyType = "integer"
	PropertyTypeNumber  PropertyType = "number"
	PropertyTypeBoolean PropertyType = "boolean"
	PropertyTypeObject  PropertyType = "object"
	PropertyTypeArray   PropertyType = "array"
)

// Bound returns a pointer to v, for use in Property.Minimum and Property.Maximum.
func Bound(v float64) *float64 {
	return &v
}

// Validate checks args against the schema. Every required property must be present with a
// compatible type, present optional properties must have a compatible type, and properties the
// schema does not declare are ignored. The returned error is a ValidationError naming the field.
func (s InputSchema) Validate(args map[string]any) error {
	for _, p := range s.Properties {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return ValidationError{Field: p.Name, Reason: "required property is missing"}
			}
			continue
		}
		if err := p.check(v); err != nil {
			return err
		}
	}
	return nil
}

func (p Property) check(v any) error {
	mismatch := ValidationError{
		Field:  p.Name,
		Reason: fmt.Sprintf("expected %s, got %s", p.Type, jsonTypeOf(v)),
	}

	switch p.Type {
	case PropertyTypeString:
		if _, ok := v.(string); !ok {
			return mismatch
		}
	case PropertyTypeBoolean:
		if _, ok := v.(bool); !ok {
			return mismatch
		}
	case PropertyTypeObject:
		if _, ok := v.(map[string]any); !ok {
			return mismatch
		}
	case PropertyTypeArray:
		if _, ok := v.([]any); !ok {
			return mismatch
		}
	case PropertyTypeNumber, PropertyTypeInteger:
		n, ok := toFloat(v)
		if !ok {
			return mismatch
		}
		if p.Type == PropertyTypeInteger && n != math.Trunc(n) {
			return mismatch
		}
		if p.Minimum != nil && n < *p.Minimum {
			return ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be >= %v", *p.Minimum)}
		}
		if p.Maximum != nil && n > *p.Maximum {
			return ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be <= %v", *p.Maximum)}
		}
	default:
		return ValidationError{Field: p.Name, Reason: fmt.Sprintf("unsupported schema type %q", p.Type)}
	}
	return nil
}

// MarshalJSON implements json.Marshaler, producing a JSON Schema object. Properties are written
// in declaration order.
func (s InputSchema) MarshalJSON() ([]byte, error) {
	js := jsonSchema{
		Type:       "object",
		Properties: make(schemaProperties, 0, len(s.Properties)),
	}
	for _, p := range s.Properties {
		js.Properties = append(js.Properties, namedSchemaProperty{
			name: p.Name,
			prop: jsonSchemaProperty{
				Type:        p.Type,
				Description: p.Description,
				Minimum:     p.Minimum,
				Maximum:     p.Maximum,
			},
		})
		if p.Required {
			js.Required = append(js.Required, p.Name)
		}
	}
	return json.Marshal(js)
}

// UnmarshalJSON implements json.Unmarshaler so a client can decode tools/list results. Properties
// keep the order they have in the document.
func (s *InputSchema) UnmarshalJSON(data []byte) error {
	var js jsonSchema
	if err := json.Unmarshal(data, &js); err != nil {
		return fmt.Errorf("failed to unmarshal input schema: %w", err)
	}

	required := make(map[string]bool, len(js.Required))
	for _, name := range js.Required {
		required[name] = true
	}

	s.Properties = s.Properties[:0]
	for _, np := range js.Properties {
		s.Properties = append(s.Properties, Property{
			Name:        np.name,
			Type:        np.prop.Type,
			Description: np.prop.Description,
			Required:    required[np.name],
			Minimum:     np.prop.Minimum,
			Maximum:     np.prop.Maximum,
		})
	}
	return nil
}

func (ps schemaProperties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, np := range ps {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(np.name)
		if err != nil {
			return nil, err
		}
		prop, err := json.Marshal(np.prop)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", np.name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(prop)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (ps *schemaProperties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*ps = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("properties must be an object")
	}

	*ps = (*ps)[:0]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var prop jsonSchemaProperty
		if err := dec.Decode(&prop); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		*ps = append(*ps, namedSchemaProperty{name: name, prop: prop})
	}
	_, err = dec.Token()
	return err
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func jsonTypeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
