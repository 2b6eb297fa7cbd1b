package roles

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Declaration is one role as written by the user. Config holds the raw
// definition; it is only trusted after Validate.
type Declaration struct {
	Name   string
	Config map[string]any
}

// Declarations is an ordered set of role declarations. It decodes from a
// JSON object or YAML mapping keyed by role name and keeps the order in which
// roles were written.
type Declarations []Declaration

// UnmarshalJSON decodes a JSON object keyed by role name.
func (d *Declarations) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read roles: %w", err)
	}
	if tok == nil {
		*d = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("roles must be an object keyed by role name")
	}

	var out Declarations
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read role name: %w", err)
		}
		name, _ := tok.(string)
		if seen[name] {
			return fmt.Errorf("role %q declared twice", name)
		}
		seen[name] = true

		var config map[string]any
		if err := dec.Decode(&config); err != nil {
			return fmt.Errorf("failed to decode role %q: %w", name, err)
		}
		out = append(out, Declaration{Name: name, Config: config})
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to read roles: %w", err)
	}

	*d = out
	return nil
}

// MarshalJSON encodes the declarations as an object in declaration order.
func (d Declarations) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, decl := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(decl.Name)
		if err != nil {
			return nil, err
		}
		config, err := json.Marshal(decl.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode role %q: %w", decl.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(config)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalYAML decodes a YAML mapping keyed by role name.
func (d *Declarations) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		*d = nil
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: roles must be a mapping keyed by role name", value.Line)
	}

	out := make(Declarations, 0, len(value.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if seen[key.Value] {
			return fmt.Errorf("line %d: role %q declared twice", key.Line, key.Value)
		}
		seen[key.Value] = true

		var config map[string]any
		if err := val.Decode(&config); err != nil {
			return fmt.Errorf("line %d: failed to decode role %q: %w", val.Line, key.Value, err)
		}
		out = append(out, Declaration{Name: key.Value, Config: config})
	}

	*d = out
	return nil
}

// Names returns the role names in declaration order.
func (d Declarations) Names() []string {
	names := make([]string, len(d))
	for i, decl := range d {
		names[i] = decl.Name
	}
	return names
}
