package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlToJSON converts a YAML document to JSON, keeping mapping order so
// role declarations stay in the order they were written.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var buf bytes.Buffer
	if err := writeJSON(&buf, &doc, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const maxYAMLDepth = 64

func writeJSON(buf *bytes.Buffer, n *yaml.Node, depth int) error {
	if depth > maxYAMLDepth {
		return fmt.Errorf("YAML nesting exceeds %d levels", maxYAMLDepth)
	}

	switch n.Kind {
	case 0:
		buf.WriteString("{}")
		return nil

	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("{}")
			return nil
		}
		return writeJSON(buf, n.Content[0], depth+1)

	case yaml.AliasNode:
		return writeJSON(buf, n.Alias, depth+1)

	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], n.Content[i+1]
			if key.Tag == "!!merge" {
				return fmt.Errorf("line %d: merge keys are not supported", key.Line)
			}
			if key.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(key.Value)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeJSON(buf, value, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(b)
		return nil
	}

	return fmt.Errorf("line %d: unsupported YAML node", n.Line)
}
