package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseValue decodes one JSON (or YAML flow) document into a raw value for
// Shape. Objects become a Mapping in document order, arrays become
// []interface{} and scalars keep their natural type.
func ParseValue(data []byte) (interface{}, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse row: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	return nodeValue(doc.Content[0])
}

func nodeValue(n *yaml.Node) (interface{}, error) {
	switch n.Kind {
	case yaml.MappingNode:
		fields := make(Mapping, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			var v interface{}
			if err := n.Content[i+1].Decode(&v); err != nil {
				return nil, err
			}
			fields = append(fields, Field{Name: n.Content[i].Value, Value: v})
		}
		return fields, nil
	case yaml.SequenceNode:
		values := make([]interface{}, len(n.Content))
		for i, c := range n.Content {
			if err := c.Decode(&values[i]); err != nil {
				return nil, err
			}
		}
		return values, nil
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	default:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
