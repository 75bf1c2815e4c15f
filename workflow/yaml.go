package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/tripscope/errors"
)

// ParseYAML reads one workflow document or a document with a top-level
// "workflows" list. Workflows are active unless is_active is false.
//
//	id: overspeed
//	name: Overspeed handling
//	triggers:
//	  - type: widget-message
//	    message_type: alert
//	steps:
//	  - id: check
//	    type: condition-check
//	    condition: {field: data.value, operator: gt, value: 30}
//	    on_true: [notify]
//	  - id: notify
//	    type: widget-action
//	    widget_id: dash
//	    action: highlight
func ParseYAML(data []byte) ([]*Workflow, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil && err != io.EOF {
		return nil, errors.WrapInvalid(err, "workflow", "ParseYAML", "decode document")
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "workflow", "ParseYAML", "expect a mapping")
	}

	nodes := []*yaml.Node{doc}
	if list := mappingValue(doc, "workflows"); list != nil {
		if list.Kind != yaml.SequenceNode {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "workflow", "ParseYAML", "expect workflows to be a list")
		}
		nodes = list.Content
	}

	out := make([]*Workflow, 0, len(nodes))
	for i, n := range nodes {
		w := &Workflow{IsActive: true}
		if err := n.Decode(w); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("workflow %d (line %d): %w", i, n.Line, err), "workflow", "ParseYAML", "decode workflow")
		}
		out = append(out, w)
	}
	return out, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// LoadFiles parses workflow YAML files in order.
func LoadFiles(paths ...string) ([]*Workflow, error) {
	var out []*Workflow
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.WrapFatal(err, "workflow", "LoadFiles", "read "+p)
		}
		ws, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, ws...)
	}
	return out, nil
}
