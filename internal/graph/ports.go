package graph

import (
	"encoding/json"

	"github.com/rivet-studio/loom/pkg/schema"
)

// Ports resolves the effective input and output ports of a node. Most
// node types declare ports on their registry spec; subworkflow nodes carry
// theirs in the cached interface snapshot stored on the node itself.
func Ports(n *schema.Node, spec *schema.NodeTypeSpec) (inputs, outputs []schema.HandleSpec) {
	if n == nil || spec == nil {
		return nil, nil
	}
	if n.Type != schema.NodeTypeSubworkflow {
		return spec.Inputs, spec.Outputs
	}
	var ref schema.SubworkflowReference
	if len(n.Data) == 0 || json.Unmarshal(n.Data, &ref) != nil {
		return nil, nil
	}
	for _, in := range ref.CachedInterface.Inputs {
		inputs = append(inputs, schema.HandleSpec{Name: in.Name, Type: in.Type, Required: in.Required})
	}
	for _, out := range ref.CachedInterface.Outputs {
		outputs = append(outputs, schema.HandleSpec{Name: out.Name, Type: out.Type})
	}
	return inputs, outputs
}

func findHandle(handles []schema.HandleSpec, name string) (schema.HandleType, bool) {
	for _, h := range handles {
		if h.Name == name {
			return h.Type, true
		}
	}
	return "", false
}
