package dispatch

import (
	"encoding/json"

	"github.com/rivet-studio/loom/pkg/schema"
)

// Payload is the envelope handed to queue workers. Params is the node's own
// configuration (validated against the type's payload schema); Inputs are
// the resolved upstream outputs keyed by input handle name.
type Payload struct {
	Type   schema.NodeType            `json:"type"`
	Params json.RawMessage            `json:"params,omitempty"`
	Inputs map[string]json.RawMessage `json:"inputs,omitempty"`
}

// BuildPayload assembles the worker payload for a node from its stored data
// and the outputs of its completed upstream nodes.
func BuildPayload(n *schema.Node, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	p := Payload{
		Type:   n.Type,
		Params: n.Data,
		Inputs: inputs,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "marshal payload").
			WithNode(n.ID).WithCause(err)
	}
	return b, nil
}

// ParsePayload decodes a worker payload envelope.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "unmarshal payload").WithCause(err)
	}
	return &p, nil
}
