package graph

import (
	"sort"

	"github.com/rivet-studio/loom/pkg/schema"
)

// Ordered is a validated workflow graph with a deterministic topological
// order. It is the form the engine schedules from.
type Ordered struct {
	g      *Graph
	sorted []string
}

// newOrdered computes the topological order using Kahn's algorithm over
// data edges. When several nodes become ready simultaneously the tie is
// broken by original declaration order, so identical graphs always produce
// identical sequences.
func newOrdered(g *Graph) (*Ordered, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Pred[id])
	}

	ready := make([]string, 0, len(g.Nodes))
	for _, id := range g.declared {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		// Declaration-order tie-break among simultaneously ready nodes.
		sort.Slice(ready, func(i, j int) bool {
			return g.index[ready[i]] < g.index[ready[j]]
		})
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, succ := range g.Succ[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		// The validator's cycle check should make this unreachable.
		return nil, schema.NewError(schema.ErrCodeInternal,
			"topological sort incomplete: graph contains a cycle the validator missed")
	}

	return &Ordered{g: g, sorted: sorted}, nil
}

// Order returns the full topological order of node IDs.
func (o *Ordered) Order() []string {
	out := make([]string, len(o.sorted))
	copy(out, o.sorted)
	return out
}

// Len returns the number of nodes.
func (o *Ordered) Len() int { return len(o.sorted) }

// Node returns the node with the given ID, or nil.
func (o *Ordered) Node(id string) *schema.Node { return o.g.Node(id) }

// Successors returns the downstream neighbors of a node over data edges.
func (o *Ordered) Successors(id string) []string { return o.g.Succ[id] }

// Predecessors returns the upstream neighbors of a node over data edges.
func (o *Ordered) Predecessors(id string) []string { return o.g.Pred[id] }

// IncomingEdges returns the data edges feeding the given input handle.
func (o *Ordered) IncomingEdges(nodeID, handle string) []schema.Edge {
	return o.g.IncomingEdges(nodeID, handle)
}

// Graph returns the underlying graph.
func (o *Ordered) Graph() *Graph { return o.g }

// Ready returns the nodes that may be dispatched now, given the current
// per-node statuses: every predecessor has reached a terminal state, every
// required input handle has at least one completed source, and the node
// itself has not started. Nodes already completed or skipped (for example
// carried over from a resumed execution) are never returned, which lets
// re-runs avoid redundant regeneration.
//
// The result preserves topological order, so dispatch order within a
// frontier is deterministic too.
func (o *Ordered) Ready(statuses map[string]schema.NodeStatus, reg Registry) []string {
	var out []string
	for _, id := range o.sorted {
		if st, ok := statuses[id]; ok && st != schema.NodeStatusPending {
			continue
		}
		if o.predecessorsSettled(id, statuses) && o.requiredInputsSatisfied(id, statuses, reg) {
			out = append(out, id)
		}
	}
	return out
}

// Doomed returns pending nodes that can no longer complete: some required
// input handle has all of its sources in a terminal non-success state. A
// node with an alternate completed source for every required input is not
// doomed. Independent branches keep running after a sibling fails.
func (o *Ordered) Doomed(statuses map[string]schema.NodeStatus, reg Registry) []string {
	var out []string
	for _, id := range o.sorted {
		if st, ok := statuses[id]; ok && st != schema.NodeStatusPending {
			continue
		}
		if o.isDoomed(id, statuses, reg) {
			out = append(out, id)
		}
	}
	return out
}

func (o *Ordered) predecessorsSettled(id string, statuses map[string]schema.NodeStatus) bool {
	for _, pred := range o.g.Pred[id] {
		if !statuses[pred].Terminal() {
			return false
		}
	}
	return true
}

func (o *Ordered) requiredInputsSatisfied(id string, statuses map[string]schema.NodeStatus, reg Registry) bool {
	n := o.g.Node(id)
	spec, ok := reg.Spec(n.Type)
	if !ok {
		return false
	}
	inputs, _ := Ports(n, spec)
	for _, in := range inputs {
		if !in.Required {
			continue
		}
		if !anySourceCompleted(o.g.IncomingEdges(id, in.Name), statuses) {
			return false
		}
	}
	return true
}

func (o *Ordered) isDoomed(id string, statuses map[string]schema.NodeStatus, reg Registry) bool {
	n := o.g.Node(id)
	spec, ok := reg.Spec(n.Type)
	if !ok {
		return false
	}
	inputs, _ := Ports(n, spec)
	for _, in := range inputs {
		if !in.Required {
			continue
		}
		edges := o.g.IncomingEdges(id, in.Name)
		if len(edges) == 0 {
			continue // validator guarantees connectivity; nothing to doom
		}
		if allSourcesDead(edges, statuses) {
			return true
		}
	}
	return false
}

func anySourceCompleted(edges []schema.Edge, statuses map[string]schema.NodeStatus) bool {
	for _, e := range edges {
		if statuses[e.Source] == schema.NodeStatusCompleted {
			return true
		}
	}
	return false
}

func allSourcesDead(edges []schema.Edge, statuses map[string]schema.NodeStatus) bool {
	for _, e := range edges {
		st := statuses[e.Source]
		if st != schema.NodeStatusFailed && st != schema.NodeStatusSkipped {
			return false
		}
	}
	return true
}
