package graph

import (
	"github.com/rivet-studio/loom/pkg/schema"
)

// Graph is the in-memory representation of a workflow graph: node lookup,
// adjacency over execution-participating edges, and declaration order used
// for deterministic scheduling.
type Graph struct {
	Nodes map[string]*schema.Node
	Edges []schema.Edge

	// Succ / Pred hold adjacency over data edges only. Annotation edges are
	// excluded from execution ordering entirely.
	Succ map[string][]string
	Pred map[string][]string

	// incoming groups data edges by (target node, target handle) so the
	// validator and scheduler can reason about alternate sources per port.
	incoming map[string]map[string][]schema.Edge

	declared []string       // node IDs in declaration order
	index    map[string]int // node ID -> declaration index
}

// build constructs the adjacency structures from a raw WorkflowGraph.
// It assumes node IDs are unique and edge endpoints exist; the validator
// reports those problems before build is used for ordering.
func build(wg *schema.WorkflowGraph) *Graph {
	g := &Graph{
		Nodes:    make(map[string]*schema.Node, len(wg.Nodes)),
		Edges:    wg.Edges,
		Succ:     make(map[string][]string, len(wg.Nodes)),
		Pred:     make(map[string][]string, len(wg.Nodes)),
		incoming: make(map[string]map[string][]schema.Edge),
		declared: make([]string, 0, len(wg.Nodes)),
		index:    make(map[string]int, len(wg.Nodes)),
	}

	for i := range wg.Nodes {
		n := &wg.Nodes[i]
		if _, dup := g.Nodes[n.ID]; dup {
			continue
		}
		g.Nodes[n.ID] = n
		g.index[n.ID] = len(g.declared)
		g.declared = append(g.declared, n.ID)
	}

	for _, e := range wg.Edges {
		if !e.Participates() {
			continue
		}
		if _, ok := g.Nodes[e.Source]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			continue
		}
		g.Succ[e.Source] = append(g.Succ[e.Source], e.Target)
		g.Pred[e.Target] = append(g.Pred[e.Target], e.Source)

		byHandle, ok := g.incoming[e.Target]
		if !ok {
			byHandle = make(map[string][]schema.Edge)
			g.incoming[e.Target] = byHandle
		}
		byHandle[e.TargetHandle] = append(byHandle[e.TargetHandle], e)
	}

	return g
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *schema.Node {
	return g.Nodes[id]
}

// IncomingEdges returns the data edges feeding the given input handle.
func (g *Graph) IncomingEdges(nodeID, handle string) []schema.Edge {
	return g.incoming[nodeID][handle]
}

// DeclarationIndex returns the position of the node in the original graph,
// used as the deterministic tie-break during scheduling.
func (g *Graph) DeclarationIndex(id string) int {
	return g.index[id]
}

// Declared returns node IDs in their original declaration order.
func (g *Graph) Declared() []string {
	out := make([]string, len(g.declared))
	copy(out, g.declared)
	return out
}
