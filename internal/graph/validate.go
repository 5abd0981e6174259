package graph

import (
	"fmt"

	"github.com/rivet-studio/loom/pkg/schema"
)

// Registry resolves node-type specifications. Injected at construction so
// validators for different engine instances never share mutable state.
type Registry interface {
	Spec(t schema.NodeType) (*schema.NodeTypeSpec, bool)
}

// Validate checks a workflow graph and, when valid, returns its ordered
// form. All problems are accumulated into the ValidationResult rather than
// failing on the first: the caller surfaces every error at once.
//
// Checks performed, in order: node identity (duplicates, unknown types),
// edge endpoint existence, handle-type compatibility, required-input
// completeness, and cycle detection over execution-participating edges.
func Validate(wg *schema.WorkflowGraph, reg Registry) (*Ordered, schema.ValidationResult) {
	var result schema.ValidationResult

	if wg == nil || len(wg.Nodes) == 0 {
		result.AddError(schema.ValidationIssue{
			Code:    schema.ErrCodeValidation,
			Message: "workflow graph has no nodes",
		})
		return nil, result
	}

	seen := make(map[string]bool, len(wg.Nodes))
	for i, n := range wg.Nodes {
		if n.ID == "" {
			result.AddError(schema.ValidationIssue{
				Code:    schema.ErrCodeValidation,
				Message: fmt.Sprintf("node at index %d has empty ID", i),
			})
			continue
		}
		if seen[n.ID] {
			result.AddError(schema.ValidationIssue{
				Code:    schema.ErrCodeValidation,
				NodeID:  n.ID,
				Message: fmt.Sprintf("duplicate node ID: %s", n.ID),
			})
			continue
		}
		seen[n.ID] = true
		if _, ok := reg.Spec(n.Type); !ok {
			result.AddError(schema.ValidationIssue{
				Code:    schema.ErrCodeValidation,
				NodeID:  n.ID,
				Message: fmt.Sprintf("node %s has unknown type: %s", n.ID, n.Type),
			})
		}
	}

	g := build(wg)

	for _, e := range wg.Edges {
		srcOK := seen[e.Source]
		dstOK := seen[e.Target]
		if !srcOK {
			result.AddError(schema.ValidationIssue{
				Code:    schema.ErrCodeValidation,
				EdgeID:  e.ID,
				Message: fmt.Sprintf("edge %s references non-existent source node: %s", e.ID, e.Source),
			})
		}
		if !dstOK {
			result.AddError(schema.ValidationIssue{
				Code:    schema.ErrCodeValidation,
				EdgeID:  e.ID,
				Message: fmt.Sprintf("edge %s references non-existent target node: %s", e.ID, e.Target),
			})
		}
		if !srcOK || !dstOK || !e.Participates() {
			continue
		}
		validateHandles(g, reg, e, &result)
	}

	validateRequiredInputs(g, reg, &result)

	if path, cyclic := findCycle(g); cyclic {
		result.AddError(schema.ValidationIssue{
			Code:    schema.ErrCodeCycleDetected,
			Path:    path,
			Message: fmt.Sprintf("workflow contains a dependency cycle: %v", path),
		})
	}

	if !result.Valid() {
		return nil, result
	}

	ordered, err := newOrdered(g)
	if err != nil {
		// Unreachable when the cycle check above passed; treated as an
		// internal consistency fault, not a user-facing validation error.
		result.AddError(schema.ValidationIssue{
			Code:    schema.ErrCodeInternal,
			Message: err.Error(),
		})
		return nil, result
	}
	return ordered, result
}

// validateHandles checks that the edge's source output type is compatible
// with its target input type per the node-type registry.
func validateHandles(g *Graph, reg Registry, e schema.Edge, result *schema.ValidationResult) {
	srcNode := g.Node(e.Source)
	dstNode := g.Node(e.Target)

	srcSpec, ok := reg.Spec(srcNode.Type)
	if !ok {
		return // unknown type already reported
	}
	dstSpec, ok := reg.Spec(dstNode.Type)
	if !ok {
		return
	}

	_, srcOutputs := Ports(srcNode, srcSpec)
	dstInputs, _ := Ports(dstNode, dstSpec)

	srcType, ok := findHandle(srcOutputs, e.SourceHandle)
	if !ok {
		result.AddError(schema.ValidationIssue{
			Code:    schema.ErrCodeValidation,
			EdgeID:  e.ID,
			Handle:  e.SourceHandle,
			Message: fmt.Sprintf("node %s (%s) has no output handle %q", e.Source, srcNode.Type, e.SourceHandle),
		})
		return
	}
	dstType, ok := findHandle(dstInputs, e.TargetHandle)
	if !ok {
		result.AddError(schema.ValidationIssue{
			Code:    schema.ErrCodeValidation,
			EdgeID:  e.ID,
			Handle:  e.TargetHandle,
			Message: fmt.Sprintf("node %s (%s) has no input handle %q", e.Target, dstNode.Type, e.TargetHandle),
		})
		return
	}

	if !srcType.Compatible(dstType) {
		result.AddError(schema.ValidationIssue{
			Code:   schema.ErrCodeIncompatibleHandle,
			EdgeID: e.ID,
			Handle: e.TargetHandle,
			Message: fmt.Sprintf("edge %s connects %s output %q to %s input %q",
				e.ID, srcType, e.SourceHandle, dstType, e.TargetHandle),
		})
	}
}

// validateRequiredInputs checks that every required input handle of every
// node is fed by at least one data edge.
func validateRequiredInputs(g *Graph, reg Registry, result *schema.ValidationResult) {
	for _, id := range g.declared {
		n := g.Node(id)
		spec, ok := reg.Spec(n.Type)
		if !ok {
			continue
		}
		inputs, _ := Ports(n, spec)
		for _, in := range inputs {
			if !in.Required {
				continue
			}
			if len(g.IncomingEdges(id, in.Name)) == 0 {
				result.AddError(schema.ValidationIssue{
					Code:    schema.ErrCodeMissingRequiredInput,
					NodeID:  id,
					Handle:  in.Name,
					Message: fmt.Sprintf("node %s is missing required input %q", id, in.Name),
				})
			}
		}
	}
}

// dfs colors for cycle detection.
const (
	unvisited = 0
	visiting  = 1
	visited   = 2
)

// findCycle runs a depth-first traversal over data edges and returns the
// first cycle path found. Traversal starts from nodes in declaration order
// so the reported path is deterministic.
func findCycle(g *Graph) ([]string, bool) {
	color := make(map[string]int, len(g.Nodes))
	var stack []string

	var walk func(id string) []string
	walk = func(id string) []string {
		color[id] = visiting
		stack = append(stack, id)
		for _, next := range g.Succ[id] {
			switch color[next] {
			case visiting:
				// Trim the stack to the cycle entry point and close the loop.
				for i, s := range stack {
					if s == next {
						path := make([]string, 0, len(stack)-i+1)
						path = append(path, stack[i:]...)
						path = append(path, next)
						return path
					}
				}
				return append([]string{next}, next)
			case unvisited:
				if path := walk(next); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = visited
		return nil
	}

	for _, id := range g.declared {
		if color[id] == unvisited {
			if path := walk(id); path != nil {
				return path, true
			}
		}
	}
	return nil, false
}
