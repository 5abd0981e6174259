package engine

import (
	"context"
	"encoding/json"

	"github.com/rivet-studio/loom/pkg/schema"
)

// maxSubworkflowDepth caps reference nesting. The circular-reference check
// at selection time should make the cap unreachable.
const maxSubworkflowDepth = 10

// EstimateWorkflowCost prices a workflow before running it: each node's
// cost formula is evaluated against its stored parameters, and subworkflow
// nodes contribute the recursive estimate of the workflow they reference.
func (e *Engine) EstimateWorkflowCost(ctx context.Context, workflowID string) (float64, map[string]float64, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return 0, nil, err
	}
	return e.estimateGraph(ctx, &wf.Graph, 0)
}

func (e *Engine) estimateGraph(ctx context.Context, wg *schema.WorkflowGraph, depth int) (float64, map[string]float64, error) {
	if depth > maxSubworkflowDepth {
		return 0, nil, schema.NewErrorf(schema.ErrCodeCircularReference,
			"subworkflow nesting exceeds %d levels", maxSubworkflowDepth)
	}

	perNode := make(map[string]float64, len(wg.Nodes))
	total := 0.0
	for i := range wg.Nodes {
		n := &wg.Nodes[i]

		if n.Type == schema.NodeTypeSubworkflow {
			var ref schema.SubworkflowReference
			if len(n.Data) == 0 || json.Unmarshal(n.Data, &ref) != nil || ref.ReferencedWorkflowID == "" {
				perNode[n.ID] = 0
				continue
			}
			child, err := e.store.GetWorkflow(ctx, ref.ReferencedWorkflowID)
			if err != nil {
				return 0, nil, schema.NewErrorf(schema.ErrCodeNotFound,
					"referenced workflow %s", ref.ReferencedWorkflowID).WithNode(n.ID).WithCause(err)
			}
			cost, _, err := e.estimateGraph(ctx, &child.Graph, depth+1)
			if err != nil {
				return 0, nil, err
			}
			perNode[n.ID] = cost
			total += cost
			continue
		}

		spec, ok := e.registry.Spec(n.Type)
		if !ok {
			return 0, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown node type %q", n.Type).WithNode(n.ID)
		}
		cost, err := e.costs.Estimate(spec.CostEstimate, n.Data)
		if err != nil {
			return 0, nil, asLoomError(err).WithNode(n.ID)
		}
		perNode[n.ID] = cost
		total += cost
	}
	return total, perNode, nil
}
