package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rivet-studio/loom/internal/graph"
	"github.com/rivet-studio/loom/internal/logging"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/pkg/schema"
)

// SelectSubworkflow points a subworkflow node at another stored workflow.
// The referenced workflow's published interface is snapshotted onto the
// node and every port gets an unbound mapping slot. Selection is rejected
// when it would create a reference cycle, checked transitively before any
// state changes.
func (e *Engine) SelectSubworkflow(ctx context.Context, workflowID, nodeID, referencedWorkflowID string) (*schema.SubworkflowReference, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	node := findGraphNode(&wf.Graph, nodeID)
	if node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not in workflow %s", nodeID, workflowID)
	}
	if node.Type != schema.NodeTypeSubworkflow {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %s is %s, not a subworkflow", nodeID, node.Type).WithNode(nodeID)
	}

	if err := e.checkReferenceCycle(ctx, workflowID, referencedWorkflowID, map[string]bool{}); err != nil {
		return nil, err
	}

	target, err := e.store.GetWorkflow(ctx, referencedWorkflowID)
	if err != nil {
		return nil, err
	}
	if target.Interface == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s publishes no interface", referencedWorkflowID)
	}

	ref := &schema.SubworkflowReference{
		ReferencedWorkflowID: referencedWorkflowID,
		CachedInterface:      *target.Interface,
		InputMappings:        make(map[string]*string, len(target.Interface.Inputs)),
		OutputMappings:       make(map[string]*string, len(target.Interface.Outputs)),
	}
	for _, in := range target.Interface.Inputs {
		ref.InputMappings[in.Name] = nil
	}
	for _, out := range target.Interface.Outputs {
		ref.OutputMappings[out.Name] = nil
	}

	if err := e.saveNodeReference(ctx, wf, node, ref); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "subworkflow selected",
		"workflow_id", workflowID, "node_id", nodeID, "referenced", referencedWorkflowID)
	return ref, nil
}

// RefreshSubworkflowInterface re-snapshots the referenced workflow's
// interface onto the node. Newly declared ports are merged in as unbound
// mappings; already-bound entries are kept, a union rather than a replace.
func (e *Engine) RefreshSubworkflowInterface(ctx context.Context, workflowID, nodeID string) (*schema.SubworkflowReference, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	node := findGraphNode(&wf.Graph, nodeID)
	if node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not in workflow %s", nodeID, workflowID)
	}
	ref, err := parseReference(node)
	if err != nil {
		return nil, err
	}

	target, err := e.store.GetWorkflow(ctx, ref.ReferencedWorkflowID)
	if err != nil {
		return nil, err
	}
	if target.Interface == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s publishes no interface", ref.ReferencedWorkflowID)
	}

	if ref.InputMappings == nil {
		ref.InputMappings = make(map[string]*string, len(target.Interface.Inputs))
	}
	if ref.OutputMappings == nil {
		ref.OutputMappings = make(map[string]*string, len(target.Interface.Outputs))
	}
	for _, in := range target.Interface.Inputs {
		if _, ok := ref.InputMappings[in.Name]; !ok {
			ref.InputMappings[in.Name] = nil
		}
	}
	for _, out := range target.Interface.Outputs {
		if _, ok := ref.OutputMappings[out.Name]; !ok {
			ref.OutputMappings[out.Name] = nil
		}
	}
	ref.CachedInterface = *target.Interface

	if err := e.saveNodeReference(ctx, wf, node, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// checkReferenceCycle walks the reference graph from candidate looking for
// a path back to root.
func (e *Engine) checkReferenceCycle(ctx context.Context, rootID, candidateID string, visited map[string]bool) error {
	if candidateID == rootID {
		return schema.NewErrorf(schema.ErrCodeCircularReference,
			"workflow %s cannot reference itself, directly or transitively", rootID)
	}
	if visited[candidateID] {
		return nil
	}
	visited[candidateID] = true

	wf, err := e.store.GetWorkflow(ctx, candidateID)
	if err != nil {
		return err
	}
	for i := range wf.Graph.Nodes {
		n := &wf.Graph.Nodes[i]
		if n.Type != schema.NodeTypeSubworkflow || len(n.Data) == 0 {
			continue
		}
		var ref schema.SubworkflowReference
		if json.Unmarshal(n.Data, &ref) != nil || ref.ReferencedWorkflowID == "" {
			continue
		}
		if err := e.checkReferenceCycle(ctx, rootID, ref.ReferencedWorkflowID, visited); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) saveNodeReference(ctx context.Context, wf *store.Workflow, node *schema.Node, ref *schema.SubworkflowReference) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return schema.NewError(schema.ErrCodeInternal, "marshal subworkflow reference").WithCause(err)
	}
	node.Data = data
	return e.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Graph: &wf.Graph})
}

func findGraphNode(wg *schema.WorkflowGraph, nodeID string) *schema.Node {
	for i := range wg.Nodes {
		if wg.Nodes[i].ID == nodeID {
			return &wg.Nodes[i]
		}
	}
	return nil
}

func parseReference(node *schema.Node) (*schema.SubworkflowReference, error) {
	var ref schema.SubworkflowReference
	if len(node.Data) == 0 || json.Unmarshal(node.Data, &ref) != nil || ref.ReferencedWorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"subworkflow node references no workflow").WithNode(node.ID)
	}
	return &ref, nil
}

// startSubworkflowLocked marks the node running and hands the child run to
// the background pool. The child is a full execution of its own; the parent
// node settles when the child reaches a terminal status.
func (e *Engine) startSubworkflowLocked(ctx context.Context, ex *store.Execution, ordered *graph.Ordered, n *schema.Node, byNode map[string]*store.NodeResult) error {
	ref, err := parseReference(n)
	if err != nil {
		return err
	}

	inputs, err := e.resolveInputs(ordered, n, byNode)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	nr := &store.NodeResult{
		ExecutionID: ex.ID,
		NodeID:      n.ID,
		Status:      schema.NodeStatusRunning,
		Attempts:    1,
		StartedAt:   &now,
	}
	if prev := byNode[n.ID]; prev != nil {
		nr.Attempts = prev.Attempts + 1
		nr.CostActual = prev.CostActual
	}
	if err := e.store.UpsertNodeResult(ctx, nr); err != nil {
		return err
	}
	byNode[n.ID] = nr

	e.emit(ctx, ex.ID, n.ID, schema.EventSubworkflowStarted, map[string]any{
		"referenced_workflow_id": ref.ReferencedWorkflowID,
	})

	// Submit from a fresh goroutine: Submit blocks when the pool is at
	// capacity, and the caller holds the execution lock.
	parentID, nodeID := ex.ID, n.ID
	go func() {
		err := e.pool.Submit(context.Background(), func(bg context.Context) error {
			bg = logging.WithIDs(bg, parentID, nodeID, "")
			e.runSubworkflow(bg, parentID, nodeID, ref, inputs)
			return nil
		})
		if err != nil {
			cause := schema.NewError(schema.ErrCodeInternal, "submit subworkflow run").WithCause(err)
			_ = e.FailNode(context.Background(), parentID, nodeID, cause.WithNode(nodeID))
		}
	}()
	return nil
}

// runSubworkflow maps the parent node's inputs onto the child interface,
// runs the child to completion, and settles the parent node from the
// child's outputs and spend.
func (e *Engine) runSubworkflow(ctx context.Context, parentExecutionID, nodeID string, ref *schema.SubworkflowReference, rawInputs map[string]json.RawMessage) {
	childInputs, err := e.mapChildInputs(ctx, ref, rawInputs)
	if err != nil {
		_ = e.FailNode(ctx, parentExecutionID, nodeID, asLoomError(err).WithNode(nodeID))
		return
	}

	child, err := e.start(ctx, ref.ReferencedWorkflowID, childInputs, schema.ExecutionModeSync, parentExecutionID)
	if err != nil {
		_ = e.FailNode(ctx, parentExecutionID, nodeID, asLoomError(err).WithNode(nodeID))
		return
	}
	child, err = e.awaitTerminal(ctx, child.ID)
	if err != nil {
		_ = e.FailNode(ctx, parentExecutionID, nodeID, asLoomError(err).WithNode(nodeID))
		return
	}

	if child.Status != schema.ExecutionStatusCompleted {
		cause := schema.NewErrorf(schema.ErrCodeProvider,
			"subworkflow execution %s %s", child.ID, child.Status).WithNode(nodeID)
		var childErr schema.LoomError
		if len(child.Error) > 0 && json.Unmarshal(child.Error, &childErr) == nil && childErr.Code != "" {
			cause = cause.WithDetails(map[string]any{"child_code": childErr.Code, "child_message": childErr.Message})
		}
		e.settleSubworkflowFailure(ctx, parentExecutionID, nodeID, child, cause)
		return
	}

	output, err := e.mapChildOutputs(ctx, ref, child)
	if err != nil {
		e.settleSubworkflowFailure(ctx, parentExecutionID, nodeID, child, asLoomError(err).WithNode(nodeID))
		return
	}

	lock := e.execLock(parentExecutionID)
	lock.Lock()
	defer lock.Unlock()

	if parent, err := e.store.GetExecution(ctx, parentExecutionID); err == nil && parent.Status.Terminal() {
		// Parent was cancelled while the child ran. The child's output is
		// discarded but its spend still lands on the parent.
		e.addActualCost(ctx, parent, child.Cost.Actual)
		return
	}

	now := time.Now().UTC()
	nr := &store.NodeResult{
		ExecutionID: parentExecutionID,
		NodeID:      nodeID,
		Status:      schema.NodeStatusCompleted,
		Output:      output,
		CostActual:  child.Cost.Actual,
		CompletedAt: &now,
	}
	if prev, err := e.store.GetNodeResult(ctx, parentExecutionID, nodeID); err == nil {
		nr.Attempts = prev.Attempts
		nr.CostActual += prev.CostActual
		nr.StartedAt = prev.StartedAt
		if prev.StartedAt != nil {
			nr.DurationMs = now.Sub(*prev.StartedAt).Milliseconds()
		}
	}
	if err := e.store.UpsertNodeResult(ctx, nr); err != nil {
		e.logger.ErrorContext(ctx, "record subworkflow result", "error", err)
		return
	}
	e.emit(ctx, parentExecutionID, nodeID, schema.EventSubworkflowCompleted, map[string]any{
		"child_execution_id": child.ID, "cost": child.Cost.Actual,
	})
	e.emit(ctx, parentExecutionID, nodeID, schema.EventNodeCompleted, map[string]any{
		"child_execution_id": child.ID, "cost": child.Cost.Actual,
	})
	if err := e.advanceLocked(ctx, parentExecutionID); err != nil {
		e.logger.ErrorContext(ctx, "advance after subworkflow", "error", err)
	}
}

// settleSubworkflowFailure fails the parent node while still rolling the
// child's spend up into it.
func (e *Engine) settleSubworkflowFailure(ctx context.Context, parentExecutionID, nodeID string, child *store.Execution, cause *schema.LoomError) {
	if child != nil && child.Cost.Actual > 0 {
		lock := e.execLock(parentExecutionID)
		lock.Lock()
		if nr, err := e.store.GetNodeResult(ctx, parentExecutionID, nodeID); err == nil {
			nr.CostActual += child.Cost.Actual
			_ = e.store.UpsertNodeResult(ctx, nr)
		}
		if parent, err := e.store.GetExecution(ctx, parentExecutionID); err == nil && parent.Status.Terminal() {
			// FailNode below is a no-op on a terminal parent, so the
			// child's spend has to be rolled up here.
			e.addActualCost(ctx, parent, child.Cost.Actual)
		}
		lock.Unlock()
	}
	_ = e.FailNode(ctx, parentExecutionID, nodeID, cause)
}

// mapChildInputs builds the child execution's inputs. A port with an
// explicit mapping evaluates its path against {"inputs": <parent node
// inputs>}; an unmapped port takes the parent input handle of the same
// name.
func (e *Engine) mapChildInputs(ctx context.Context, ref *schema.SubworkflowReference, rawInputs map[string]json.RawMessage) (map[string]any, error) {
	decoded := make(map[string]any, len(rawInputs))
	for name, raw := range rawInputs {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			decoded[name] = v
		}
	}
	doc := map[string]any{"inputs": decoded}

	out := make(map[string]any, len(ref.CachedInterface.Inputs))
	for _, port := range ref.CachedInterface.Inputs {
		var val any
		if mapping := ref.InputMappings[port.Name]; mapping != nil && *mapping != "" {
			v, err := e.paths.Extract(ctx, *mapping, doc)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"input mapping for %q: %v", port.Name, err)
			}
			val = v
		} else if v, ok := decoded[port.Name]; ok {
			val = v
		}
		if val == nil {
			if port.Required {
				return nil, schema.NewErrorf(schema.ErrCodeMissingRequiredInput,
					"subworkflow input %q is unbound", port.Name)
			}
			continue
		}
		out[port.Name] = val
	}
	return out, nil
}

// mapChildOutputs projects the child execution's outputs onto the node's
// output ports. A port with an explicit mapping evaluates its path against
// {"outputs": <child outputs>}; an unmapped port looks the port name up
// across the child's output nodes.
func (e *Engine) mapChildOutputs(ctx context.Context, ref *schema.SubworkflowReference, child *store.Execution) (json.RawMessage, error) {
	childOutputs := make(map[string]any)
	if len(child.Outputs) > 0 {
		if err := json.Unmarshal(child.Outputs, &childOutputs); err != nil {
			return nil, schema.NewError(schema.ErrCodeInternal, "decode child outputs").WithCause(err)
		}
	}
	doc := map[string]any{"outputs": childOutputs}

	// Flatten output-node objects for by-name defaults.
	flat := make(map[string]any)
	for _, v := range childOutputs {
		if m, ok := v.(map[string]any); ok {
			for k, fv := range m {
				flat[k] = fv
			}
		}
	}

	out := map[string]any{"child_execution_id": child.ID}
	for _, port := range ref.CachedInterface.Outputs {
		if mapping := ref.OutputMappings[port.Name]; mapping != nil && *mapping != "" {
			v, err := e.paths.Extract(ctx, *mapping, doc)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"output mapping for %q: %v", port.Name, err)
			}
			out[port.Name] = v
			continue
		}
		if v, ok := flat[port.Name]; ok {
			out[port.Name] = v
		}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal subworkflow output: %w", err)
	}
	return raw, nil
}
