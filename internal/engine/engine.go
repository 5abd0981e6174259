package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-studio/loom/internal/dispatch"
	"github.com/rivet-studio/loom/internal/expressions"
	"github.com/rivet-studio/loom/internal/graph"
	"github.com/rivet-studio/loom/internal/logging"
	"github.com/rivet-studio/loom/internal/queue"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/internal/streaming"
	"github.com/rivet-studio/loom/pkg/schema"
)

// Options tunes an Engine.
type Options struct {
	// PoolSize bounds background work: backoff timers and subworkflow runs.
	PoolSize int
}

// Engine runs workflow executions: it validates graphs, dispatches ready
// nodes to typed work queues, reacts to job outcomes, and drives each
// execution to a terminal status. One engine serves many concurrent
// executions; per-execution state changes are serialized under a
// per-execution lock so broker callbacks and recovery passes never race.
type Engine struct {
	store      store.Store
	events     *store.EventLog
	broker     queue.Broker
	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry
	hub        streaming.EventHub
	retries    *expressions.RetryEvaluator
	costs      *expressions.CostEstimator
	paths      *expressions.PathExtractor
	pool       *WorkerPool
	logger     *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	waiters map[string][]chan struct{}
}

// New wires an engine and installs its lifecycle callbacks on the broker.
// The caller starts and stops the broker.
func New(st store.Store, events *store.EventLog, broker queue.Broker, reg *dispatch.Registry, hub streaming.EventHub, logger *slog.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 16
	}

	retries, err := expressions.NewRetryEvaluator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:      st,
		events:     events,
		broker:     broker,
		dispatcher: dispatch.NewDispatcher(st, events, broker, reg, logger),
		registry:   reg,
		hub:        hub,
		retries:    retries,
		costs:      expressions.NewCostEstimator(),
		paths:      expressions.NewPathExtractor(),
		pool:       NewWorkerPool(opts.PoolSize),
		logger:     logger,
	}
	e.locks = make(map[string]*sync.Mutex)
	e.waiters = make(map[string][]chan struct{})

	broker.SetCallbacks(queue.Callbacks{
		OnStarted:   e.onJobStarted,
		OnCompleted: e.onJobCompleted,
		OnFailed:    e.onJobFailed,
		OnStalled:   e.onJobStalled,
	})
	return e, nil
}

// Registry exposes the node type catalogue.
func (e *Engine) Registry() *dispatch.Registry { return e.registry }

// Dispatcher exposes the dispatcher for queue metrics and job stats.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Shutdown drains the engine's background pool. Call after stopping the
// broker so no callback arrives mid-drain.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// Run starts an execution and blocks until it reaches a terminal status or
// ctx expires. The returned execution carries outputs and the cost summary.
func (e *Engine) Run(ctx context.Context, workflowID string, inputs map[string]any) (*store.Execution, error) {
	ex, err := e.start(ctx, workflowID, inputs, schema.ExecutionModeSync, "")
	if err != nil {
		return nil, err
	}
	return e.awaitTerminal(ctx, ex.ID)
}

// RunAsync starts an execution and returns as soon as the first frontier is
// dispatched. Progress is observed through Status, the event log, or the
// streaming hub.
func (e *Engine) RunAsync(ctx context.Context, workflowID string, inputs map[string]any) (*store.Execution, error) {
	return e.start(ctx, workflowID, inputs, schema.ExecutionModeAsync, "")
}

// RunFrom starts a new execution that reuses the completed node results of
// a prior, terminal run of the same workflow. Only nodes that never
// completed are dispatched again; reused results carry no new spend.
// Returns as soon as the remaining frontier is dispatched.
func (e *Engine) RunFrom(ctx context.Context, priorExecutionID string) (*store.Execution, error) {
	prior, err := e.store.GetExecution(ctx, priorExecutionID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is still %s", priorExecutionID, prior.Status)
	}
	wf, err := e.store.GetWorkflow(ctx, prior.WorkflowID)
	if err != nil {
		return nil, err
	}
	if _, result := graph.Validate(&wf.Graph, e.registry); !result.Valid() {
		return nil, result.ToError()
	}
	priorResults, err := e.store.ListNodeResults(ctx, priorExecutionID)
	if err != nil {
		return nil, err
	}

	estimate, _, err := e.estimateGraph(ctx, &wf.Graph, 0)
	if err != nil {
		return nil, err
	}
	ex := &store.Execution{
		ID:          uuid.New().String(),
		WorkflowID:  prior.WorkflowID,
		Mode:        schema.ExecutionModeAsync,
		Status:      schema.ExecutionStatusPending,
		Inputs:      prior.Inputs,
		Cost:        schema.CostSummary{Estimated: estimate},
		ResumedFrom: prior.ID,
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, ex.ID, "", "")

	running := schema.ExecutionStatusRunning
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{Status: &running, StartedAt: &now}); err != nil {
		return nil, err
	}
	e.emit(ctx, ex.ID, "", schema.EventExecutionStarted, map[string]any{
		"workflow_id":   prior.WorkflowID,
		"resumed_from":  prior.ID,
		"cost_estimate": estimate,
	})

	for _, nr := range priorResults {
		if nr.Status != schema.NodeStatusCompleted {
			continue
		}
		reused := &store.NodeResult{
			ExecutionID: ex.ID,
			NodeID:      nr.NodeID,
			Status:      schema.NodeStatusCompleted,
			Output:      nr.Output,
			Attempts:    nr.Attempts,
			CompletedAt: &now,
		}
		if err := e.store.UpsertNodeResult(ctx, reused); err != nil {
			return nil, err
		}
		e.emit(ctx, ex.ID, nr.NodeID, schema.EventNodeCompleted, map[string]any{
			"reused_from_execution": prior.ID,
		})
	}
	e.logger.InfoContext(ctx, "execution resumed from prior run",
		"workflow_id", prior.WorkflowID, "resumed_from", prior.ID)

	e.advance(ctx, ex.ID)
	return e.store.GetExecution(ctx, ex.ID)
}

func (e *Engine) start(ctx context.Context, workflowID string, inputs map[string]any, mode schema.ExecutionMode, parentID string) (*store.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if _, result := graph.Validate(&wf.Graph, e.registry); !result.Valid() {
		return nil, result.ToError()
	}

	estimate, _, err := e.estimateGraph(ctx, &wf.Graph, 0)
	if err != nil {
		return nil, err
	}

	ex := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		ParentID:   parentID,
		Mode:       mode,
		Status:     schema.ExecutionStatusPending,
		Inputs:     inputs,
		Cost:       schema.CostSummary{Estimated: estimate},
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, ex.ID, "", "")

	running := schema.ExecutionStatusRunning
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{Status: &running, StartedAt: &now}); err != nil {
		return nil, err
	}
	e.emit(ctx, ex.ID, "", schema.EventExecutionStarted, map[string]any{
		"workflow_id":   workflowID,
		"mode":          string(mode),
		"cost_estimate": estimate,
	})
	e.logger.InfoContext(ctx, "execution started",
		"workflow_id", workflowID, "mode", mode, "cost_estimate", estimate)

	e.advance(ctx, ex.ID)
	return e.store.GetExecution(ctx, ex.ID)
}

// Cancel moves a non-terminal execution to cancelled. Pending nodes are
// skipped and in-flight jobs get a best-effort stop signal; whatever work
// still finishes lands its cost on the execution when it reports back.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	lock := e.execLock(executionID)
	lock.Lock()
	defer lock.Unlock()
	ctx = logging.WithIDs(ctx, executionID, "", "")

	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := TransitionExecution(ex.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}

	results, err := e.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return err
	}
	settled := make(map[string]bool, len(results))
	for _, nr := range results {
		settled[nr.NodeID] = nr.Status != schema.NodeStatusPending
	}

	wf, err := e.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range wf.Graph.Nodes {
		n := &wf.Graph.Nodes[i]
		if settled[n.ID] {
			continue
		}
		_ = e.store.UpsertNodeResult(ctx, &store.NodeResult{
			ExecutionID: executionID,
			NodeID:      n.ID,
			Status:      schema.NodeStatusSkipped,
			CompletedAt: &now,
		})
		e.emit(ctx, executionID, n.ID, schema.EventNodeSkipped, map[string]any{"reason": "execution cancelled"})
	}

	cancelled := schema.ExecutionStatusCancelled
	cause, _ := json.Marshal(schema.NewError(schema.ErrCodeCancelled, "execution cancelled"))
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		Error:       cause,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	e.emit(ctx, executionID, "", schema.EventExecutionCancelled, nil)
	if n := e.broker.Abort(executionID); n > 0 {
		e.logger.InfoContext(ctx, "in-flight jobs signalled to stop", "jobs", n)
	}
	e.logger.InfoContext(ctx, "execution cancelled")
	e.notifyWaiters(executionID)
	return nil
}

// StatusReport is the full observable state of one execution.
type StatusReport struct {
	Execution *store.Execution       `json:"execution"`
	Nodes     []*store.NodeResult    `json:"nodes"`
	Jobs      []*store.DispatchedJob `json:"jobs"`
}

// Status returns the execution row with its node results and job audit
// trail.
func (e *Engine) Status(ctx context.Context, executionID string) (*StatusReport, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	jobs, err := e.store.ListJobs(ctx, store.JobFilter{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	return &StatusReport{Execution: ex, Nodes: nodes, Jobs: jobs}, nil
}

// advance recomputes the frontier of an execution under its lock.
func (e *Engine) advance(ctx context.Context, executionID string) {
	lock := e.execLock(executionID)
	lock.Lock()
	defer lock.Unlock()
	if err := e.advanceLocked(ctx, executionID); err != nil {
		e.logger.ErrorContext(ctx, "advance failed", "execution_id", executionID, "error", err)
	}
}

// advanceLocked is the scheduling core: skip doomed nodes, dispatch ready
// ones, and finalize once every node is terminal. Callers hold the
// execution lock.
func (e *Engine) advanceLocked(ctx context.Context, executionID string) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return nil
	}

	wf, err := e.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return err
	}
	ordered, result := graph.Validate(&wf.Graph, e.registry)
	if !result.Valid() {
		return e.finalizeLocked(ctx, ex, schema.ExecutionStatusFailed, nil,
			schema.NewError(schema.ErrCodeValidation, "stored graph no longer validates").WithCause(result.ToError()))
	}

	results, err := e.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return err
	}
	byNode := make(map[string]*store.NodeResult, len(results))
	statuses := make(map[string]schema.NodeStatus, len(results))
	for _, nr := range results {
		byNode[nr.NodeID] = nr
		statuses[nr.NodeID] = nr.Status
	}

	for {
		e.skipDoomedLocked(ctx, ex, ordered, statuses)

		dispatchFailed := false
		for _, id := range ordered.Ready(statuses, e.registry) {
			n := ordered.Node(id)
			if n.Type == schema.NodeTypeSubworkflow {
				if err := e.startSubworkflowLocked(ctx, ex, ordered, n, byNode); err != nil {
					e.failNodeLocked(ctx, ex, id, asLoomError(err))
					statuses[id] = schema.NodeStatusFailed
					dispatchFailed = true
					continue
				}
				statuses[id] = schema.NodeStatusRunning
				continue
			}

			if err := e.dispatchNodeLocked(ctx, ex, ordered, n, byNode, 1, "", false); err != nil {
				e.failNodeLocked(ctx, ex, id, asLoomError(err))
				statuses[id] = schema.NodeStatusFailed
				dispatchFailed = true
				continue
			}
			statuses[id] = schema.NodeStatusRunning
		}
		if !dispatchFailed {
			break
		}
	}

	for _, id := range ordered.Order() {
		if !statuses[id].Terminal() {
			return nil
		}
	}
	return e.finalizeFromResultsLocked(ctx, ex, ordered)
}

// skipDoomedLocked marks nodes that can no longer complete as skipped,
// iterating to a fixpoint so skips cascade downstream.
func (e *Engine) skipDoomedLocked(ctx context.Context, ex *store.Execution, ordered *graph.Ordered, statuses map[string]schema.NodeStatus) {
	for {
		doomed := ordered.Doomed(statuses, e.registry)
		if len(doomed) == 0 {
			return
		}
		now := time.Now().UTC()
		for _, id := range doomed {
			_ = e.store.UpsertNodeResult(ctx, &store.NodeResult{
				ExecutionID: ex.ID,
				NodeID:      id,
				Status:      schema.NodeStatusSkipped,
				CompletedAt: &now,
			})
			e.emit(ctx, ex.ID, id, schema.EventNodeSkipped, map[string]any{"reason": "required input unavailable"})
			statuses[id] = schema.NodeStatusSkipped
		}
	}
}

// dispatchNodeLocked resolves the node's inputs from completed upstream
// results and hands it to the dispatcher.
func (e *Engine) dispatchNodeLocked(ctx context.Context, ex *store.Execution, ordered *graph.Ordered, n *schema.Node, byNode map[string]*store.NodeResult, attempt int, retryOf string, manual bool) error {
	inputs, err := e.resolveInputs(ordered, n, byNode)
	if err != nil {
		return err
	}

	if _, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Execution: ex,
		Node:      n,
		Inputs:    inputs,
		Attempt:   attempt,
		RetryOf:   retryOf,
		Manual:    manual,
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	nr := &store.NodeResult{
		ExecutionID: ex.ID,
		NodeID:      n.ID,
		Status:      schema.NodeStatusRunning,
		Attempts:    attempt,
		StartedAt:   &now,
	}
	if prev := byNode[n.ID]; prev != nil {
		nr.CostActual = prev.CostActual
		if prev.StartedAt != nil {
			nr.StartedAt = prev.StartedAt
		}
	}
	byNode[n.ID] = nr
	return e.store.UpsertNodeResult(ctx, nr)
}

// resolveInputs gathers, per input handle, the output field of a completed
// source node. With several alternate sources on one handle the first
// completed one in edge order wins.
func (e *Engine) resolveInputs(ordered *graph.Ordered, n *schema.Node, byNode map[string]*store.NodeResult) (map[string]json.RawMessage, error) {
	spec, ok := e.registry.Spec(n.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "no spec for node type %q", n.Type).WithNode(n.ID)
	}

	inputSpecs, _ := graph.Ports(n, spec)
	out := make(map[string]json.RawMessage)
	for _, h := range inputSpecs {
		for _, edge := range ordered.IncomingEdges(n.ID, h.Name) {
			src := byNode[edge.Source]
			if src == nil || src.Status != schema.NodeStatusCompleted {
				continue
			}
			if v := outputField(src.Output, edge.SourceHandle); v != nil {
				out[h.Name] = v
				break
			}
		}
		if _, bound := out[h.Name]; !bound && h.Required && len(ordered.IncomingEdges(n.ID, h.Name)) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeMissingRequiredInput,
				"no completed source for required input %q", h.Name).WithNode(n.ID)
		}
	}
	return out, nil
}

// outputField extracts one named field from a worker output object. Workers
// key their output by output handle name; a handler that returns a bare
// value instead is passed through whole.
func outputField(output json.RawMessage, handle string) json.RawMessage {
	if len(output) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(output, &m); err != nil {
		return output
	}
	if v, ok := m[handle]; ok {
		return v
	}
	return output
}

// failNodeLocked records a permanent node failure.
func (e *Engine) failNodeLocked(ctx context.Context, ex *store.Execution, nodeID string, cause *schema.LoomError) {
	now := time.Now().UTC()
	raw, _ := json.Marshal(cause)
	nr := &store.NodeResult{
		ExecutionID: ex.ID,
		NodeID:      nodeID,
		Status:      schema.NodeStatusFailed,
		Error:       raw,
		CompletedAt: &now,
	}
	if prev, err := e.store.GetNodeResult(ctx, ex.ID, nodeID); err == nil {
		nr.Attempts = prev.Attempts
		nr.CostActual = prev.CostActual
		nr.StartedAt = prev.StartedAt
	}
	if err := e.store.UpsertNodeResult(ctx, nr); err != nil {
		e.logger.ErrorContext(ctx, "record node failure", "node_id", nodeID, "error", err)
	}
	e.emit(ctx, ex.ID, nodeID, schema.EventNodeFailed, map[string]any{
		"code": cause.Code, "message": cause.Message,
	})
	e.logger.WarnContext(ctx, "node failed", "node_id", nodeID, "code", cause.Code, "message", cause.Message)
}

// finalizeFromResultsLocked derives the terminal status from the node
// results. A failed node fails the execution only when it left a declared
// output unreached; a failed branch that no output depends on stays
// isolated and the execution still completes.
func (e *Engine) finalizeFromResultsLocked(ctx context.Context, ex *store.Execution, ordered *graph.Ordered) error {
	results, err := e.store.ListNodeResults(ctx, ex.ID)
	if err != nil {
		return err
	}

	var firstFailure *schema.LoomError
	actual := 0.0
	outputs := make(map[string]json.RawMessage)
	outputsBlocked := false
	for _, nr := range results {
		actual += nr.CostActual
		if nr.Status == schema.NodeStatusFailed && firstFailure == nil {
			firstFailure = nodeFailure(nr)
		}
		n := ordered.Node(nr.NodeID)
		if n == nil || n.Type != schema.NodeTypeOutput {
			continue
		}
		if nr.Status == schema.NodeStatusCompleted {
			outputs[nr.NodeID] = nr.Output
		} else {
			outputsBlocked = true
		}
	}

	status := schema.ExecutionStatusCompleted
	if firstFailure != nil && (outputsBlocked || len(outputs) == 0) {
		status = schema.ExecutionStatusFailed
	}

	var outRaw json.RawMessage
	if status == schema.ExecutionStatusCompleted && len(outputs) > 0 {
		outRaw, _ = json.Marshal(outputs)
	}
	return e.finalizeWithCostLocked(ctx, ex, status, outRaw, firstFailure, actual)
}

func (e *Engine) finalizeLocked(ctx context.Context, ex *store.Execution, status schema.ExecutionStatus, outputs json.RawMessage, cause *schema.LoomError) error {
	return e.finalizeWithCostLocked(ctx, ex, status, outputs, cause, ex.Cost.Actual)
}

func (e *Engine) finalizeWithCostLocked(ctx context.Context, ex *store.Execution, status schema.ExecutionStatus, outputs json.RawMessage, cause *schema.LoomError, actual float64) error {
	if err := TransitionExecution(ex.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{
		Status:      &status,
		Outputs:     outputs,
		Cost:        &schema.CostSummary{Estimated: ex.Cost.Estimated, Actual: actual},
		CompletedAt: &now,
	}
	if cause != nil {
		update.Error, _ = json.Marshal(cause)
	}
	if err := e.store.UpdateExecution(ctx, ex.ID, update); err != nil {
		return err
	}

	e.emit(ctx, ex.ID, "", executionEventType(status), map[string]any{
		"cost_actual":    actual,
		"cost_estimated": ex.Cost.Estimated,
	})
	e.logger.InfoContext(ctx, "execution finished",
		"execution_id", ex.ID, "status", status, "cost_actual", actual)
	e.notifyWaiters(ex.ID)
	return nil
}

func nodeFailure(nr *store.NodeResult) *schema.LoomError {
	var lmErr schema.LoomError
	if len(nr.Error) > 0 && json.Unmarshal(nr.Error, &lmErr) == nil && lmErr.Code != "" {
		return lmErr.WithNode(nr.NodeID)
	}
	return schema.NewError(schema.ErrCodeInternal, "node failed").WithNode(nr.NodeID)
}

// ---- broker callbacks ----

func (e *Engine) onJobStarted(ctx context.Context, job *queue.Job) {
	ctx = logging.WithIDs(ctx, job.ExecutionID, job.NodeID, job.ID)
	active := schema.JobStatusActive
	now := time.Now().UTC()
	if err := e.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: &active, StartedAt: &now}); err != nil {
		e.logger.WarnContext(ctx, "mark job active", "error", err)
	}
	e.emit(ctx, job.ExecutionID, job.NodeID, schema.EventNodeStarted, map[string]any{
		"job_id": job.ID, "attempt": job.Attempt,
	})
}

func (e *Engine) onJobCompleted(ctx context.Context, job *queue.Job, res *queue.Result) {
	ctx = logging.WithIDs(ctx, job.ExecutionID, job.NodeID, job.ID)

	completed := schema.JobStatusCompleted
	now := time.Now().UTC()
	if err := e.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: &completed, FinishedAt: &now}); err != nil {
		e.logger.WarnContext(ctx, "mark job completed", "error", err)
	}

	lock := e.execLock(job.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	nr := &store.NodeResult{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Status:      schema.NodeStatusCompleted,
		Output:      res.Output,
		Attempts:    job.Attempt,
		CostActual:  res.Cost,
		CompletedAt: &now,
	}
	if prev, err := e.store.GetNodeResult(ctx, job.ExecutionID, job.NodeID); err == nil {
		nr.CostActual += prev.CostActual
		nr.StartedAt = prev.StartedAt
		if prev.StartedAt != nil {
			nr.DurationMs = now.Sub(*prev.StartedAt).Milliseconds()
		}
	}
	if err := e.store.UpsertNodeResult(ctx, nr); err != nil {
		e.logger.ErrorContext(ctx, "record node result", "error", err)
		return
	}
	e.emit(ctx, job.ExecutionID, job.NodeID, schema.EventNodeCompleted, map[string]any{
		"job_id": job.ID, "cost": res.Cost, "duration_ms": nr.DurationMs,
	})

	ex, err := e.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return
	}
	if ex.Status.Terminal() {
		// Cancelled mid-flight: the work happened, so the spend still
		// lands on the execution.
		e.addActualCost(ctx, ex, res.Cost)
		return
	}
	if err := e.advanceLocked(ctx, job.ExecutionID); err != nil {
		e.logger.ErrorContext(ctx, "advance after completion", "error", err)
	}
}

func (e *Engine) onJobFailed(ctx context.Context, job *queue.Job, jobErr error) {
	ctx = logging.WithIDs(ctx, job.ExecutionID, job.NodeID, job.ID)
	lmErr := asLoomError(jobErr)

	failed := schema.JobStatusFailed
	msg := jobErr.Error()
	now := time.Now().UTC()
	if err := e.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: &failed, Error: &msg, FinishedAt: &now}); err != nil {
		e.logger.WarnContext(ctx, "mark job failed", "error", err)
	}

	lock := e.execLock(job.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	ex, err := e.store.GetExecution(ctx, job.ExecutionID)
	if err != nil || ex.Status.Terminal() {
		return
	}

	wf, err := e.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return
	}
	var node *schema.Node
	for i := range wf.Graph.Nodes {
		if wf.Graph.Nodes[i].ID == job.NodeID {
			node = &wf.Graph.Nodes[i]
			break
		}
	}
	if node == nil {
		e.failNodeLocked(ctx, ex, job.NodeID, lmErr)
		_ = e.advanceLocked(ctx, job.ExecutionID)
		return
	}

	spec, _ := e.registry.Spec(node.Type)
	policy := effectivePolicy(spec)

	retryable := IsRetryableError(jobErr)
	if retryable && policy.Retryable != "" {
		ok, evalErr := e.retries.Retryable(ctx, policy.Retryable, lmErr, job.Attempt, node)
		if evalErr != nil {
			e.logger.WarnContext(ctx, "retry predicate failed, falling back to error class",
				"error", evalErr)
		} else {
			retryable = ok
		}
	}

	if retryable && job.Attempt < policy.MaxAttempts {
		delay := ComputeBackoff(policy, job.Attempt)
		e.emit(ctx, job.ExecutionID, job.NodeID, schema.EventJobRetried, map[string]any{
			"job_id": job.ID, "attempt": job.Attempt, "delay_ms": delay.Milliseconds(),
		})
		e.logger.InfoContext(ctx, "retrying node",
			"attempt", job.Attempt, "max_attempts", policy.MaxAttempts, "delay", delay)
		e.scheduleRetry(job.ExecutionID, job.NodeID, job.ID, job.Queue, delay)
		return
	}

	if retryable {
		lmErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retry budget exhausted after %d attempts", job.Attempt).
			WithNode(job.NodeID).WithCause(lmErr)
	}
	e.failNodeLocked(ctx, ex, job.NodeID, lmErr)
	if err := e.advanceLocked(ctx, job.ExecutionID); err != nil {
		e.logger.ErrorContext(ctx, "advance after failure", "error", err)
	}
}

func (e *Engine) onJobStalled(ctx context.Context, job *queue.Job) {
	ctx = logging.WithIDs(ctx, job.ExecutionID, job.NodeID, job.ID)
	stalled := schema.JobStatusStalled
	if err := e.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: &stalled}); err != nil {
		e.logger.WarnContext(ctx, "mark job stalled", "error", err)
	}
	e.emit(ctx, job.ExecutionID, job.NodeID, schema.EventJobStalled, map[string]any{
		"job_id": job.ID, "attempt": job.Attempt,
	})
	e.logger.WarnContext(ctx, "job stalled, awaiting recovery pass")
}

// scheduleRetry waits out the backoff on the pool, then redispatches. The
// node result stays running during the wait so the scheduler leaves the
// node alone; the queue's delayed gauge covers the timer window.
func (e *Engine) scheduleRetry(executionID, nodeID, retryOf, queueName string, delay time.Duration) {
	bg := logging.WithIDs(context.Background(), executionID, nodeID, "")
	e.dispatcher.BeginDelay(queueName)
	// Submit from a fresh goroutine: Submit blocks when the pool is at
	// capacity, and the caller holds the execution lock.
	go func() {
		err := e.pool.Submit(bg, func(ctx context.Context) error {
			defer e.dispatcher.EndDelay(queueName)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return err
			}
			_, err := e.Redispatch(ctx, executionID, nodeID, retryOf, false)
			if err != nil {
				e.logger.ErrorContext(ctx, "redispatch after backoff", "error", err)
			}
			return err
		})
		if err != nil {
			// Submit failed before fn ran, so its deferred release
			// never fires.
			e.dispatcher.EndDelay(queueName)
			e.logger.Error("schedule retry", "execution_id", executionID, "node_id", nodeID, "error", err)
		}
	}()
}

// addActualCost folds late-arriving spend into a terminal execution.
func (e *Engine) addActualCost(ctx context.Context, ex *store.Execution, cost float64) {
	if cost == 0 {
		return
	}
	sum := schema.CostSummary{Estimated: ex.Cost.Estimated, Actual: ex.Cost.Actual + cost}
	if err := e.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{Cost: &sum}); err != nil {
		e.logger.WarnContext(ctx, "record late cost", "error", err)
	}
}

// ---- recovery hooks ----

// Redispatch builds a fresh job for the node and enqueues it, linking the
// new row to the one it retries.
func (e *Engine) Redispatch(ctx context.Context, executionID, nodeID, retryOf string, manual bool) (*store.DispatchedJob, error) {
	lock := e.execLock(executionID)
	lock.Lock()
	defer lock.Unlock()
	ctx = logging.WithIDs(ctx, executionID, nodeID, "")

	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s", executionID, ex.Status)
	}

	wf, err := e.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return nil, err
	}
	ordered, result := graph.Validate(&wf.Graph, e.registry)
	if !result.Valid() {
		return nil, result.ToError()
	}
	n := ordered.Node(nodeID)
	if n == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not in workflow graph", nodeID)
	}

	results, err := e.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]*store.NodeResult, len(results))
	for _, nr := range results {
		byNode[nr.NodeID] = nr
	}

	// A manual retry opens a fresh lineage with the full retry budget;
	// automatic retries keep counting.
	attempt := 1
	if prev := byNode[nodeID]; prev != nil && !manual {
		attempt = prev.Attempts + 1
	}

	inputs, err := e.resolveInputs(ordered, n, byNode)
	if err != nil {
		return nil, err
	}
	job, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Execution: ex,
		Node:      n,
		Inputs:    inputs,
		Attempt:   attempt,
		RetryOf:   retryOf,
		Manual:    manual,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	nr := &store.NodeResult{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      schema.NodeStatusRunning,
		Attempts:    attempt,
		StartedAt:   &now,
	}
	if prev := byNode[nodeID]; prev != nil {
		nr.CostActual = prev.CostActual
		if prev.StartedAt != nil {
			nr.StartedAt = prev.StartedAt
		}
	}
	if err := e.store.UpsertNodeResult(ctx, nr); err != nil {
		return nil, err
	}
	return job, nil
}

// FailNode records a permanent node failure and re-evaluates the execution.
func (e *Engine) FailNode(ctx context.Context, executionID, nodeID string, cause *schema.LoomError) error {
	lock := e.execLock(executionID)
	lock.Lock()
	defer lock.Unlock()
	ctx = logging.WithIDs(ctx, executionID, nodeID, "")

	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return nil
	}
	e.failNodeLocked(ctx, ex, nodeID, cause)
	return e.advanceLocked(ctx, executionID)
}

// Resume recomputes the frontier of an interrupted execution and dispatches
// whatever is ready.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	lock := e.execLock(executionID)
	lock.Lock()
	defer lock.Unlock()
	ctx = logging.WithIDs(ctx, executionID, "", "")

	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return nil
	}
	e.emit(ctx, executionID, "", schema.EventExecutionResumed, nil)
	e.logger.InfoContext(ctx, "execution resumed")
	return e.advanceLocked(ctx, executionID)
}

// ---- plumbing ----

func (e *Engine) execLock(executionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[executionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[executionID] = lock
	}
	return lock
}

func (e *Engine) awaitTerminal(ctx context.Context, executionID string) (*store.Execution, error) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.waiters[executionID] = append(e.waiters[executionID], ch)
	e.mu.Unlock()

	// Re-check after registering in case the execution finished first.
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return ex, nil
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.store.GetExecution(context.WithoutCancel(ctx), executionID)
}

func (e *Engine) notifyWaiters(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.waiters[executionID] {
		close(ch)
	}
	delete(e.waiters, executionID)
}

// emit appends to the event log and mirrors onto the streaming hub.
// Failures are logged, never fatal: events are observability, not control
// flow.
func (e *Engine) emit(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     raw,
	}); err != nil {
		e.logger.WarnContext(ctx, "append event", "event", eventType, "error", err)
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		NodeID:      nodeID,
		EventType:   eventType,
		Payload:     payload,
	})
}
