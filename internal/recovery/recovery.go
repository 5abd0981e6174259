package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rivet-studio/loom/internal/dispatch"
	"github.com/rivet-studio/loom/internal/logging"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/pkg/schema"
)

// EngineHooks is the slice of the engine the recoverer calls back into.
// Defined here so recovery does not import the engine package.
type EngineHooks interface {
	// Redispatch builds a fresh job for the node and enqueues it. The new
	// row's RetryOf points at retryOf; manual marks operator retries.
	Redispatch(ctx context.Context, executionID, nodeID, retryOf string, manual bool) (*store.DispatchedJob, error)

	// FailNode records a permanent node failure and lets the engine
	// propagate skips and re-evaluate the execution.
	FailNode(ctx context.Context, executionID, nodeID string, cause *schema.LoomError) error

	// Resume recomputes the frontier of an interrupted execution from its
	// persisted node results and dispatches whatever is ready.
	Resume(ctx context.Context, executionID string) error
}

// Report summarizes one recovery pass.
type Report struct {
	Requeued      int `json:"requeued"`
	DeadLettered  int `json:"dead_lettered"`
	NodesRepaired int `json:"nodes_repaired"`
}

// Recoverer repairs stalled jobs and interrupted executions. All operations
// are idempotent: a job is moved out of the stalled state the moment it is
// handled, so overlapping passes cannot double-recover.
type Recoverer struct {
	store    store.Store
	events   *store.EventLog
	registry *dispatch.Registry
	hooks    EngineHooks
	logger   *slog.Logger
}

// NewRecoverer wires a recoverer.
func NewRecoverer(st store.Store, events *store.EventLog, reg *dispatch.Registry, hooks EngineHooks, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{store: st, events: events, registry: reg, hooks: hooks, logger: logger}
}

// RecoverStalledJobs processes every job currently marked stalled: jobs
// with retry budget left are re-dispatched, exhausted ones are moved to the
// dead-letter queue and their node failed. Returns the pass report.
func (r *Recoverer) RecoverStalledJobs(ctx context.Context) (*Report, error) {
	stalled := schema.JobStatusStalled
	notDlq := false
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{Status: &stalled, InDlq: &notDlq})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list stalled jobs").WithCause(err)
	}

	report := &Report{}
	for _, job := range jobs {
		if err := r.recoverJob(ctx, job, report); err != nil {
			r.logger.ErrorContext(ctx, "recover job failed", "job_id", job.ID, "error", err)
		}
	}
	return report, nil
}

func (r *Recoverer) recoverJob(ctx context.Context, job *store.DispatchedJob, report *Report) error {
	ctx = logging.WithIDs(ctx, job.ExecutionID, job.NodeID, job.ID)

	max := r.maxAttempts(ctx, job)
	if job.AttemptsMade >= max {
		return r.deadLetter(ctx, job, report)
	}

	// Close out the stalled row before dispatching the replacement so a
	// crash between the two steps leaves at most a missing retry, never a
	// duplicate.
	failed := schema.JobStatusFailed
	msg := "lease expired"
	now := time.Now().UTC()
	if err := r.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: &failed, Error: &msg, FinishedAt: &now}); err != nil {
		return err
	}

	if _, err := r.hooks.Redispatch(ctx, job.ExecutionID, job.NodeID, job.ID, false); err != nil {
		return err
	}
	r.appendEvent(ctx, job, schema.EventJobRecovered, map[string]any{"attempts_made": job.AttemptsMade})
	r.logger.InfoContext(ctx, "stalled job requeued", "attempts_made", job.AttemptsMade)
	report.Requeued++
	return nil
}

func (r *Recoverer) deadLetter(ctx context.Context, job *store.DispatchedJob, report *Report) error {
	failed := schema.JobStatusFailed
	inDlq := true
	now := time.Now().UTC()
	msg := "retry budget exhausted after stall"
	if err := r.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status: &failed, InDlq: &inDlq, Error: &msg, FinishedAt: &now,
	}); err != nil {
		return err
	}
	r.appendEvent(ctx, job, schema.EventJobDeadLettered, map[string]any{"attempts_made": job.AttemptsMade})

	cause := schema.NewError(schema.ErrCodeStallTimeout, msg).WithNode(job.NodeID)
	if err := r.hooks.FailNode(ctx, job.ExecutionID, job.NodeID, cause); err != nil {
		return err
	}
	r.logger.WarnContext(ctx, "job dead-lettered", "attempts_made", job.AttemptsMade)
	report.DeadLettered++
	return nil
}

// RecoverExecution repairs one interrupted execution: the event log is
// replayed and any node result rows that lag behind it are rewritten, then
// the engine resumes scheduling from the repaired state. Completed node
// results are never touched.
func (r *Recoverer) RecoverExecution(ctx context.Context, executionID string) (*Report, error) {
	ctx = logging.WithExecutionID(ctx, executionID)

	ex, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return &Report{}, nil
	}

	replayed, err := r.events.ReplayEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}
	persisted, err := r.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]*store.NodeResult, len(persisted))
	for _, nr := range persisted {
		byNode[nr.NodeID] = nr
	}

	report := &Report{}
	for nodeID, rep := range replayed {
		cur, ok := byNode[nodeID]
		if ok && cur.Status == schema.NodeStatusCompleted {
			continue
		}
		if ok && cur.Status == rep.Status {
			continue
		}
		if err := r.store.UpsertNodeResult(ctx, rep); err != nil {
			return nil, err
		}
		report.NodesRepaired++
	}

	// Jobs that were in flight when the process died are stalled from the
	// log's point of view; run the stall pass before resuming.
	stallReport, err := r.RecoverStalledJobs(ctx)
	if err != nil {
		return nil, err
	}
	report.Requeued = stallReport.Requeued
	report.DeadLettered = stallReport.DeadLettered

	if err := r.hooks.Resume(ctx, executionID); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "execution recovered",
		"nodes_repaired", report.NodesRepaired, "requeued", report.Requeued)
	return report, nil
}

// GetDlqJobs pages through the dead-letter queue, newest first. The second
// return is the total DLQ size so callers can paginate.
func (r *Recoverer) GetDlqJobs(ctx context.Context, limit, offset int) ([]*store.DispatchedJob, int, error) {
	if limit <= 0 {
		limit = 50
	}
	inDlq := true
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{InDlq: &inDlq, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, err
	}
	total, err := r.store.CountDlqJobs(ctx)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// RetryFromDlq re-dispatches a dead-lettered job on operator request. The
// new job starts a fresh lineage with the full retry budget. The original
// row is preserved unchanged as audit trail; a second retry of the same row
// is detected by the replacement job pointing back at it and rejected.
// Returns the new job ID.
func (r *Recoverer) RetryFromDlq(ctx context.Context, jobID string) (string, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	ctx = logging.WithIDs(ctx, job.ExecutionID, job.NodeID, job.ID)
	if !job.InDlq {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "job %s is not in the dead-letter queue", jobID)
	}

	retries, err := r.store.ListJobs(ctx, store.JobFilter{RetryOf: job.ID, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(retries) > 0 {
		return "", schema.NewErrorf(schema.ErrCodeConflict,
			"job %s was already retried as %s", jobID, retries[0].ID)
	}

	newJob, err := r.hooks.Redispatch(ctx, job.ExecutionID, job.NodeID, job.ID, true)
	if err != nil {
		return "", err
	}
	r.appendEvent(ctx, job, schema.EventJobManualRetry, map[string]any{"new_job_id": newJob.ID})
	r.logger.InfoContext(ctx, "dead-lettered job retried", "new_job_id", newJob.ID)
	return newJob.ID, nil
}

func (r *Recoverer) maxAttempts(ctx context.Context, job *store.DispatchedJob) int {
	const fallback = 3

	ex, err := r.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return fallback
	}
	wf, err := r.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return fallback
	}
	for _, n := range wf.Graph.Nodes {
		if n.ID != job.NodeID {
			continue
		}
		if spec, ok := r.registry.Spec(n.Type); ok && spec.Retry != nil && spec.Retry.MaxAttempts > 0 {
			return spec.Retry.MaxAttempts
		}
	}
	return fallback
}

func (r *Recoverer) appendEvent(ctx context.Context, job *store.DispatchedJob, eventType string, payload map[string]any) {
	payload["job_id"] = job.ID
	payload["queue"] = job.QueueName
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	if err := r.events.AppendEvent(ctx, &store.Event{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Type:        eventType,
		Payload:     raw,
	}); err != nil {
		r.logger.WarnContext(ctx, "append event failed", "event", eventType, "error", err)
	}
}
