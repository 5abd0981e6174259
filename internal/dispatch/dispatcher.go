package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-studio/loom/internal/logging"
	"github.com/rivet-studio/loom/internal/queue"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/pkg/schema"
)

// Request describes one node attempt to be turned into a queue job.
type Request struct {
	Execution *store.Execution
	Node      *schema.Node
	Inputs    map[string]json.RawMessage
	// Attempt is 1-based and counts dispatches of this node within the
	// execution, including the one being made.
	Attempt int
	// RetryOf links the new job row back to the job it retries.
	RetryOf string
	// Manual marks operator-initiated retries from the dead-letter queue.
	Manual bool
}

// Dispatcher turns ready nodes into persisted, validated queue jobs. Every
// attempt creates a fresh job row; earlier rows stay behind as the audit
// trail.
type Dispatcher struct {
	store     store.Store
	events    *store.EventLog
	broker    queue.Broker
	registry  *Registry
	validator *PayloadValidator
	logger    *slog.Logger

	delayMu sync.Mutex
	delayed map[string]int
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(st store.Store, events *store.EventLog, broker queue.Broker, reg *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     st,
		events:    events,
		broker:    broker,
		registry:  reg,
		validator: NewPayloadValidator(),
		logger:    logger,
		delayed:   make(map[string]int),
	}
}

// BeginDelay records a retry backoff timer in flight for the queue. The
// job is neither waiting nor active while the timer runs; the delayed
// gauge is where it shows up.
func (d *Dispatcher) BeginDelay(queue string) {
	d.delayMu.Lock()
	d.delayed[queue]++
	d.delayMu.Unlock()
}

// EndDelay releases a timer recorded by BeginDelay.
func (d *Dispatcher) EndDelay(queue string) {
	d.delayMu.Lock()
	if d.delayed[queue] > 0 {
		d.delayed[queue]--
	}
	d.delayMu.Unlock()
}

func (d *Dispatcher) delayedCount(queue string) int {
	d.delayMu.Lock()
	defer d.delayMu.Unlock()
	return d.delayed[queue]
}

// Registry exposes the node type catalogue the dispatcher routes with.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch validates the node payload, records the job, and enqueues it.
// The job row is written before the enqueue so a broker crash cannot lose
// the audit record; an enqueue failure marks the row failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*store.DispatchedJob, error) {
	n := req.Node
	ctx = logging.WithIDs(ctx, req.Execution.ID, n.ID, "")

	spec, ok := d.registry.Spec(n.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "no spec for node type %q", n.Type).WithNode(n.ID)
	}
	if spec.Queue == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "node type %q is not queue-dispatchable", n.Type).WithNode(n.ID)
	}

	if err := d.validator.Validate(spec, n.Data); err != nil {
		return nil, err
	}

	payload, err := BuildPayload(n, req.Inputs)
	if err != nil {
		return nil, err
	}

	job := &store.DispatchedJob{
		ID:           uuid.New().String(),
		QueueName:    spec.Queue,
		ExecutionID:  req.Execution.ID,
		NodeID:       n.ID,
		Status:       schema.JobStatusEnqueued,
		Payload:      payload,
		AttemptsMade: req.Attempt,
		ManualRetry:  req.Manual,
		RetryOf:      req.RetryOf,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create job").WithNode(n.ID).WithCause(err)
	}

	d.appendEvent(ctx, req.Execution.ID, n.ID, schema.EventNodeDispatched, map[string]any{
		"job_id": job.ID, "queue": job.QueueName, "attempt": req.Attempt,
	})

	err = d.broker.Enqueue(ctx, &queue.Job{
		ID:          job.ID,
		Queue:       job.QueueName,
		ExecutionID: req.Execution.ID,
		NodeID:      n.ID,
		Payload:     payload,
		Attempt:     req.Attempt,
	})
	if err != nil {
		failed := schema.JobStatusFailed
		msg := err.Error()
		now := time.Now().UTC()
		_ = d.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: &failed, Error: &msg, FinishedAt: &now})
		return nil, schema.NewError(schema.ErrCodeDispatch, "enqueue job").WithNode(n.ID).WithCause(err)
	}

	d.appendEvent(ctx, req.Execution.ID, n.ID, schema.EventJobEnqueued, map[string]any{
		"job_id": job.ID, "queue": job.QueueName,
	})
	d.logger.InfoContext(ctx, "job dispatched", "job_id", job.ID, "queue", job.QueueName, "attempt", req.Attempt)
	return job, nil
}

func (d *Dispatcher) appendEvent(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	if err := d.events.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     raw,
	}); err != nil {
		d.logger.WarnContext(ctx, "append event failed", "event", eventType, "error", err)
	}
}
