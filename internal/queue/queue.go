package queue

import (
	"context"
	"encoding/json"
)

// Job is one unit of work delivered to a queue handler. Attempt is 1-based
// and carries the dispatch count for the node, not a broker-local counter.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
}

// Result is what a handler produces for a successfully processed job.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
	Cost   float64         `json:"cost,omitempty"`
}

// Handler processes jobs of one queue. A handler must respect ctx: when the
// broker expires the job's lease, ctx is cancelled and any late return value
// is discarded.
type Handler func(ctx context.Context, job *Job) (*Result, error)

// Callbacks are invoked by the broker as jobs move through their lifecycle.
// Nil callbacks are skipped. Callbacks run on broker goroutines and must not
// block for long.
type Callbacks struct {
	OnStarted   func(ctx context.Context, job *Job)
	OnCompleted func(ctx context.Context, job *Job, res *Result)
	OnFailed    func(ctx context.Context, job *Job, err error)
	OnStalled   func(ctx context.Context, job *Job)
}

// Counts is a point-in-time snapshot of one queue.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Stalled   int `json:"stalled"`
}

// Broker is the work-queue contract the dispatcher writes to and workers
// consume from.
type Broker interface {
	// Register binds a handler to a named queue. Must be called before Start.
	Register(queue string, h Handler)

	// SetCallbacks installs the lifecycle callbacks. Must be called before Start.
	SetCallbacks(cb Callbacks)

	// Enqueue adds a job to its queue.
	Enqueue(ctx context.Context, job *Job) error

	// Heartbeat extends the lease of an active job. Long-running handlers
	// call this to avoid being marked stalled.
	Heartbeat(jobID string) error

	// Abort cancels the handler contexts of active jobs belonging to one
	// execution. Best effort: a handler that ignores its context runs to
	// lease expiry anyway. Returns the number of jobs signalled.
	Abort(executionID string) int

	// Counts reports the state of one queue.
	Counts(queue string) Counts

	// Queues lists the registered queue names.
	Queues() []string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
