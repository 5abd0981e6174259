package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivet-studio/loom/internal/logging"
)

// ErrNotActive is returned by Heartbeat when the job has no live lease.
var ErrNotActive = errors.New("job is not active")

// ErrStopped is returned when enqueueing into a stopped broker.
var ErrStopped = errors.New("broker is stopped")

// ErrUnknownQueue is returned when a job targets an unregistered queue.
var ErrUnknownQueue = errors.New("unknown queue")

// Options configures the in-memory broker.
type Options struct {
	// Concurrency is the number of workers per queue.
	Concurrency int
	// LeaseTimeout is how long an active job may go without a heartbeat
	// before it is marked stalled.
	LeaseTimeout time.Duration
	// SweepInterval is how often expired leases are checked.
	SweepInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.LeaseTimeout <= 0 {
		out.LeaseTimeout = 30 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.LeaseTimeout / 4
	}
	return out
}

type lease struct {
	job      *Job
	cancel   context.CancelFunc
	deadline time.Time
}

type memQueue struct {
	name      string
	ch        chan *Job
	completed atomic.Int64
	failed    atomic.Int64
	stalled   atomic.Int64
	active    atomic.Int64
}

// MemoryBroker is an in-process Broker with visibility-timeout leases.
// Jobs handed to a worker hold a lease; if the lease expires before the
// handler reports back, the job is declared stalled, its context cancelled,
// and the stall callback fires. A late handler return is then discarded.
type MemoryBroker struct {
	opts     Options
	logger   *slog.Logger
	cb       Callbacks
	handlers map[string]Handler

	mu      sync.Mutex
	queues  map[string]*memQueue
	leases  map[string]*lease
	started bool
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryBroker creates a broker with the given options.
func NewMemoryBroker(opts Options, logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		opts:     opts.withDefaults(),
		logger:   logger,
		handlers: make(map[string]Handler),
		queues:   make(map[string]*memQueue),
		leases:   make(map[string]*lease),
		done:     make(chan struct{}),
	}
}

func (b *MemoryBroker) Register(queue string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = h
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = &memQueue{name: queue, ch: make(chan *Job, 1024)}
	}
}

func (b *MemoryBroker) SetCallbacks(cb Callbacks) {
	b.cb = cb
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	q, ok := b.queues[job.Queue]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownQueue
	}

	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrStopped
	}
}

func (b *MemoryBroker) Heartbeat(jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[jobID]
	if !ok {
		return ErrNotActive
	}
	l.deadline = time.Now().Add(b.opts.LeaseTimeout)
	return nil
}

// Abort cancels the lease contexts of the execution's active jobs. The
// leases stay live, so whatever the interrupted handlers return still
// reports back through the normal callbacks.
func (b *MemoryBroker) Abort(executionID string) int {
	b.mu.Lock()
	var cancels []context.CancelFunc
	for _, l := range b.leases {
		if l.job.ExecutionID == executionID {
			cancels = append(cancels, l.cancel)
		}
	}
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (b *MemoryBroker) Counts(queue string) Counts {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return Counts{}
	}
	return Counts{
		Waiting:   len(q.ch),
		Active:    int(q.active.Load()),
		Completed: int(q.completed.Load()),
		Failed:    int(q.failed.Load()),
		Stalled:   int(q.stalled.Load()),
	}
}

func (b *MemoryBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *MemoryBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true

	for name, q := range b.queues {
		h := b.handlers[name]
		for i := 0; i < b.opts.Concurrency; i++ {
			b.wg.Add(1)
			go b.runWorker(q, h)
		}
	}

	b.wg.Add(1)
	go b.runSweeper()
	return nil
}

func (b *MemoryBroker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.done)
	b.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) runWorker(q *memQueue, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case job := <-q.ch:
			b.process(q, h, job)
		}
	}
}

func (b *MemoryBroker) process(q *memQueue, h Handler, job *Job) {
	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobCtx = logging.WithIDs(jobCtx, job.ExecutionID, job.NodeID, job.ID)

	b.mu.Lock()
	b.leases[job.ID] = &lease{job: job, cancel: cancel, deadline: time.Now().Add(b.opts.LeaseTimeout)}
	b.mu.Unlock()
	q.active.Add(1)

	if b.cb.OnStarted != nil {
		b.cb.OnStarted(jobCtx, job)
	}

	var res *Result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.ErrorContext(jobCtx, "handler panic", "queue", q.name, "panic", r)
				err = errors.New("handler panic")
			}
		}()
		if h == nil {
			err = errors.New("no handler registered")
			return
		}
		res, err = h(jobCtx, job)
	}()

	// If the sweeper already reclaimed the lease the job was reported
	// stalled and this outcome is dropped.
	b.mu.Lock()
	_, live := b.leases[job.ID]
	delete(b.leases, job.ID)
	b.mu.Unlock()
	q.active.Add(-1)

	if !live {
		b.logger.DebugContext(jobCtx, "late result discarded", "queue", q.name)
		return
	}

	// An aborted job's context is already cancelled; callbacks still need
	// a usable one for their own writes.
	cbCtx := context.WithoutCancel(jobCtx)
	if err != nil {
		q.failed.Add(1)
		if b.cb.OnFailed != nil {
			b.cb.OnFailed(cbCtx, job, err)
		}
		return
	}
	q.completed.Add(1)
	if b.cb.OnCompleted != nil {
		b.cb.OnCompleted(cbCtx, job, res)
	}
}

func (b *MemoryBroker) runSweeper() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.sweep(now)
		}
	}
}

func (b *MemoryBroker) sweep(now time.Time) {
	var expired []*lease
	b.mu.Lock()
	for id, l := range b.leases {
		if now.After(l.deadline) {
			expired = append(expired, l)
			delete(b.leases, id)
		}
	}
	b.mu.Unlock()

	for _, l := range expired {
		l.cancel()
		b.mu.Lock()
		q := b.queues[l.job.Queue]
		b.mu.Unlock()
		if q != nil {
			q.stalled.Add(1)
		}
		ctx := logging.WithIDs(context.Background(), l.job.ExecutionID, l.job.NodeID, l.job.ID)
		b.logger.WarnContext(ctx, "job lease expired", "queue", l.job.Queue)
		if b.cb.OnStalled != nil {
			b.cb.OnStalled(ctx, l.job)
		}
	}
}
