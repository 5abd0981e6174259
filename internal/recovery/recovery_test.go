package recovery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/internal/dispatch"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/pkg/schema"
)

type fakeHooks struct {
	mu          sync.Mutex
	redispatched []struct {
		NodeID  string
		RetryOf string
		Manual  bool
	}
	failed  []string
	resumed []string
	store   store.Store
}

func (f *fakeHooks) Redispatch(ctx context.Context, executionID, nodeID, retryOf string, manual bool) (*store.DispatchedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redispatched = append(f.redispatched, struct {
		NodeID  string
		RetryOf string
		Manual  bool
	}{nodeID, retryOf, manual})
	job := &store.DispatchedJob{
		ID:          uuid.New().String(),
		QueueName:   "image-generation",
		ExecutionID: executionID,
		NodeID:      nodeID,
		RetryOf:     retryOf,
		ManualRetry: manual,
	}
	return job, f.store.CreateJob(ctx, job)
}

func (f *fakeHooks) FailNode(ctx context.Context, executionID, nodeID string, cause *schema.LoomError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, nodeID)
	return nil
}

func (f *fakeHooks) Resume(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, executionID)
	return nil
}

func newTestRecoverer(t *testing.T) (*Recoverer, *store.LibSQLStore, *fakeHooks) {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	hooks := &fakeHooks{store: s}
	r := NewRecoverer(s, store.NewEventLog(s), dispatch.DefaultRegistry(), hooks, nil)
	return r, s, hooks
}

func seedStalledJob(t *testing.T, s *store.LibSQLStore, attempts int) (*store.Execution, *store.DispatchedJob) {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{
		ID:   uuid.New().String(),
		Name: "wf",
		Graph: schema.WorkflowGraph{
			Nodes: []schema.Node{{ID: "img", Type: schema.NodeTypeImageGen}},
		},
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	ex := &store.Execution{ID: uuid.New().String(), WorkflowID: wf.ID, Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.CreateExecution(ctx, ex))

	job := &store.DispatchedJob{
		ID:           uuid.New().String(),
		QueueName:    "image-generation",
		ExecutionID:  ex.ID,
		NodeID:       "img",
		Status:       schema.JobStatusStalled,
		AttemptsMade: attempts,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	return ex, job
}

func TestRecoverStalledJobs_Requeues(t *testing.T) {
	r, s, hooks := newTestRecoverer(t)
	ctx := context.Background()
	ex, job := seedStalledJob(t, s, 1)

	report, err := r.RecoverStalledJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Zero(t, report.DeadLettered)

	require.Len(t, hooks.redispatched, 1)
	assert.Equal(t, "img", hooks.redispatched[0].NodeID)
	assert.Equal(t, job.ID, hooks.redispatched[0].RetryOf)
	assert.False(t, hooks.redispatched[0].Manual)

	// The stalled row is closed out, not deleted.
	old, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusFailed, old.Status)
	assert.False(t, old.InDlq)

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventJobRecovered, events[0].Type)
}

func TestRecoverStalledJobs_ExhaustedGoesToDlq(t *testing.T) {
	r, s, hooks := newTestRecoverer(t)
	ctx := context.Background()
	// image-generation allows 3 attempts; this job already made them.
	ex, job := seedStalledJob(t, s, 3)

	report, err := r.RecoverStalledJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Empty(t, hooks.redispatched)
	assert.Equal(t, []string{"img"}, hooks.failed)

	dead, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, dead.InDlq)
	assert.Equal(t, schema.JobStatusFailed, dead.Status)

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventJobDeadLettered, events[0].Type)
}

func TestRecoverStalledJobs_Idempotent(t *testing.T) {
	r, s, hooks := newTestRecoverer(t)
	ctx := context.Background()
	seedStalledJob(t, s, 1)

	first, err := r.RecoverStalledJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Requeued)

	// A second pass finds nothing: the stalled row was closed out and the
	// replacement is enqueued, not stalled.
	second, err := r.RecoverStalledJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Requeued)
	assert.Zero(t, second.DeadLettered)
	assert.Len(t, hooks.redispatched, 1)
	_ = s
}

func TestGetDlqJobs_Paging(t *testing.T) {
	r, s, _ := newTestRecoverer(t)
	ctx := context.Background()

	_, job := seedStalledJob(t, s, 3)
	_, err := r.RecoverStalledJobs(ctx)
	require.NoError(t, err)

	page, total, err := r.GetDlqJobs(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, job.ID, page[0].ID)

	// The total still covers rows beyond the requested page.
	empty, total, err := r.GetDlqJobs(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 1, total)
}

func TestRetryFromDlq(t *testing.T) {
	r, s, hooks := newTestRecoverer(t)
	ctx := context.Background()

	ex, job := seedStalledJob(t, s, 3)
	_, err := r.RecoverStalledJobs(ctx)
	require.NoError(t, err)

	newID, err := r.RetryFromDlq(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, newID)

	require.Len(t, hooks.redispatched, 1)
	assert.True(t, hooks.redispatched[0].Manual)
	assert.Equal(t, job.ID, hooks.redispatched[0].RetryOf)

	// Original row survives untouched, DLQ flag included.
	orig, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, orig.InDlq)
	assert.Equal(t, 3, orig.AttemptsMade)

	// A second manual retry of the same row is rejected.
	_, err = r.RetryFromDlq(ctx, job.ID)
	require.Error(t, err)
	lmErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, lmErr.Code)

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventJobManualRetry)
}

func TestRecoverExecution_RepairsAndResumes(t *testing.T) {
	r, s, hooks := newTestRecoverer(t)
	ctx := context.Background()
	ex, _ := seedStalledJob(t, s, 1)

	// The event log says the node started, but no node result was written
	// before the crash.
	el := store.NewEventLog(s)
	require.NoError(t, el.AppendEvent(ctx, &store.Event{
		ExecutionID: ex.ID, NodeID: "img", Type: schema.EventNodeStarted,
	}))

	report, err := r.RecoverExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NodesRepaired)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, []string{ex.ID}, hooks.resumed)

	nr, err := s.GetNodeResult(ctx, ex.ID, "img")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusRunning, nr.Status)
}

func TestRecoverExecution_TerminalIsNoop(t *testing.T) {
	r, s, hooks := newTestRecoverer(t)
	ctx := context.Background()
	ex, _ := seedStalledJob(t, s, 1)

	done := schema.ExecutionStatusCompleted
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{Status: &done}))

	report, err := r.RecoverExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)
	assert.Empty(t, hooks.resumed)
}

func TestSweeper_RunsOnSchedule(t *testing.T) {
	r, s, hooks := newTestRecoverer(t)
	seedStalledJob(t, s, 1)

	sw, err := NewSweeper(r, "* * * * *", nil)
	require.NoError(t, err)

	// Drive one pass directly rather than waiting out the cron minute.
	sw.runOnce(context.Background())
	assert.Len(t, hooks.redispatched, 1)

	require.NoError(t, sw.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	sw.Stop()
}

func TestNewSweeper_BadExpression(t *testing.T) {
	r, _, _ := newTestRecoverer(t)
	_, err := NewSweeper(r, "not a cron", nil)
	require.Error(t, err)
}
