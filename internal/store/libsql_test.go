package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:   uuid.New().String(),
		Name: "test-workflow",
		Graph: schema.WorkflowGraph{
			Nodes: []schema.Node{
				{ID: "prompt", Type: schema.NodeTypePrompt},
				{ID: "image", Type: schema.NodeTypeImageGen},
			},
			Edges: []schema.Edge{
				{ID: "e1", Source: "prompt", SourceHandle: "text", Target: "image", TargetHandle: "prompt"},
			},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s *LibSQLStore, wf *Workflow) *Execution {
	t.Helper()
	ex := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusRunning,
		Inputs:     map[string]any{"seed": float64(42)},
	}
	require.NoError(t, s.CreateExecution(context.Background(), ex))
	return ex
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "test-workflow", got.Name)
	assert.Len(t, got.Graph.Nodes, 2)
	assert.Len(t, got.Graph.Edges, 1)
	assert.Nil(t, got.Interface)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	lmErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, lmErr.Code)
}

func TestUpdateWorkflow_Interface(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	iface := &schema.WorkflowInterface{
		Inputs:  []schema.InputPort{{Name: "prompt", Type: schema.HandleText, Required: true}},
		Outputs: []schema.OutputPort{{Name: "image", Type: schema.HandleImage}},
	}
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{Interface: iface}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Interface)
	assert.Equal(t, "prompt", got.Interface.Inputs[0].Name)
	assert.Equal(t, schema.HandleImage, got.Interface.Outputs[0].Type)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err := s.GetWorkflow(ctx, wf.ID)
	require.Error(t, err)
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.WorkflowID)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.Equal(t, schema.ExecutionModeAsync, got.Mode)
	assert.Equal(t, float64(42), got.Inputs["seed"])
}

func TestUpdateExecution_CostAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)

	done := schema.ExecutionStatusCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:      &done,
		Cost:        &schema.CostSummary{Estimated: 0.10, Actual: 0.12},
		Outputs:     json.RawMessage(`{"image":"s3://bucket/img.png"}`),
		CompletedAt: &now,
	}))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.InDelta(t, 0.10, got.Cost.Estimated, 1e-9)
	assert.InDelta(t, 0.12, got.Cost.Actual, 1e-9)
	assert.InDelta(t, 0.02, got.Cost.Variance, 1e-9)
	assert.JSONEq(t, `{"image":"s3://bucket/img.png"}`, string(got.Outputs))
	require.NotNil(t, got.CompletedAt)
}

func TestListExecutions_ByParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	parent := seedExecution(t, s, wf)

	child := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		ParentID:   parent.ID,
		Status:     schema.ExecutionStatusRunning,
	}
	require.NoError(t, s.CreateExecution(ctx, child))

	list, err := s.ListExecutions(ctx, ExecutionFilter{ParentID: parent.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, child.ID, list[0].ID)
}

// --- Node Result Tests ---

func TestUpsertNodeResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)

	nr := &NodeResult{
		ExecutionID: ex.ID,
		NodeID:      "image",
		Status:      schema.NodeStatusRunning,
		Attempts:    1,
	}
	require.NoError(t, s.UpsertNodeResult(ctx, nr))

	nr.Status = schema.NodeStatusCompleted
	nr.Output = json.RawMessage(`{"url":"s3://x"}`)
	nr.CostActual = 0.04
	require.NoError(t, s.UpsertNodeResult(ctx, nr))

	got, err := s.GetNodeResult(ctx, ex.ID, "image")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.InDelta(t, 0.04, got.CostActual, 1e-9)
	assert.JSONEq(t, `{"url":"s3://x"}`, string(got.Output))
}

// --- Dispatched Job Tests ---

func seedJob(t *testing.T, s *LibSQLStore, ex *Execution) *DispatchedJob {
	t.Helper()
	job := &DispatchedJob{
		ID:           uuid.New().String(),
		QueueName:    "image-generation",
		ExecutionID:  ex.ID,
		NodeID:       "image",
		Payload:      json.RawMessage(`{"prompt":"a fox"}`),
		AttemptsMade: 1,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)
	job := seedJob(t, s, ex)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusEnqueued, got.Status)
	assert.Equal(t, "image-generation", got.QueueName)
	assert.False(t, got.InDlq)
	assert.False(t, got.ManualRetry)
}

func TestUpdateJob_DeadLetterFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)
	job := seedJob(t, s, ex)

	failed := schema.JobStatusFailed
	inDlq := true
	errMsg := "provider timeout"
	require.NoError(t, s.UpdateJob(ctx, job.ID, JobUpdate{
		Status: &failed,
		InDlq:  &inDlq,
		Error:  &errMsg,
	}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusFailed, got.Status)
	assert.True(t, got.InDlq)
	assert.Equal(t, "provider timeout", got.Error)
}

func TestListJobs_DlqFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)

	live := seedJob(t, s, ex)
	dead := seedJob(t, s, ex)
	inDlq := true
	require.NoError(t, s.UpdateJob(ctx, dead.ID, JobUpdate{InDlq: &inDlq}))

	dlq, err := s.ListJobs(ctx, JobFilter{InDlq: &inDlq})
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, dead.ID, dlq[0].ID)

	all, err := s.ListJobs(ctx, JobFilter{ExecutionID: ex.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_ = live
}

func TestRetryJob_PreservesOriginalRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)
	original := seedJob(t, s, ex)

	retry := &DispatchedJob{
		ID:          uuid.New().String(),
		QueueName:   original.QueueName,
		ExecutionID: ex.ID,
		NodeID:      original.NodeID,
		RetryOf:     original.ID,
		ManualRetry: true,
	}
	require.NoError(t, s.CreateJob(ctx, retry))

	got, err := s.GetJob(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, original.ID, got.RetryOf)
	assert.True(t, got.ManualRetry)

	// The original row must still exist.
	orig, err := s.GetJob(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.ID, orig.ID)
}

func TestCountJobsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)

	seedJob(t, s, ex)
	second := seedJob(t, s, ex)
	active := schema.JobStatusActive
	require.NoError(t, s.UpdateJob(ctx, second.ID, JobUpdate{Status: &active}))

	counts, err := s.CountJobsByStatus(ctx, "image-generation")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[schema.JobStatusEnqueued])
	assert.Equal(t, 1, counts[schema.JobStatusActive])
}
