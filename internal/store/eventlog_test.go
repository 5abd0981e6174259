package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore, *Execution) {
	t.Helper()
	s := newTestStore(t)
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf)
	return NewEventLog(s), s, ex
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, _, ex := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &Event{
			ExecutionID: ex.ID,
			NodeID:      "image",
			Type:        schema.EventNodeStarted,
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_ConcurrentAppends_NoGaps(t *testing.T) {
	el, _, ex := newTestEventLog(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = el.AppendEvent(ctx, &Event{
				ExecutionID: ex.ID,
				NodeID:      "image",
				Type:        schema.EventNodeStarted,
			})
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_GetEvents_Since(t *testing.T) {
	el, _, ex := newTestEventLog(t)
	ctx := context.Background()

	for _, typ := range []string{schema.EventExecutionStarted, schema.EventNodeDispatched, schema.EventNodeStarted} {
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: ex.ID, Type: typ}))
	}

	events, err := el.GetEvents(ctx, ex.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventNodeDispatched, events[0].Type)
}

func TestEventLog_Replay_ReconstructsNodeStates(t *testing.T) {
	el, _, ex := newTestEventLog(t)
	ctx := context.Background()

	emit := func(nodeID, typ string, payload json.RawMessage) {
		require.NoError(t, el.AppendEvent(ctx, &Event{
			ExecutionID: ex.ID,
			NodeID:      nodeID,
			Type:        typ,
			Payload:     payload,
		}))
	}

	emit("", schema.EventExecutionStarted, nil)
	emit("prompt", schema.EventNodeDispatched, nil)
	emit("prompt", schema.EventNodeStarted, nil)
	emit("prompt", schema.EventNodeCompleted, json.RawMessage(`{"text":"a fox"}`))
	emit("image", schema.EventNodeDispatched, nil)
	emit("image", schema.EventNodeStarted, nil)
	emit("image", schema.EventNodeFailed, json.RawMessage(`{"code":"PROVIDER_ERROR"}`))
	emit("image", schema.EventJobRetried, nil)
	emit("image", schema.EventNodeDispatched, nil)

	states, err := el.ReplayEvents(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)

	prompt := states["prompt"]
	assert.Equal(t, schema.NodeStatusCompleted, prompt.Status)
	assert.JSONEq(t, `{"text":"a fox"}`, string(prompt.Output))
	assert.Equal(t, 1, prompt.Attempts)

	image := states["image"]
	assert.Equal(t, schema.NodeStatusPending, image.Status, "retried node goes back to pending")
	assert.Equal(t, 2, image.Attempts)
}

func TestEventLog_Replay_DetectsSequenceGap(t *testing.T) {
	el, s, ex := newTestEventLog(t)
	ctx := context.Background()

	// Bypass the log to create a gap deliberately.
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: ex.ID, Type: schema.EventExecutionStarted, Sequence: 1}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: ex.ID, Type: schema.EventNodeStarted, NodeID: "image", Sequence: 3}))

	_, err := el.ReplayEvents(ctx, ex.ID)
	require.Error(t, err)
	lmErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, lmErr.Code)
}

func TestEventLog_Replay_Empty(t *testing.T) {
	el, _, ex := newTestEventLog(t)
	states, err := el.ReplayEvents(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}
