package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/pkg/schema"
)

func TestTransitionExecution(t *testing.T) {
	assert.NoError(t, TransitionExecution(schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	assert.NoError(t, TransitionExecution(schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))
	assert.NoError(t, TransitionExecution(schema.ExecutionStatusRunning, schema.ExecutionStatusFailed))
	assert.NoError(t, TransitionExecution(schema.ExecutionStatusPending, schema.ExecutionStatusCancelled))

	// No resurrection out of terminal states.
	for _, from := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		err := TransitionExecution(from, schema.ExecutionStatusRunning)
		require.Error(t, err, from)
		lmErr, ok := err.(*schema.LoomError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, lmErr.Code)
	}

	// Pending cannot jump straight to completed.
	assert.Error(t, TransitionExecution(schema.ExecutionStatusPending, schema.ExecutionStatusCompleted))
}

func TestTransitionNode(t *testing.T) {
	assert.NoError(t, TransitionNode(schema.NodeStatusPending, schema.NodeStatusRunning))
	assert.NoError(t, TransitionNode(schema.NodeStatusRunning, schema.NodeStatusCompleted))
	assert.NoError(t, TransitionNode(schema.NodeStatusRunning, schema.NodeStatusRunning), "redispatch keeps the node running")
	assert.NoError(t, TransitionNode(schema.NodeStatusFailed, schema.NodeStatusRunning), "manual DLQ retry reopens a failed node")

	assert.Error(t, TransitionNode(schema.NodeStatusCompleted, schema.NodeStatusRunning))
	assert.Error(t, TransitionNode(schema.NodeStatusSkipped, schema.NodeStatusRunning))
	assert.Error(t, TransitionNode(schema.NodeStatusPending, schema.NodeStatusCompleted))
}

func TestExecutionEventType(t *testing.T) {
	assert.Equal(t, schema.EventExecutionStarted, executionEventType(schema.ExecutionStatusRunning))
	assert.Equal(t, schema.EventExecutionCompleted, executionEventType(schema.ExecutionStatusCompleted))
	assert.Equal(t, schema.EventExecutionFailed, executionEventType(schema.ExecutionStatusFailed))
	assert.Equal(t, schema.EventExecutionCancelled, executionEventType(schema.ExecutionStatusCancelled))
	assert.Equal(t, "", executionEventType(schema.ExecutionStatusPending))
}
