package engine

import (
	"github.com/rivet-studio/loom/pkg/schema"
)

// validExecutionTransitions defines the legal execution status machine.
// Terminal states have no outgoing transitions.
var validExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
}

// validNodeTransitions defines the legal node status machine. failed -> pending
// covers operator retries out of the dead-letter queue; running -> running
// covers redispatch after a transient attempt failure.
var validNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {
		schema.NodeStatusRunning,
		schema.NodeStatusSkipped,
		schema.NodeStatusFailed,
	},
	schema.NodeStatusRunning: {
		schema.NodeStatusRunning,
		schema.NodeStatusCompleted,
		schema.NodeStatusFailed,
		schema.NodeStatusSkipped,
	},
	schema.NodeStatusFailed: {
		schema.NodeStatusPending,
		schema.NodeStatusRunning,
	},
}

// TransitionExecution validates a status change, returning an
// INVALID_TRANSITION error when the machine forbids it.
func TransitionExecution(from, to schema.ExecutionStatus) error {
	for _, allowed := range validExecutionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"execution cannot move from %s to %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// TransitionNode validates a node status change.
func TransitionNode(from, to schema.NodeStatus) error {
	for _, allowed := range validNodeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"node cannot move from %s to %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// executionEventType maps a terminal-bound status change to the event log
// type recorded for it.
func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}
