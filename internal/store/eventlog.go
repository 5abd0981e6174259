package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rivet-studio/loom/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. A write-intent statement forces immediate lock acquisition so
// concurrent appenders cannot interleave sequence reads and writes.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx alone may start a deferred transaction, so write
	// and delete a noop row to upgrade to a write lock before reading the
	// sequence counter.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays the full event log of an execution and returns the
// reconstructed per-node states. Returns an error if sequence gaps are
// detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*NodeResult, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*NodeResult), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*NodeResult)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		nr, ok := states[e.NodeID]
		if !ok {
			nr = &NodeResult{
				ExecutionID: executionID,
				NodeID:      e.NodeID,
				Status:      schema.NodeStatusPending,
			}
			states[e.NodeID] = nr
		}

		switch e.Type {
		case schema.EventNodeDispatched:
			// Dispatch precedes the worker picking the job up, the node
			// stays pending until node_started arrives.
			nr.Attempts++

		case schema.EventNodeStarted:
			nr.Status = schema.NodeStatusRunning
			ts := e.Timestamp
			nr.StartedAt = &ts

		case schema.EventNodeCompleted:
			nr.Status = schema.NodeStatusCompleted
			ts := e.Timestamp
			nr.CompletedAt = &ts
			nr.Output = e.Payload
			if nr.StartedAt != nil {
				nr.DurationMs = ts.Sub(*nr.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			nr.Status = schema.NodeStatusFailed
			nr.Error = e.Payload

		case schema.EventNodeSkipped:
			nr.Status = schema.NodeStatusSkipped

		case schema.EventJobRetried, schema.EventJobManualRetry:
			// A retry re-enters the dispatch path; the next node_dispatched
			// event counts the attempt.
			nr.Status = schema.NodeStatusPending
		}
	}

	return states, nil
}
