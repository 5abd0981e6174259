package dispatch

import (
	"context"
	"sort"

	"github.com/rivet-studio/loom/pkg/schema"
)

// QueueMetrics is the point-in-time state of one queue, combining broker
// counters with the persisted job audit trail.
type QueueMetrics struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Stalled   int    `json:"stalled"`
}

// JobStats aggregates the persisted job rows across all queues.
type JobStats struct {
	Total     int `json:"total"`
	Enqueued  int `json:"enqueued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Stalled   int `json:"stalled"`
	Recovered int `json:"recovered"`
	InDlq     int `json:"in_dlq"`
}

// QueueMetrics reports broker counters for every queue in the registry.
func (d *Dispatcher) QueueMetrics(ctx context.Context) []QueueMetrics {
	queues := d.registry.Queues()
	sort.Strings(queues)

	out := make([]QueueMetrics, 0, len(queues))
	for _, q := range queues {
		c := d.broker.Counts(q)
		out = append(out, QueueMetrics{
			Queue:     q,
			Waiting:   c.Waiting,
			Active:    c.Active,
			Completed: c.Completed,
			Failed:    c.Failed,
			Delayed:   d.delayedCount(q),
			Stalled:   c.Stalled,
		})
	}
	return out
}

// JobStats aggregates the persisted audit trail.
func (d *Dispatcher) JobStats(ctx context.Context) (*JobStats, error) {
	counts, err := d.store.CountJobsByStatus(ctx, "")
	if err != nil {
		return nil, err
	}
	dlq, err := d.store.CountDlqJobs(ctx)
	if err != nil {
		return nil, err
	}
	recovered, err := d.store.CountRecoveredJobs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &JobStats{
		Enqueued:  counts[schema.JobStatusEnqueued],
		Active:    counts[schema.JobStatusActive],
		Completed: counts[schema.JobStatusCompleted],
		Failed:    counts[schema.JobStatusFailed],
		Stalled:   counts[schema.JobStatusStalled],
		Recovered: recovered,
		InDlq:     dlq,
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
