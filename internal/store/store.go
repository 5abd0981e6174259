package store

import (
	"context"

	"github.com/rivet-studio/loom/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Node results (materialized view per execution)
	UpsertNodeResult(ctx context.Context, nr *NodeResult) error
	GetNodeResult(ctx context.Context, executionID, nodeID string) (*NodeResult, error)
	ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error)

	// Dispatched jobs (append-and-update; rows are never deleted)
	CreateJob(ctx context.Context, job *DispatchedJob) error
	GetJob(ctx context.Context, id string) (*DispatchedJob, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*DispatchedJob, error)
	CountJobsByStatus(ctx context.Context, queueName string) (map[schema.JobStatus]int, error)
	CountDlqJobs(ctx context.Context) (int, error)
	CountRecoveredJobs(ctx context.Context) (int, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
