package store

import (
	"encoding/json"
	"time"

	"github.com/rivet-studio/loom/pkg/schema"
)

// Workflow is a stored graph definition. The published interface is the
// contract other workflows see when they reference this one.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Graph       schema.WorkflowGraph      `json:"graph"`
	Interface   *schema.WorkflowInterface `json:"interface,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Execution is one run of a workflow. ParentID links child executions
// spawned by subworkflow nodes back to the run that started them.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	ParentID    string                 `json:"parent_execution_id,omitempty"`
	Mode        schema.ExecutionMode   `json:"mode"`
	Status      schema.ExecutionStatus `json:"status"`
	Inputs      map[string]any         `json:"inputs,omitempty"`
	Outputs     json.RawMessage        `json:"outputs,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	Cost        schema.CostSummary     `json:"cost"`
	ResumedFrom string                 `json:"resumed_from,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NodeResult is the materialized per-node state of an execution.
type NodeResult struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	CostActual  float64           `json:"cost_actual,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// DispatchedJob is the audit record of one job handed to a work queue.
// Rows are never deleted: a dead-lettered job is flagged with InDlq, and a
// retry creates a fresh row whose RetryOf points back at this one.
type DispatchedJob struct {
	ID           string           `json:"id"`
	QueueName    string           `json:"queue_name"`
	ExecutionID  string           `json:"execution_id"`
	NodeID       string           `json:"node_id"`
	Status       schema.JobStatus `json:"status"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Error        string           `json:"error,omitempty"`
	AttemptsMade int              `json:"attempts_made"`
	ManualRetry  bool             `json:"manual_retry"`
	InDlq        bool             `json:"in_dlq"`
	RetryOf      string           `json:"retry_of,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// WorkflowUpdate is a partial update of a stored workflow. Nil fields are
// left untouched.
type WorkflowUpdate struct {
	Name        *string
	Description *string
	Graph       *schema.WorkflowGraph
	Interface   *schema.WorkflowInterface
}

// ExecutionUpdate is a partial update of an execution row.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Outputs     json.RawMessage
	Error       json.RawMessage
	Cost        *schema.CostSummary
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobUpdate is a partial update of a dispatched job row.
type JobUpdate struct {
	Status       *schema.JobStatus
	Error        *string
	AttemptsMade *int
	InDlq        *bool
	ManualRetry  *bool
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	ParentID   string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// JobFilter narrows ListJobs. InDlq and Status are tri-state: nil means
// "any".
type JobFilter struct {
	ExecutionID string
	QueueName   string
	RetryOf     string
	Status      *schema.JobStatus
	InDlq       *bool
	Limit       int
	Offset      int
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	ExecutionID string
	Since       *time.Time
	Limit       int
}
