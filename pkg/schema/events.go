package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionResumed   = "execution_resumed"

	EventNodeDispatched = "node_dispatched"
	EventNodeStarted    = "node_started"
	EventNodeCompleted  = "node_completed"
	EventNodeFailed     = "node_failed"
	EventNodeSkipped    = "node_skipped"

	EventJobEnqueued     = "job_enqueued"
	EventJobStalled      = "job_stalled"
	EventJobRecovered    = "job_recovered"
	EventJobDeadLettered = "job_dead_lettered"
	EventJobRetried      = "job_retried"
	EventJobManualRetry  = "job_manual_retry"

	EventSubworkflowStarted   = "subworkflow_started"
	EventSubworkflowCompleted = "subworkflow_completed"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// NodeStatus represents the lifecycle state of a node within an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// JobStatus represents the state of a dispatched queue job.
// Lifecycle: enqueued -> active -> {completed | stalled | failed}.
// Stalled means the lease expired without a terminal report.
type JobStatus string

const (
	JobStatusEnqueued  JobStatus = "enqueued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusStalled   JobStatus = "stalled"
	JobStatusFailed    JobStatus = "failed"
)
