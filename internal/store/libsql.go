package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rivet-studio/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	iface, err := nullableInterface(wf.Interface)
	if err != nil {
		return fmt.Errorf("marshal interface: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, graph, interface, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), string(graph), iface,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var desc, ifaceJSON sql.NullString
	var graphJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, graph, interface, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &desc, &graphJSON, &ifaceJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	if err := json.Unmarshal([]byte(graphJSON), &wf.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if ifaceJSON.Valid && ifaceJSON.String != "" {
		wf.Interface = &schema.WorkflowInterface{}
		if err := json.Unmarshal([]byte(ifaceJSON.String), wf.Interface); err != nil {
			return nil, fmt.Errorf("unmarshal interface: %w", err)
		}
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Graph != nil {
		graph, err := json.Marshal(update.Graph)
		if err != nil {
			return fmt.Errorf("marshal graph: %w", err)
		}
		sets = append(sets, "graph = ?")
		args = append(args, string(graph))
	}
	if update.Interface != nil {
		iface, err := json.Marshal(update.Interface)
		if err != nil {
			return fmt.Errorf("marshal interface: %w", err)
		}
		sets = append(sets, "interface = ?")
		args = append(args, string(iface))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, graph, interface, created_at, updated_at
		 FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var desc, ifaceJSON sql.NullString
		var graphJSON string
		if err := rows.Scan(&wf.ID, &wf.Name, &desc, &graphJSON, &ifaceJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		if err := json.Unmarshal([]byte(graphJSON), &wf.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph: %w", err)
		}
		if ifaceJSON.Valid && ifaceJSON.String != "" {
			wf.Interface = &schema.WorkflowInterface{}
			_ = json.Unmarshal([]byte(ifaceJSON.String), wf.Interface)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	inputs, err := marshalMapOrDefault(ex.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	if ex.Mode == "" {
		ex.Mode = schema.ExecutionModeAsync
	}
	if ex.Status == "" {
		ex.Status = schema.ExecutionStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, parent_execution_id, mode, status, inputs, outputs, error, cost_estimated, cost_actual, resumed_from, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, nullStr(ex.ParentID), string(ex.Mode), string(ex.Status),
		string(inputs), nullRaw(ex.Outputs), nullRaw(ex.Error),
		ex.Cost.Estimated, ex.Cost.Actual, nullStr(ex.ResumedFrom),
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	ex, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, parent_execution_id, mode, status, inputs, outputs, error, cost_estimated, cost_actual, resumed_from, created_at, started_at, completed_at, updated_at
		 FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	ex := &Execution{}
	var (
		parentID, resumedFrom  sql.NullString
		outputJSON, errorJSON  sql.NullString
		inputJSON, mode, state string
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&ex.ID, &ex.WorkflowID, &parentID, &mode, &state,
		&inputJSON, &outputJSON, &errorJSON, &ex.Cost.Estimated, &ex.Cost.Actual,
		&resumedFrom, &ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.ParentID = parentID.String
	ex.ResumedFrom = resumedFrom.String
	ex.Mode = schema.ExecutionMode(mode)
	ex.Status = schema.ExecutionStatus(state)
	ex.Cost.Variance = ex.Cost.Actual - ex.Cost.Estimated
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &ex.Inputs)
	}
	ex.Outputs = rawOrNil(outputJSON)
	ex.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Cost != nil {
		sets = append(sets, "cost_estimated = ?", "cost_actual = ?")
		args = append(args, update.Cost.Estimated, update.Cost.Actual)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_execution_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, parent_execution_id, mode, status, inputs, outputs, error, cost_estimated, cost_actual, resumed_from, created_at, started_at, completed_at, updated_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

// --- Node results ---

func (s *LibSQLStore) UpsertNodeResult(ctx context.Context, nr *NodeResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_results (execution_id, node_id, status, output, error, attempts, cost_actual, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, cost_actual=excluded.cost_actual,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		nr.ExecutionID, nr.NodeID, string(nr.Status), nullRaw(nr.Output), nullRaw(nr.Error),
		nr.Attempts, nr.CostActual, nullTime(nr.StartedAt), nullTime(nr.CompletedAt), nr.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeResult(ctx context.Context, executionID, nodeID string) (*NodeResult, error) {
	nr := &NodeResult{}
	var (
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, node_id, status, output, error, attempts, cost_actual, started_at, completed_at, duration_ms
		 FROM node_results WHERE execution_id = ? AND node_id = ?`, executionID, nodeID,
	).Scan(&nr.ExecutionID, &nr.NodeID, &status, &outputJSON, &errorJSON, &nr.Attempts, &nr.CostActual, &startedAt, &completedAt, &nr.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node result", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	nr.Status = schema.NodeStatus(status)
	nr.Output = rawOrNil(outputJSON)
	nr.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		nr.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		nr.CompletedAt = &completedAt.Time
	}
	return nr, nil
}

func (s *LibSQLStore) ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, status, output, error, attempts, cost_actual, started_at, completed_at, duration_ms
		 FROM node_results WHERE execution_id = ? ORDER BY node_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*NodeResult
	for rows.Next() {
		nr := &NodeResult{}
		var (
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&nr.ExecutionID, &nr.NodeID, &status, &outputJSON, &errorJSON, &nr.Attempts, &nr.CostActual, &startedAt, &completedAt, &nr.DurationMs); err != nil {
			return nil, err
		}
		nr.Status = schema.NodeStatus(status)
		nr.Output = rawOrNil(outputJSON)
		nr.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			nr.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			nr.CompletedAt = &completedAt.Time
		}
		results = append(results, nr)
	}
	return results, rows.Err()
}

// --- Dispatched jobs ---

func (s *LibSQLStore) CreateJob(ctx context.Context, job *DispatchedJob) error {
	if job.Status == "" {
		job.Status = schema.JobStatusEnqueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatched_jobs (id, queue_name, execution_id, node_id, status, payload, error, attempts_made, manual_retry, in_dlq, retry_of, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.QueueName, job.ExecutionID, job.NodeID, string(job.Status),
		nullRaw(job.Payload), nullStr(job.Error), job.AttemptsMade,
		boolInt(job.ManualRetry), boolInt(job.InDlq), nullStr(job.RetryOf),
		timeOrNow(job.CreatedAt), nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) GetJob(ctx context.Context, id string) (*DispatchedJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT id, queue_name, execution_id, node_id, status, payload, error, attempts_made, manual_retry, in_dlq, retry_of, created_at, started_at, finished_at
		 FROM dispatched_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	return job, err
}

func scanJob(row rowScanner) (*DispatchedJob, error) {
	job := &DispatchedJob{}
	var (
		payloadJSON, errMsg, retryOf sql.NullString
		startedAt, finishedAt        sql.NullTime
		manualRetry, inDlq           int
		status                       string
	)
	err := row.Scan(&job.ID, &job.QueueName, &job.ExecutionID, &job.NodeID, &status,
		&payloadJSON, &errMsg, &job.AttemptsMade, &manualRetry, &inDlq, &retryOf,
		&job.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	job.Status = schema.JobStatus(status)
	job.Payload = rawOrNil(payloadJSON)
	job.Error = errMsg.String
	job.ManualRetry = manualRetry != 0
	job.InDlq = inDlq != 0
	job.RetryOf = retryOf.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.AttemptsMade != nil {
		sets = append(sets, "attempts_made = ?")
		args = append(args, *update.AttemptsMade)
	}
	if update.InDlq != nil {
		sets = append(sets, "in_dlq = ?")
		args = append(args, boolInt(*update.InDlq))
	}
	if update.ManualRetry != nil {
		sets = append(sets, "manual_retry = ?")
		args = append(args, boolInt(*update.ManualRetry))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE dispatched_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

func (s *LibSQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*DispatchedJob, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.QueueName != "" {
		where = append(where, "queue_name = ?")
		args = append(args, filter.QueueName)
	}
	if filter.RetryOf != "" {
		where = append(where, "retry_of = ?")
		args = append(args, filter.RetryOf)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.InDlq != nil {
		where = append(where, "in_dlq = ?")
		args = append(args, boolInt(*filter.InDlq))
	}

	query := `SELECT id, queue_name, execution_id, node_id, status, payload, error, attempts_made, manual_retry, in_dlq, retry_of, created_at, started_at, finished_at FROM dispatched_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*DispatchedJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) CountJobsByStatus(ctx context.Context, queueName string) (map[schema.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM dispatched_jobs`
	var args []any
	if queueName != "" {
		query += ` WHERE queue_name = ?`
		args = append(args, queueName)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[schema.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[schema.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *LibSQLStore) CountDlqJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatched_jobs WHERE in_dlq = 1`).Scan(&n)
	return n, err
}

// CountRecoveredJobs counts replacement jobs the system created on its
// own, whether from a stall sweep or retry backoff: rows retrying another
// job without an operator asking for it.
func (s *LibSQLStore) CountRecoveredJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatched_jobs WHERE retry_of IS NOT NULL AND manual_retry = 0`).Scan(&n)
	return n, err
}

// --- Events ---

// AppendEvent inserts an event row. Sequence assignment lives in EventLog;
// direct callers must set Sequence themselves.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		event.Timestamp, event.Sequence,
	)
	return err
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payloadJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payloadJSON, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payloadJSON)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableInterface(i *schema.WorkflowInterface) (any, error) {
	if i == nil {
		return nil, nil
	}
	b, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
