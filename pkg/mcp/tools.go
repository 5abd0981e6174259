package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/pkg/schema"
)

// handleRun starts a workflow execution.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	mode := req.GetString("mode", "async")

	var (
		ex     *store.Execution
		runErr error
	)
	if mode == "sync" {
		ex, runErr = s.engine.Run(ctx, workflowID, inputs)
	} else {
		ex, runErr = s.engine.RunAsync(ctx, workflowID, inputs)
	}
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	// Map this client's session to the execution so it receives push
	// notifications as the execution progresses.
	s.captureSession(ctx, ex.ID)

	return marshalResult(ex)
}

// handleStatus returns the current state of an execution.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	s.captureSession(ctx, executionID)

	report, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(report)
}

// handleCancel cancels a running execution.
func (s *LoomServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleEstimate prices a workflow without running it.
func (s *LoomServer) handleEstimate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	total, perNode, estErr := s.engine.EstimateWorkflowCost(ctx, workflowID)
	if estErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("estimate failed: %v", estErr)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"total":       total,
		"per_node":    perNode,
	})
}

// handleQuery lists workflows, executions, events, jobs, or the DLQ.
func (s *LoomServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "jobs":
		return s.queryJobs(ctx, filter)
	case "dlq":
		return s.queryDlq(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleRecover repairs stalled jobs, or one interrupted execution.
func (s *LoomServer) handleRecover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")

	if executionID != "" {
		report, recErr := s.recoverer.RecoverExecution(ctx, executionID)
		if recErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("recovery failed: %v", recErr)), nil
		}
		return marshalResult(map[string]any{
			"execution_id": executionID,
			"report":       report,
		})
	}

	report, recErr := s.recoverer.RecoverStalledJobs(ctx)
	if recErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recovery failed: %v", recErr)), nil
	}
	return marshalResult(map[string]any{"report": report})
}

// handleDlqRetry re-dispatches a dead-lettered job.
func (s *LoomServer) handleDlqRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}

	retryJobID, retryErr := s.recoverer.RetryFromDlq(ctx, jobID)
	if retryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dlq retry failed: %v", retryErr)), nil
	}
	return marshalResult(map[string]any{
		"job_id":       jobID,
		"retry_job_id": retryJobID,
	})
}

// handleMetrics reports queue depth and job status counts.
func (s *LoomServer) handleMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.engine.Dispatcher().JobStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("metrics query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"queues": s.engine.Dispatcher().QueueMetrics(ctx),
		"jobs":   stats,
	})
}

// --- Query helpers ---

func (s *LoomServer) queryWorkflows(ctx context.Context) (*mcp.CallToolResult, error) {
	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *LoomServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if parentID, ok := filter["parent_id"].(string); ok {
		ef.ParentID = parentID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *LoomServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, _ := filter["execution_id"].(string)
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}

	since := int64(extractInt(filter, "since_sequence", 0))
	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *LoomServer) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jf := store.JobFilter{
		Limit:  extractInt(filter, "limit", 100),
		Offset: extractInt(filter, "offset", 0),
	}
	if executionID, ok := filter["execution_id"].(string); ok {
		jf.ExecutionID = executionID
	}
	if queueName, ok := filter["queue"].(string); ok {
		jf.QueueName = queueName
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		js := schema.JobStatus(status)
		jf.Status = &js
	}

	jobs, err := s.store.ListJobs(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

func (s *LoomServer) queryDlq(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jobs, total, err := s.recoverer.GetDlqJobs(ctx, extractInt(filter, "limit", 50), extractInt(filter, "offset", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"dlq": jobs, "total": total})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps an execution ID to the calling MCP session so it can
// receive push notifications for that execution.
func (s *LoomServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
