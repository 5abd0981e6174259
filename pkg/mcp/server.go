package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rivet-studio/loom/internal/engine"
	"github.com/rivet-studio/loom/internal/recovery"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/internal/streaming"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Engine    *engine.Engine
	Store     store.Store
	Recoverer *recovery.Recoverer
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// LoomServer wraps an MCP server with loom-specific tool handlers.
type LoomServer struct {
	engine    *engine.Engine
	store     store.Store
	recoverer *recovery.Recoverer
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewLoomServer creates a new LoomServer with all 8 tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		engine:    deps.Engine,
		store:     deps.Store,
		recoverer: deps.Recoverer,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom executes content-generation workflow graphs. Use loom.run to start a workflow, loom.status to inspect an execution, loom.cancel to stop one, loom.estimate to price a workflow before running it, loom.query to list workflows/executions/events/jobs, loom.recover to repair stalled work, loom.dlq_retry to replay a dead-lettered job, and loom.metrics for queue health."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 8 registered MCP tools as ServerTool entries.
func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: estimateTool(), Handler: s.handleEstimate},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: recoverTool(), Handler: s.handleRecover},
		{Tool: dlqRetryTool(), Handler: s.handleDlqRetry},
		{Tool: metricsTool(), Handler: s.handleMetrics},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("loom.run",
		mcp.WithDescription("Execute a workflow graph"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("inputs", mcp.Description("Input values for the execution")),
		mcp.WithString("mode", mcp.Enum("sync", "async"), mcp.Description("sync blocks until the execution settles, async returns immediately (default: async)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom.status",
		mcp.WithDescription("Get execution status with per-node results and dispatched jobs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("loom.cancel",
		mcp.WithDescription("Cancel a running execution; settled nodes keep their results and billed cost"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func estimateTool() mcp.Tool {
	return mcp.NewTool("loom.estimate",
		mcp.WithDescription("Estimate the cost of a workflow before running it, including nested subworkflows"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to estimate")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("loom.query",
		mcp.WithDescription("Query workflows, executions, events, jobs, or the dead letter queue"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "events", "jobs", "dlq"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, execution_id, parent_id, status, queue, since, limit, offset)")),
	)
}

func recoverTool() mcp.Tool {
	return mcp.NewTool("loom.recover",
		mcp.WithDescription("Recover stalled work. With execution_id, repairs one interrupted execution and resumes it; without, sweeps all stalled jobs"),
		mcp.WithString("execution_id", mcp.Description("Execution to recover (omit to sweep every stalled job)")),
	)
}

func dlqRetryTool() mcp.Tool {
	return mcp.NewTool("loom.dlq_retry",
		mcp.WithDescription("Re-dispatch a job from the dead letter queue"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the dead-lettered job")),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("loom.metrics",
		mcp.WithDescription("Queue depths, job status counts, and DLQ size"),
	)
}
