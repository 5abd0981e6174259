package dashboard

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rivet-studio/loom/internal/engine"
	"github.com/rivet-studio/loom/internal/recovery"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/internal/streaming"
)

// Deps holds the dependencies for the dashboard server.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Recoverer *recovery.Recoverer
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server exposes the operator surface over HTTP: workflow CRUD, run and
// cancel, execution inspection, queue metrics, DLQ paging, the recovery
// actions, and SSE event streams.
type Server struct {
	deps Deps
}

// NewServer creates a dashboard server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the dashboard routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Workflows.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/validate", s.handleValidateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/estimate", s.handleEstimateWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/run", s.handleRunWorkflow)

	// Subworkflow references.
	mux.HandleFunc("POST /api/workflows/{id}/nodes/{nodeId}/subworkflow", s.handleSelectSubworkflow)
	mux.HandleFunc("POST /api/workflows/{id}/nodes/{nodeId}/subworkflow/refresh", s.handleRefreshSubworkflow)

	// Executions.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /api/executions/{id}/rerun", s.handleRerunExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /api/executions/{id}/jobs", s.handleGetExecutionJobs)
	mux.HandleFunc("POST /api/executions/{id}/recover", s.handleRecoverExecution)

	// Metrics, DLQ, recovery.
	mux.HandleFunc("GET /api/metrics/queues", s.handleQueueMetrics)
	mux.HandleFunc("GET /api/metrics/jobs", s.handleJobStats)
	mux.HandleFunc("GET /api/dlq", s.handleListDlq)
	mux.HandleFunc("POST /api/dlq/{jobId}/retry", s.handleRetryFromDlq)
	mux.HandleFunc("POST /api/recovery/stalled", s.handleRecoverStalled)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
