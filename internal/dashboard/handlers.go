package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/rivet-studio/loom/internal/graph"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/pkg/schema"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context())
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string                    `json:"name"`
		Description string                    `json:"description"`
		Graph       schema.WorkflowGraph      `json:"graph"`
		Interface   *schema.WorkflowInterface `json:"interface,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	wf := &store.Workflow{
		ID:          uuid.New().String(),
		Name:        body.Name,
		Description: body.Description,
		Graph:       body.Graph,
		Interface:   body.Interface,
	}
	if err := s.deps.Store.CreateWorkflow(r.Context(), wf); err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        *string                   `json:"name,omitempty"`
		Description *string                   `json:"description,omitempty"`
		Graph       *schema.WorkflowGraph     `json:"graph,omitempty"`
		Interface   *schema.WorkflowInterface `json:"interface,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	id := r.PathValue("id")
	update := store.WorkflowUpdate{
		Name:        body.Name,
		Description: body.Description,
		Graph:       body.Graph,
		Interface:   body.Interface,
	}
	if err := s.deps.Store.UpdateWorkflow(r.Context(), id, update); err != nil {
		writeLoomError(w, err)
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	_, result := graph.Validate(&wf.Graph, s.deps.Engine.Registry())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEstimateWorkflow(w http.ResponseWriter, r *http.Request) {
	total, perNode, err := s.deps.Engine.EstimateWorkflowCost(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"per_node": perNode,
	})
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs map[string]any       `json:"inputs,omitempty"`
		Mode   schema.ExecutionMode `json:"mode,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	id := r.PathValue("id")
	var (
		ex  *store.Execution
		err error
	)
	if body.Mode == schema.ExecutionModeSync {
		ex, err = s.deps.Engine.Run(r.Context(), id, body.Inputs)
	} else {
		ex, err = s.deps.Engine.RunAsync(r.Context(), id, body.Inputs)
	}
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (s *Server) handleSelectSubworkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReferencedWorkflowID string `json:"referenced_workflow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ReferencedWorkflowID == "" {
		writeError(w, http.StatusBadRequest, "referenced_workflow_id is required")
		return
	}

	ref, err := s.deps.Engine.SelectSubworkflow(r.Context(), r.PathValue("id"), r.PathValue("nodeId"), body.ReferencedWorkflowID)
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleRefreshSubworkflow(w http.ResponseWriter, r *http.Request) {
	ref, err := s.deps.Engine.RefreshSubworkflowInterface(r.Context(), r.PathValue("id"), r.PathValue("nodeId"))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		ParentID:   r.URL.Query().Get("parent_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := schema.ExecutionStatus(st)
		filter.Status = &status
	}

	executions, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Engine.Cancel(r.Context(), id); err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "execution_id": id})
}

func (s *Server) handleRerunExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.deps.Engine.RunFrom(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(queryInt(r, "since", 0))
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetExecutionJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListJobs(r.Context(), store.JobFilter{
		ExecutionID: r.PathValue("id"),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}
