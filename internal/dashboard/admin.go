package dashboard

import (
	"net/http"
)

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Dispatcher().QueueMetrics(r.Context()))
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Engine.Dispatcher().JobStats(r.Context())
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDlq(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := s.deps.Recoverer.GetDlqJobs(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) handleRetryFromDlq(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	newJobID, err := s.deps.Recoverer.RetryFromDlq(r.Context(), jobID)
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "retry_job_id": newJobID})
}

func (s *Server) handleRecoverStalled(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Recoverer.RecoverStalledJobs(r.Context())
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecoverExecution(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Recoverer.RecoverExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
