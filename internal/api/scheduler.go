package api

import (
	"errors"
	"net/http"

	"github.com/clawinfra/parlo/internal/scheduler"
)

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, scheduler.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.GetStats())
}

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !s.schedulerReady(w) {
		return
	}
	jobs := s.scheduler.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// handleSchedulerJobRoutes serves GET /api/scheduler/jobs/{id} and
// POST /api/scheduler/jobs/{id}/run.
func (s *Server) handleSchedulerJobRoutes(w http.ResponseWriter, r *http.Request) {
	var id, action string
	switch parts := pathParts(r.URL.Path, "/api/scheduler/jobs/"); len(parts) {
	case 1:
		id = parts[0]
	case 2:
		id, action = parts[0], parts[1]
	default:
		writeError(w, http.StatusNotFound, "no such scheduler route")
		return
	}
	if !s.schedulerReady(w) {
		return
	}

	switch action {
	case "":
		if !allow(w, r, http.MethodGet) {
			return
		}
		job, err := s.scheduler.GetJob(id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "run":
		if !allow(w, r, http.MethodPost) {
			return
		}
		if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "executed", "job": id})
	default:
		writeError(w, http.StatusNotFound, "unknown job action "+action)
	}
}

func (s *Server) schedulerReady(w http.ResponseWriter) bool {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not enabled")
		return false
	}
	return true
}

func writeJobError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, scheduler.ErrJobNotFound) {
		status = http.StatusNotFound
	}
	writeError(w, status, err.Error())
}
