package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tfswheels/foreman/errors"
	"github.com/tfswheels/foreman/job"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// writeJobError maps domain errors onto HTTP status codes.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrNotAwaitingInput):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrStaleTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrQuotaExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleJobs handles requests to /api/jobs
// GET: List jobs, optionally filtered by status and category
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	filter := job.Filter{Limit: defaultJobLimit}
	if v := r.URL.Query().Get("status"); v != "" {
		if !job.IsValidStatus(v) {
			writeError(w, http.StatusBadRequest, "Invalid status: "+v)
			return
		}
		st := job.Status(v)
		filter.Status = &st
	}
	if v := r.URL.Query().Get("category"); v != "" {
		filter.Category = v
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit: "+v)
			return
		}
		if n > maxJobLimit {
			n = maxJobLimit
		}
		filter.Limit = n
	}

	jobs, err := s.store.List(filter)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleJob handles requests to /api/jobs/...
// POST /api/jobs/{category}/start: create and launch a job
// GET /api/jobs/{id}: job details
// GET /api/jobs/{id}/progress: progress log
// POST /api/jobs/{id}/terminate: stop the job's worker
// POST /api/jobs/{id}/answer: answer an open prompt
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}

	if len(parts) > 1 && parts[1] == "start" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleStartJob(w, r, parts[0])
		return
	}

	jobID := parts[0]
	if len(parts) > 1 && parts[1] != "" {
		switch parts[1] {
		case "progress":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			s.handleJobProgress(w, jobID)
		case "terminate":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			s.handleTerminateJob(w, jobID)
		case "answer":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			s.handleAnswerJob(w, r, jobID)
		default:
			writeError(w, http.StatusNotFound, "Unknown job operation: "+parts[1])
		}
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	j, err := s.store.Get(jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request, category string) {
	if !job.IsValidCategory(category) {
		writeError(w, http.StatusBadRequest, "Unknown job category: "+category)
		return
	}

	var req struct {
		Config json.RawMessage `json:"config"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}

	j, err := s.store.Create(category, req.Config)
	if err != nil {
		writeJobError(w, err)
		return
	}

	s.logger.Infow("Job start requested", "job_id", shortID(j.ID), "category", category)

	if err := s.runner.Launch(j); err != nil {
		// The job row exists and is already marked failed.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	started, err := s.store.Get(j.ID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

func (s *Server) handleJobProgress(w http.ResponseWriter, jobID string) {
	if _, err := s.store.Get(jobID); err != nil {
		writeJobError(w, err)
		return
	}
	entries, err := s.store.Progress(jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if entries == nil {
		entries = []job.ProgressEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"entries": entries,
	})
}

func (s *Server) handleTerminateJob(w http.ResponseWriter, jobID string) {
	j, err := s.runner.Terminate(jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	s.logger.Infow("Job terminated via API", "job_id", shortID(jobID))
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleAnswerJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var req struct {
		Answer json.RawMessage `json:"answer"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Answer) == 0 {
		writeError(w, http.StatusBadRequest, "Missing answer")
		return
	}

	j, err := s.store.SubmitAnswer(jobID, req.Answer)
	if err != nil {
		writeJobError(w, err)
		return
	}
	s.logger.Infow("Prompt answered", "job_id", shortID(jobID))
	writeJSON(w, http.StatusOK, j)
}
