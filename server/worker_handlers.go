package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tfswheels/foreman/job"
	"github.com/tfswheels/foreman/quota"
)

// HandleWorkerJob handles requests to /api/worker/jobs/{id}/...
// POST progress: append a progress line
// POST pause: pause on a prompt
// GET answer: poll for the operator's answer
// POST complete: report success
// POST fail: report failure
func (s *Server) HandleWorkerJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/worker/jobs/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID or operation")
		return
	}
	jobID := parts[0]

	switch parts[1] {
	case "progress":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleWorkerProgress(w, r, jobID)
	case "pause":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleWorkerPause(w, r, jobID)
	case "answer":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.handleWorkerAnswer(w, jobID)
	case "complete":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleWorkerComplete(w, r, jobID)
	case "fail":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleWorkerFail(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "Unknown worker operation: "+parts[1])
	}
}

func (s *Server) handleWorkerProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	var req struct {
		Message string `json:"message"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "Missing message")
		return
	}

	if _, err := s.store.Get(jobID); err != nil {
		writeJobError(w, err)
		return
	}
	if err := s.store.AppendProgress(jobID, req.Message); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkerPause(w http.ResponseWriter, r *http.Request, jobID string) {
	var req struct {
		Prompt job.Prompt `json:"prompt"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	j, err := s.store.PauseForPrompt(jobID, req.Prompt)
	if err != nil {
		writeJobError(w, err)
		return
	}
	s.logger.Infow("Job paused on prompt",
		"job_id", shortID(jobID),
		"kind", req.Prompt.Kind,
		"message", req.Prompt.Message)
	writeJSON(w, http.StatusOK, j)
}

// handleWorkerAnswer reports the job's status and any stored answer. The
// paused worker polls this until the status is running again (answered) or
// terminal (give up and exit).
func (s *Server) handleWorkerAnswer(w http.ResponseWriter, jobID string) {
	j, err := s.store.Get(jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": j.Status,
		"answer": j.Answer,
	})
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request, jobID string) {
	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}

	j, err := s.store.Complete(jobID, req.Data)
	if err != nil {
		writeJobError(w, err)
		return
	}
	s.logger.Infow("Job completed", "job_id", shortID(jobID))
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleWorkerFail(w http.ResponseWriter, r *http.Request, jobID string) {
	var req struct {
		Error string `json:"error"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	j, err := s.store.Fail(jobID, req.Error)
	if err != nil {
		writeJobError(w, err)
		return
	}
	s.logger.Warnw("Job failed", "job_id", shortID(jobID), "reason", req.Error)
	writeJSON(w, http.StatusOK, j)
}

// HandleQuotaReserve handles POST /api/worker/quota/reserve.
// Grants up to the requested number of budget units for a category today.
func (s *Server) HandleQuotaReserve(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Day      string `json:"day,omitempty"`
		Category string `json:"category"`
		Count    int    `json:"count"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "Missing category")
		return
	}

	day := req.Day
	if day == "" {
		day = quota.DayKey(time.Now())
	}

	granted, err := s.quota.Reserve(day, req.Category, req.Count)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"day":     day,
		"granted": granted,
	})
}
