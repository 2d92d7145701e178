package server

import (
	"net/http"
	"time"

	"github.com/tfswheels/foreman/quota"
)

// HandleQuota handles GET /api/quota?day=YYYY-MM-DD.
// Without a day parameter it reports today.
func (s *Server) HandleQuota(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	day := r.URL.Query().Get("day")
	if day == "" {
		day = quota.DayKey(time.Now())
	} else if _, err := time.Parse(quota.DayKeyLayout, day); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid day, expected YYYY-MM-DD: "+day)
		return
	}

	status, err := s.quota.Status(day)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleHealth handles GET /health with job counts and system metrics.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	metrics, err := s.runner.Metrics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"metrics":        metrics,
	})
}
