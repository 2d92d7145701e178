package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tfswheels/foreman/schedule"
)

// HandleSchedules handles requests to /api/schedules
// GET: list definitions
// POST: create a definition
func (s *Server) HandleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs, err := s.schedules.List()
		if err != nil {
			writeJobError(w, err)
			return
		}
		if defs == nil {
			defs = []*schedule.Definition{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"schedules": defs,
			"count":     len(defs),
		})
	case http.MethodPost:
		var req struct {
			Category        string          `json:"category"`
			Config          json.RawMessage `json:"config"`
			IntervalSeconds int             `json:"interval_seconds"`
		}
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		d, err := schedule.NewDefinition(req.Category, req.Config,
			time.Duration(req.IntervalSeconds)*time.Second)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.schedules.Create(d); err != nil {
			writeJobError(w, err)
			return
		}
		s.logger.Infow("Schedule created",
			"schedule_id", shortID(d.ID),
			"category", d.Category,
			"interval", d.Interval)
		writeJSON(w, http.StatusCreated, d)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleSchedule handles requests to /api/schedules/{id}
// GET: definition details
// PATCH: enable/disable or change the interval
// DELETE: remove the definition
func (s *Server) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/schedules/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing schedule ID")
		return
	}
	id := parts[0]

	switch r.Method {
	case http.MethodGet:
		d, err := s.schedules.Get(id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodPatch:
		var req struct {
			Enabled         *bool `json:"enabled,omitempty"`
			IntervalSeconds *int  `json:"interval_seconds,omitempty"`
		}
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		d, err := s.schedules.Get(id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		if req.IntervalSeconds != nil {
			d, err = s.schedules.UpdateInterval(id, time.Duration(*req.IntervalSeconds)*time.Second)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if req.Enabled != nil {
			d, err = s.schedules.SetEnabled(id, *req.Enabled)
			if err != nil {
				writeJobError(w, err)
				return
			}
		}
		s.logger.Infow("Schedule updated", "schedule_id", shortID(id))
		writeJSON(w, http.StatusOK, d)
	case http.MethodDelete:
		if err := s.schedules.Delete(id); err != nil {
			writeJobError(w, err)
			return
		}
		s.logger.Infow("Schedule deleted", "schedule_id", shortID(id))
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
