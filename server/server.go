// Package server exposes the orchestrator over HTTP: an operator surface for
// the back-office frontend and a worker surface the spawned processes report
// to. Both surfaces are thin; all semantics live in the job, quota,
// supervisor, and schedule packages.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tfswheels/foreman/job"
	"github.com/tfswheels/foreman/quota"
	"github.com/tfswheels/foreman/schedule"
	"github.com/tfswheels/foreman/supervisor"
)

// JobRunner is the slice of the supervisor the HTTP handlers need.
type JobRunner interface {
	Launch(j *job.Job) error
	Terminate(id string) (*job.Job, error)
	Metrics() (*supervisor.SystemMetrics, error)
}

// Server is the orchestrator's HTTP frontend.
type Server struct {
	db        *sql.DB
	store     *job.Store
	quota     *quota.Ledger
	runner    JobRunner
	schedules *schedule.Store
	logger    *zap.SugaredLogger

	allowedOrigins []string
	mux            *http.ServeMux
	httpServer     *http.Server

	mu        sync.Mutex
	wsClients map[*wsClient]bool
	startedAt time.Time
}

// Config holds the server's listen and CORS settings.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// New creates the server and registers all routes.
func New(db *sql.DB, store *job.Store, ledger *quota.Ledger, runner JobRunner, schedules *schedule.Store, cfg Config, log *zap.SugaredLogger) *Server {
	s := &Server{
		db:             db,
		store:          store,
		quota:          ledger,
		runner:         runner,
		schedules:      schedules,
		logger:         log,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
		wsClients:      make(map[*wsClient]bool),
		startedAt:      time.Now().UTC(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP handlers
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	s.mux.HandleFunc("/ws", s.corsMiddleware(s.HandleJobFeed))

	// Operator surface
	s.mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))               // List jobs (GET)
	s.mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))               // Start, get, progress, terminate, answer
	s.mux.HandleFunc("/api/schedules", s.corsMiddleware(s.HandleSchedules))     // List/create schedules (GET/POST)
	s.mux.HandleFunc("/api/schedules/", s.corsMiddleware(s.HandleSchedule))     // Individual schedule (GET/PATCH/DELETE)
	s.mux.HandleFunc("/api/quota", s.corsMiddleware(s.HandleQuota))             // Budget status (GET)

	// Worker surface
	s.mux.HandleFunc("/api/worker/jobs/", s.corsMiddleware(s.HandleWorkerJob))          // Progress, pause, answer, complete, fail
	s.mux.HandleFunc("/api/worker/quota/reserve", s.corsMiddleware(s.HandleQuotaReserve)) // Reserve budget units (POST)
}

// Handler returns the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes all websocket feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeJobFeeds()
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware sets CORS headers for allowed origins and answers preflight.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// checkOrigin validates an Origin header against the configured allow list.
// Prefix matching allows any port number on an allowed host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// No origin header means a direct client, not a browser
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
