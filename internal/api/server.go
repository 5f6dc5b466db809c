// Package api serves the HTTP interface: goal submission, job and task
// control, trust decisions and the live event stream.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/orchestrator"
)

// Options configures a Server.
type Options struct {
	AllowedOrigins   []string
	Heartbeat        time.Duration // SSE keepalive interval
	SubscriberBuffer int
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch   *orchestrator.Orchestrator
	bus    *events.EventBus
	logger *slog.Logger
	opts   Options
}

// NewServer creates a server.
func NewServer(orch *orchestrator.Orchestrator, bus *events.EventBus, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}
	return &Server{orch: orch, bus: bus, logger: logger, opts: opts}
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/action/submit_goal", s.submitGoal).Methods(http.MethodPost)

	r.HandleFunc("/api/orch/jobs", s.listJobs).Methods(http.MethodGet)
	orch := r.PathPrefix("/api/orchestrator").Subrouter()
	orch.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	orch.HandleFunc("/interact/{promptId}", s.interact).Methods(http.MethodPost)
	orch.HandleFunc("/cancel/{jobId}", s.cancelJob).Methods(http.MethodPost)

	trust := r.PathPrefix("/api/trust").Subrouter()
	trust.HandleFunc("/status", s.trustStatus).Methods(http.MethodGet)
	trust.HandleFunc("/pending", s.pendingPrompts).Methods(http.MethodGet)
	trust.HandleFunc("/decide", s.decide).Methods(http.MethodPost)
	trust.HandleFunc("/kill", s.kill).Methods(http.MethodPost)

	ghost := r.PathPrefix("/api/ghost").Subrouter()
	ghost.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	ghost.HandleFunc("/statistics", s.statistics).Methods(http.MethodGet)
	ghost.HandleFunc("/task/{id}/{action:cancel|pause|resume}", s.controlTask).Methods(http.MethodPost)
	ghost.HandleFunc("/{kind}", s.submitTask).Methods(http.MethodPost)

	r.HandleFunc("/api/events", s.streamEvents).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start).String())
	})
}

// statusRecorder keeps Flush reachable for the event stream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": s.orch.IsPaused()})
}
