// Package api serves the workflow operations as HTTP JSON, live run events
// as Server-Sent Events, and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/service"
	"github.com/rendis/opflow/internal/streaming"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Service *service.Service
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Definitions.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateDraft)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PATCH /api/workflows/{id}", s.handleUpdateDraft)
	mux.HandleFunc("POST /api/workflows/{id}/publish", s.handlePublish)
	mux.HandleFunc("POST /api/workflows/{id}/runs", s.handleRunWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/schedule-health", s.handleScheduleHealth)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleWorkflowDiagram)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handlePollRun)
	mux.HandleFunc("GET /api/runs/{id}/details", s.handleRunDetails)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /api/runs/{id}/replay", s.handleReplayRun)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)
	mux.HandleFunc("POST /api/runs/{id}/pause", s.handlePauseRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	// Triggers and schedules.
	mux.HandleFunc("POST /api/triggers/evaluate", s.handleEvaluateTrigger)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)

	// SSE streams.
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)
	mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return instrument(mux)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records request counts and latency keyed by route pattern.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
