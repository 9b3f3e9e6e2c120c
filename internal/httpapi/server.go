// Package httpapi exposes the service over one HTTP mux: classification and
// routing probes, workflow submission and lifecycle, live event feeds (SSE
// and websocket), operator views of the fleet, and the Prometheus endpoint.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/archive"
	"github.com/nervelab/baran/internal/circuitbreaker"
	"github.com/nervelab/baran/internal/classify"
	"github.com/nervelab/baran/internal/executor"
	"github.com/nervelab/baran/internal/health"
	"github.com/nervelab/baran/internal/registry"
	"github.com/nervelab/baran/internal/routing"
	"github.com/nervelab/baran/internal/streaming"
	"github.com/nervelab/baran/internal/tracing"
	"github.com/nervelab/baran/internal/workflow"
)

// Classifier infers complexity and task type from prompt text.
type Classifier interface {
	Classify(prompt string) classify.Result
}

// Deps wires the API server. Executor, Router, Classifier, Registry, and
// Templates are required; Breakers, Monitor, and Archive degrade to empty
// views when absent.
type Deps struct {
	Executor   *executor.Executor
	Router     *routing.Router
	Classifier Classifier
	Registry   *registry.Registry
	Templates  *workflow.Registry
	Breakers   *circuitbreaker.Set
	Monitor    *health.Monitor
	Archive    archive.Store
	Logger     *zap.Logger
}

// Server handles the HTTP surface. Build the mux with Handler.
type Server struct {
	executor   *executor.Executor
	router     *routing.Router
	classifier Classifier
	registry   *registry.Registry
	templates  *workflow.Registry
	breakers   *circuitbreaker.Set
	monitor    *health.Monitor
	store      archive.Store
	events     *streaming.Manager
	logger     *zap.Logger
}

// New validates the wiring and builds the server.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Executor == nil:
		return nil, errors.New("httpapi: executor is required")
	case deps.Router == nil:
		return nil, errors.New("httpapi: router is required")
	case deps.Classifier == nil:
		return nil, errors.New("httpapi: classifier is required")
	case deps.Registry == nil:
		return nil, errors.New("httpapi: registry is required")
	case deps.Templates == nil:
		return nil, errors.New("httpapi: template registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := deps.Archive
	if store == nil {
		store = archive.NoopStore{}
	}
	return &Server{
		executor:   deps.Executor,
		router:     deps.Router,
		classifier: deps.Classifier,
		registry:   deps.Registry,
		templates:  deps.Templates,
		breakers:   deps.Breakers,
		monitor:    deps.Monitor,
		store:      store,
		events:     deps.Executor.Events(),
		logger:     logger.Named("httpapi"),
	}, nil
}

// Handler builds the routed mux wrapped in the tracing/logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/classify", s.handleClassify)
	mux.HandleFunc("POST /api/v1/route", s.handleRoute)
	mux.HandleFunc("POST /api/v1/workflows", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.handleRunStatus)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/v1/workflows/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/workflows/{id}/ws", s.handleWS)
	mux.HandleFunc("POST /api/v1/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/v1/backends", s.handleBackends)
	mux.HandleFunc("GET /api/v1/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/v1/templates", s.handleTemplates)
	mux.HandleFunc("GET /api/v1/runs", s.handleRecentRuns)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.middleware(mux)
}

// middleware resumes the caller's trace, opens a server span, and logs the
// request once it finishes.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tp := r.Header.Get("traceparent"); tp != "" {
			ctx = tracing.ContextWithTraceparent(ctx, tp)
		}
		ctx, span := tracing.StartSpan(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(started)),
		)
	})
}

// statusWriter captures the response code and keeps the streaming
// interfaces (Flusher for SSE, Hijacker for websocket upgrades) reachable
// through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Encoding response failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
