package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nervelab/baran/internal/archive"
	"github.com/nervelab/baran/internal/executor"
	"github.com/nervelab/baran/internal/metrics"
	"github.com/nervelab/baran/internal/models"
	"github.com/nervelab/baran/internal/registry"
	"github.com/nervelab/baran/internal/routing"
	"github.com/nervelab/baran/internal/workflow"
)

type classifyRequest struct {
	Prompt string `json:"prompt"`
}

// handleClassify runs the rule classifier on one prompt without executing
// anything. POST /api/v1/classify
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.sendError(w, "prompt is required", http.StatusBadRequest)
		return
	}
	res := s.classifier.Classify(req.Prompt)
	metrics.RecordClassification(res.Complexity.String(), string(res.TaskType), res.Defaulted)
	s.writeJSON(w, http.StatusOK, res)
}

type routeRequest struct {
	TaskType        string  `json:"task_type"`
	Complexity      string  `json:"complexity,omitempty"`
	Prompt          string  `json:"prompt,omitempty"`
	BudgetFactor    float64 `json:"budget_factor,omitempty"`
	EstimatedTokens int     `json:"estimated_tokens,omitempty"`
}

// handleRoute scores the fleet for a hypothetical task and returns the
// decision without dispatching. POST /api/v1/route
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	taskType := models.TaskType(strings.TrimSpace(req.TaskType))
	complexity := models.ComplexitySimple
	switch {
	case req.Complexity != "":
		parsed, err := models.ParseComplexityLevel(req.Complexity)
		if err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		complexity = parsed
		if taskType == "" {
			taskType = models.TaskTypeGeneral
		}
	case req.Prompt != "":
		cls := s.classifier.Classify(req.Prompt)
		complexity = cls.Complexity
		if taskType == "" {
			taskType = cls.TaskType
		}
	default:
		s.sendError(w, "either complexity or prompt is required", http.StatusBadRequest)
		return
	}
	if !models.IsKnownTaskType(taskType) {
		s.sendError(w, "unknown task type "+string(taskType), http.StatusBadRequest)
		return
	}

	budget := req.BudgetFactor
	if budget == 0 {
		budget = 1.0
	}
	tokens := req.EstimatedTokens
	if tokens <= 0 {
		tokens = len(req.Prompt) / 4
	}

	decision, err := s.router.Route(routing.Request{
		TaskType:        taskType,
		Complexity:      complexity,
		BudgetFactor:    budget,
		EstimatedTokens: tokens,
	})
	if err != nil {
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

type submitRequest struct {
	Template     string         `json:"template,omitempty"`
	Prompt       string         `json:"prompt"`
	Context      map[string]any `json:"context,omitempty"`
	BudgetFactor *float64       `json:"budget_factor,omitempty"`
}

// handleSubmit expands a prompt into a workflow run and starts it.
// POST /api/v1/workflows
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.sendError(w, "prompt is required", http.StatusBadRequest)
		return
	}

	snap, err := s.executor.Submit(executor.SubmitInput{
		Template:     req.Template,
		Prompt:       req.Prompt,
		Context:      req.Context,
		BudgetFactor: req.BudgetFactor,
	})
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrUnknownTemplate):
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, executor.ErrNotStarted):
		s.sendError(w, "service is shutting down", http.StatusServiceUnavailable)
		return
	default:
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/api/v1/workflows/"+snap.ID)
	s.writeJSON(w, http.StatusAccepted, snap)
}

// handleRunStatus returns the current snapshot of one run.
// GET /api/v1/workflows/{id}
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.executor.Run(r.PathValue("id"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleCancel requests cancellation of a running workflow.
// DELETE /api/v1/workflows/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.executor.Cancel(r.PathValue("id"))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
	case errors.Is(err, executor.ErrRunNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, executor.ErrRunFinished):
		s.sendError(w, err.Error(), http.StatusConflict)
	default:
		s.sendError(w, err.Error(), http.StatusInternalServerError)
	}
}

type feedbackRequest struct {
	Backend   string `json:"backend"`
	LatencyMS int64  `json:"latency_ms"`
	Success   bool   `json:"success"`
}

// handleFeedback lets external dispatchers report observed outcomes into
// the adaptive routing loop. POST /api/v1/feedback
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Backend == "" {
		s.sendError(w, "backend is required", http.StatusBadRequest)
		return
	}
	if req.LatencyMS < 0 {
		s.sendError(w, "latency_ms must not be negative", http.StatusBadRequest)
		return
	}
	if _, ok := s.registry.Get(req.Backend); !ok {
		s.sendError(w, "unknown backend "+req.Backend, http.StatusNotFound)
		return
	}
	s.router.Report(req.Backend, time.Duration(req.LatencyMS)*time.Millisecond, req.Success)
	w.WriteHeader(http.StatusNoContent)
}

type backendView struct {
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	Format        string    `json:"format"`
	Model         string    `json:"model,omitempty"`
	Specialties   []string  `json:"specialties,omitempty"`
	CostPerToken  float64   `json:"cost_per_token"`
	Performance   float64   `json:"performance"`
	MaxComplexity string    `json:"max_complexity"`
	Fallbacks     []string  `json:"fallbacks,omitempty"`
	RateLimitRPM  int       `json:"rate_limit_rpm,omitempty"`
	Health        string    `json:"health"`
	LastChecked   time.Time `json:"last_checked,omitempty"`
	AvgLatencyMS  int64     `json:"avg_latency_ms,omitempty"`
	Breaker       string    `json:"breaker"`
}

// handleBackends lists the fleet with live health and breaker state.
// GET /api/v1/backends
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	breakerByName := make(map[string]string)
	if s.breakers != nil {
		for _, bs := range s.breakers.States() {
			breakerByName[bs.Backend] = bs.State
		}
	}

	descs := s.registry.List()
	out := make([]backendView, 0, len(descs))
	for _, d := range descs {
		view := backendView{
			Name:          d.Name,
			Endpoint:      d.Endpoint,
			Format:        string(d.Format),
			Model:         d.Model,
			Specialties:   d.Specialties,
			CostPerToken:  d.CostPerToken,
			Performance:   d.Performance,
			MaxComplexity: d.MaxComplexity.String(),
			Fallbacks:     d.Fallbacks,
			RateLimitRPM:  d.RateLimitRPM,
			Health:        d.Health.String(),
			LastChecked:   d.LastChecked,
			AvgLatencyMS:  d.AvgLatency.Milliseconds(),
			Breaker:       "closed",
		}
		if st, ok := breakerByName[d.Name]; ok {
			view.Breaker = st
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"backends": out})
}

// handleAnalytics reports per-backend routing traffic.
// GET /api/v1/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Analytics())
}

// handleTemplates lists the loaded workflow templates.
// GET /api/v1/templates
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"templates": s.templates.List()})
}

// handleRecentRuns returns archived runs, newest first.
// GET /api/v1/runs?limit=N
func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}

	recs, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []archive.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": recs})
}

// handleHealthz is the process liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the service can accept work: a loaded fleet,
// loaded templates, and at least one routable backend.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"backends":  s.registry.Len(),
		"templates": s.templates.Len(),
	}
	if s.monitor != nil {
		resp["health"] = s.monitor.Snapshot()
	}

	routable := false
	s.registry.Scan(func(d *registry.Descriptor) bool {
		if d.Health.Routable() {
			routable = true
			return false
		}
		return true
	})

	if s.registry.Len() == 0 || s.templates.Len() == 0 || !routable {
		resp["status"] = "unavailable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["status"] = "ready"
	s.writeJSON(w, http.StatusOK, resp)
}
