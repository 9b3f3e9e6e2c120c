// Package routing scores registered backends against a classified request
// and picks where to send it. Selection is deterministic: the same registry
// contents, health states, and recorded latencies always produce the same
// decision, with registration order breaking exact score ties.
package routing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/metrics"
	"github.com/nervelab/baran/internal/models"
	"github.com/nervelab/baran/internal/registry"
)

// ErrNoHealthyBackend is returned when neither the top-scored backend nor
// any member of its fallback chain is routable. Callers branch on it with
// errors.Is.
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// DefaultEstimatedTokens is used for cost estimation when the caller does
// not supply a token estimate.
const DefaultEstimatedTokens = 512

// Request is one classified unit of work to place.
type Request struct {
	TaskType   models.TaskType        `json:"task_type"`
	Complexity models.ComplexityLevel `json:"complexity"`

	// BudgetFactor scales the low-cost bonus. 1.0 is the neutral setting,
	// larger values push traffic toward cheap backends, 0 disables the cost
	// term entirely. Negative values are clamped to 0.
	BudgetFactor float64 `json:"budget_factor"`

	// EstimatedTokens sizes the cost estimate; <=0 falls back to
	// DefaultEstimatedTokens.
	EstimatedTokens int `json:"estimated_tokens,omitempty"`
}

// Decision is the routing verdict for one request.
type Decision struct {
	Backend          string        `json:"backend"`
	Model            string        `json:"model,omitempty"`
	Score            float64       `json:"score"`
	Reason           string        `json:"reason"`
	FellBack         bool          `json:"fell_back,omitempty"`
	Fallbacks        []string      `json:"fallbacks,omitempty"`
	EstimatedCost    float64       `json:"estimated_cost"`
	EstimatedLatency time.Duration `json:"estimated_latency,omitempty"`
}

// Weights tunes the scoring terms. The capability gate is not a weight:
// a backend whose complexity ceiling is below the requirement loses to any
// compliant backend no matter how the weights are set.
type Weights struct {
	Performance      float64       `json:"performance"`
	SpecialtyExact   float64       `json:"specialty_exact"`
	SpecialtyPartial float64       `json:"specialty_partial"`
	FitBase          float64       `json:"fit_base"`
	FitHeadroom      float64       `json:"fit_headroom"`
	ExpertMatch      float64       `json:"expert_match"`
	CeilingPenalty   float64       `json:"ceiling_penalty"`
	Cost             float64       `json:"cost"`
	CostRef          float64       `json:"cost_ref"`
	Latency          float64       `json:"latency"`
	LatencyRef       time.Duration `json:"latency_ref"`
}

// DefaultWeights returns the scoring weights used when the config does not
// override them. The latency cap sits below the specialty and fit terms so
// a fast generalist cannot outrank a suitable specialist.
func DefaultWeights() Weights {
	return Weights{
		Performance:      10,
		SpecialtyExact:   8,
		SpecialtyPartial: 3,
		FitBase:          4,
		FitHeadroom:      0.5,
		ExpertMatch:      2,
		CeilingPenalty:   50,
		Cost:             5,
		CostRef:          0.00001,
		Latency:          3,
		LatencyRef:       500 * time.Millisecond,
	}
}

// Config carries the router's tunables.
type Config struct {
	Weights    Weights
	WindowSize int // rolling outcome window per backend; 0 means DefaultWindowSize
}

// Router owns routing decisions and the per-backend outcome history that
// feeds the adaptive latency term.
type Router struct {
	registry *registry.Registry
	weights  Weights
	logger   *zap.Logger

	stats *statsBook
}

// New creates a router over the given registry.
func New(reg *registry.Registry, cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := cfg.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Router{
		registry: reg,
		weights:  w,
		logger:   logger.Named("router"),
		stats:    newStatsBook(cfg.WindowSize),
	}
}

// breakdown holds the individual scoring terms for one backend so the
// decision can name the dominant one.
type breakdown struct {
	performance float64
	specialty   float64
	fit         float64
	cost        float64
	latency     float64
	fitOK       bool
}

func (b breakdown) total() float64 {
	return b.performance + b.specialty + b.fit + b.cost + b.latency
}

// clamped is the reported score; comparisons use total() directly.
func (b breakdown) clamped() float64 {
	if t := b.total(); t > 0 {
		return t
	}
	return 0
}

// dominant names the largest positive term. A backend selected despite an
// insufficient ceiling reports that instead, since nothing else about its
// score matters at that point.
func (b breakdown) dominant() string {
	if !b.fitOK {
		return "complexity ceiling below requirement"
	}
	name, best := "performance", b.performance
	for _, term := range []struct {
		name  string
		value float64
	}{
		{"specialty match", b.specialty},
		{"complexity fit", b.fit},
		{"low cost", b.cost},
		{"low latency", b.latency},
	} {
		if term.value > best {
			name, best = term.name, term.value
		}
	}
	return name
}

// score computes the breakdown for one backend against one request.
func (r *Router) score(d *registry.Descriptor, req Request) breakdown {
	w := r.weights
	b := breakdown{performance: w.Performance * d.Performance}

	tt := string(req.TaskType)
	if d.HasSpecialty(tt) {
		b.specialty = w.SpecialtyExact
	} else {
		for _, s := range d.Specialties {
			if strings.Contains(s, tt) || strings.Contains(tt, s) {
				b.specialty = w.SpecialtyPartial
				break
			}
		}
	}

	b.fitOK = d.MaxComplexity >= req.Complexity
	if b.fitOK {
		b.fit = w.FitBase + w.FitHeadroom*float64(d.MaxComplexity-req.Complexity)
		if req.Complexity == models.ComplexityExpert && d.MaxComplexity == models.ComplexityExpert {
			b.fit += w.ExpertMatch
		}
	} else {
		b.fit = -w.CeilingPenalty
	}

	if req.Complexity <= models.ComplexityModerate && req.BudgetFactor > 0 && w.CostRef > 0 {
		b.cost = req.BudgetFactor * w.Cost * (w.CostRef / (w.CostRef + d.CostPerToken))
	}

	if d.AvgLatency > 0 && w.LatencyRef > 0 {
		b.latency = w.Latency * float64(w.LatencyRef) / float64(w.LatencyRef+d.AvgLatency)
	}
	return b
}

// Route scores every registered backend and returns the decision for the
// request. The top scorer wins if it is routable; otherwise its configured
// fallback chain is walked in order and the first routable member is used.
// A compliant backend (ceiling >= required complexity) always outranks a
// non-compliant one regardless of raw scores.
func (r *Router) Route(req Request) (Decision, error) {
	started := time.Now()
	if req.BudgetFactor < 0 {
		req.BudgetFactor = 0
	}

	var (
		top               breakdown
		topName           string
		topFound          bool
		compliantRoutable bool
	)
	r.registry.Scan(func(d *registry.Descriptor) bool {
		b := r.score(d, req)
		if !topFound || betterThan(b, top) {
			top, topName, topFound = b, d.Name, true
		}
		if b.fitOK && d.Health.Routable() {
			compliantRoutable = true
		}
		return true
	})
	if !topFound {
		metrics.RoutingFailures.Inc()
		return Decision{}, fmt.Errorf("route %s/%s: registry is empty: %w",
			req.TaskType, req.Complexity, ErrNoHealthyBackend)
	}

	selected, ok := r.registry.Get(topName)
	if !ok {
		metrics.RoutingFailures.Inc()
		return Decision{}, fmt.Errorf("route %s/%s: backend %q vanished mid-decision: %w",
			req.TaskType, req.Complexity, topName, ErrNoHealthyBackend)
	}
	fellBack := false
	chain := selected.Fallbacks
	if !selected.Health.Routable() {
		tried := []string{selected.Name}
		next, rest, ok := r.firstRoutable(selected.Fallbacks, req.Complexity, compliantRoutable, &tried)
		if !ok {
			metrics.RoutingFailures.Inc()
			return Decision{}, fmt.Errorf("route %s/%s: tried %s: %w",
				req.TaskType, req.Complexity, strings.Join(tried, ", "), ErrNoHealthyBackend)
		}
		selected, chain, fellBack = next, rest, true
	}

	b := top
	if fellBack {
		b = r.score(&selected, req)
	}
	// The metric label carries only the dominant term so cardinality stays
	// bounded; the decision string adds the fallback provenance.
	term := b.dominant()
	reason := term
	if fellBack {
		reason = fmt.Sprintf("fallback from %s: %s", topName, term)
	}

	dec := Decision{
		Backend:          selected.Name,
		Model:            selected.Model,
		Score:            b.clamped(),
		Reason:           reason,
		FellBack:         fellBack,
		Fallbacks:        chain,
		EstimatedCost:    estimateCost(req.EstimatedTokens, selected.CostPerToken),
		EstimatedLatency: selected.AvgLatency,
	}

	r.stats.routed(selected.Name)
	metrics.RecordRoutingDecision(selected.Name, term, fellBack, time.Since(started))
	r.logger.Debug("Routed request",
		zap.String("task_type", string(req.TaskType)),
		zap.String("complexity", req.Complexity.String()),
		zap.String("backend", dec.Backend),
		zap.Float64("score", dec.Score),
		zap.String("reason", dec.Reason),
		zap.Bool("fell_back", fellBack),
	)
	return dec, nil
}

// betterThan orders candidates: compliance first, then raw score. Equal
// candidates keep the incumbent, which preserves registration order.
func betterThan(b, incumbent breakdown) bool {
	if b.fitOK != incumbent.fitOK {
		return b.fitOK
	}
	return b.total() > incumbent.total()
}

// firstRoutable walks a fallback chain and returns the first routable
// member plus the remainder of the chain after it. A member whose ceiling
// is below the requirement is skipped while any compliant backend anywhere
// is routable; it only qualifies once no compliant option remains. Unknown
// names are skipped; the loader rejects them, but the chain may go stale
// while a config reload is in flight.
func (r *Router) firstRoutable(chain []string, required models.ComplexityLevel, compliantRoutable bool, tried *[]string) (registry.Descriptor, []string, bool) {
	for i, name := range chain {
		d, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		if d.Health.Routable() && (d.MaxComplexity >= required || !compliantRoutable) {
			return d, append([]string(nil), chain[i+1:]...), true
		}
		*tried = append(*tried, name)
	}
	return registry.Descriptor{}, nil, false
}

func estimateCost(tokens int, costPerToken float64) float64 {
	if tokens <= 0 {
		tokens = DefaultEstimatedTokens
	}
	return float64(tokens) * costPerToken
}

// Report feeds one dispatch outcome back into the router. Latency samples
// from failed calls are kept for the success-rate window but excluded from
// the latency average, so timeouts do not poison the estimate.
func (r *Router) Report(backend string, latency time.Duration, success bool) {
	avg, hasAvg := r.stats.observe(backend, latency, success)
	if hasAvg {
		// Unknown backend means a stale report racing a reload; nothing to do.
		_ = r.registry.SetAvgLatency(backend, avg)
	}
	metrics.RecordBackendResult(backend, success, latency)
}
