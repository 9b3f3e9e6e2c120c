package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/metrics"
)

// Set lazily creates one breaker per backend, all sharing a config. The
// state gauge is wired here so every breaker reports transitions the same
// way.
type Set struct {
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	byName map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet(config Config, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := config.OnStateChange
	config.OnStateChange = func(backend string, from, to State) {
		metrics.CircuitBreakerState.WithLabelValues(backend).Set(float64(to))
		if base != nil {
			base(backend, from, to)
		}
	}
	return &Set{
		config: config,
		logger: logger.Named("breaker"),
		byName: make(map[string]*Breaker),
	}
}

// For returns the breaker for a backend, creating it closed on first use.
func (s *Set) For(backend string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byName[backend]
	if !ok {
		b = New(backend, s.config, s.logger)
		s.byName[backend] = b
	}
	return b
}

// BackendState is one breaker's position as reported by States.
type BackendState struct {
	Backend string `json:"backend"`
	State   string `json:"state"`
	Counts  Counts `json:"counts"`
}

// States reports every known breaker's position, sorted by backend name.
func (s *Set) States() []BackendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BackendState, 0, len(s.byName))
	for name, b := range s.byName {
		out = append(out, BackendState{Backend: name, State: b.State().String(), Counts: b.Counts()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
