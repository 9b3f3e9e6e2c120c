package routing

import (
	"sync"
	"time"
)

// DefaultWindowSize bounds the per-backend rolling outcome window.
const DefaultWindowSize = 100

// BackendAnalytics summarizes one backend's observed traffic. SuccessRate
// and AvgLatency are computed over the rolling window only, so they track
// current behavior rather than lifetime history.
type BackendAnalytics struct {
	Backend       string        `json:"backend"`
	TotalRequests uint64        `json:"total_requests"`
	WindowSamples int           `json:"window_samples"`
	SuccessRate   float64       `json:"success_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// Analytics is the router's aggregate view for operators.
type Analytics struct {
	Backends     []BackendAnalytics `json:"backends"`
	RegistrySize int                `json:"registry_size"`
}

// Analytics reports per-backend traffic in registration order plus the
// registry size.
func (r *Router) Analytics() Analytics {
	names := r.registry.Names()
	out := Analytics{
		Backends:     make([]BackendAnalytics, 0, len(names)),
		RegistrySize: len(names),
	}
	for _, name := range names {
		a := BackendAnalytics{Backend: name}
		a.TotalRequests, a.WindowSamples, a.SuccessRate, a.AvgLatency = r.stats.snapshot(name)
		out.Backends = append(out.Backends, a)
	}
	return out
}

type outcomeSample struct {
	latency time.Duration
	ok      bool
}

// backendStats is a fixed-size ring of recent outcomes. Evicted samples are
// subtracted from the running sums so reads stay O(1).
type backendStats struct {
	total   uint64
	ring    []outcomeSample
	head    int
	count   int
	okCount int
	latSum  time.Duration
}

func (s *backendStats) observe(latency time.Duration, ok bool) {
	if s.count == len(s.ring) {
		old := s.ring[s.head]
		if old.ok {
			s.okCount--
			s.latSum -= old.latency
		}
	} else {
		s.count++
	}
	s.ring[s.head] = outcomeSample{latency: latency, ok: ok}
	s.head = (s.head + 1) % len(s.ring)
	if ok {
		s.okCount++
		s.latSum += latency
	}
}

func (s *backendStats) successRate() float64 {
	if s.count == 0 {
		return 0
	}
	return float64(s.okCount) / float64(s.count)
}

// avgLatency averages successful samples only; zero means no data.
func (s *backendStats) avgLatency() time.Duration {
	if s.okCount == 0 {
		return 0
	}
	return s.latSum / time.Duration(s.okCount)
}

// statsBook holds the per-backend rings behind one mutex. Routing touches
// it once per decision and once per report, so contention is negligible.
type statsBook struct {
	mu     sync.Mutex
	window int
	byName map[string]*backendStats
}

func newStatsBook(window int) *statsBook {
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &statsBook{window: window, byName: make(map[string]*backendStats)}
}

func (b *statsBook) get(name string) *backendStats {
	s, ok := b.byName[name]
	if !ok {
		s = &backendStats{ring: make([]outcomeSample, b.window)}
		b.byName[name] = s
	}
	return s
}

func (b *statsBook) routed(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(name).total++
}

// observe records one outcome and returns the updated rolling average
// latency. hasAvg is false until at least one successful sample exists.
func (b *statsBook) observe(name string, latency time.Duration, ok bool) (avg time.Duration, hasAvg bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(name)
	s.observe(latency, ok)
	if s.okCount == 0 {
		return 0, false
	}
	return s.avgLatency(), true
}

func (b *statsBook) snapshot(name string) (total uint64, samples int, rate float64, avg time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byName[name]
	if !ok {
		return 0, 0, 0, 0
	}
	return s.total, s.count, s.successRate(), s.avgLatency()
}
