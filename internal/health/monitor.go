// Package health runs the background liveness monitor. It is the only
// component that performs speculative I/O against backends: it probes every
// registry entry on an interval and writes the cached status the router
// reads. Routing itself never blocks on a probe.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/metrics"
	"github.com/nervelab/baran/internal/registry"
)

// DefaultProbePaths are tried in order when a backend declares no
// health_endpoints of its own.
var DefaultProbePaths = []string{"/health", "/v1/models", "/"}

// Config tunes the monitor. Zero values fall back to the defaults below.
type Config struct {
	Interval         time.Duration // sweep period, default 30s
	ProbeTimeout     time.Duration // per-probe budget, default 3s
	FailureThreshold int           // consecutive failed sweeps before offline, default 3
	MaxConcurrent    int           // probe fan-out cap per sweep, default 8
	ProbePaths       []string      // default DefaultProbePaths
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if len(c.ProbePaths) == 0 {
		c.ProbePaths = DefaultProbePaths
	}
	return c
}

// Monitor periodically probes every registered backend and owns all writes
// to the registry's health fields.
type Monitor struct {
	registry *registry.Registry
	client   *http.Client
	config   Config
	logger   *zap.Logger

	mu       sync.Mutex
	failures map[string]int
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor bound to a registry.
func NewMonitor(reg *registry.Registry, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		registry: reg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		config:   cfg,
		logger:   logger,
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop. The first sweep runs
// immediately so fresh processes converge before the first tick.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	go m.loop(ctx)

	m.logger.Info("Health monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("probe_timeout", m.config.ProbeTimeout),
		zap.Int("failure_threshold", m.config.FailureThreshold),
		zap.Int("max_concurrent", m.config.MaxConcurrent),
	)
	return nil
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	m.logger.Info("Health monitor stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	m.Sweep(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every backend once, with fan-out bounded by MaxConcurrent.
// Exported so tests and operators can force a sweep without waiting for
// the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	backends := m.registry.List()
	if len(backends) == 0 {
		return
	}

	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup
	for i := range backends {
		d := backends[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			healthy, path := m.probe(ctx, &d)
			m.apply(&d, healthy, path)
		}()
	}
	wg.Wait()
}

// probe tries the backend's ordered probe paths and stops at the first
// HTTP 200. It returns the path that answered, for the transition log.
func (m *Monitor) probe(ctx context.Context, d *registry.Descriptor) (bool, string) {
	paths := d.HealthEndpoints
	if len(paths) == 0 {
		paths = m.config.ProbePaths
	}
	base := strings.TrimRight(d.Endpoint, "/")
	for _, path := range paths {
		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		ok := m.probeOne(probeCtx, base+path)
		cancel()
		if ok {
			return true, path
		}
	}
	return false, ""
}

func (m *Monitor) probeOne(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// apply folds one probe outcome into the cached status. A success resets
// the failure streak and the backend recovers immediately; failures pass
// through degraded before the threshold tips the backend offline.
func (m *Monitor) apply(d *registry.Descriptor, healthy bool, path string) {
	now := time.Now()

	m.mu.Lock()
	var next registry.HealthStatus
	var streak int
	if healthy {
		m.failures[d.Name] = 0
		next = registry.HealthOnline
	} else {
		m.failures[d.Name]++
		streak = m.failures[d.Name]
		if streak >= m.config.FailureThreshold {
			next = registry.HealthOffline
		} else {
			next = registry.HealthDegraded
		}
	}
	m.mu.Unlock()

	if err := m.registry.SetHealth(d.Name, next, now); err != nil {
		m.logger.Warn("Failed to record health state", zap.String("backend", d.Name), zap.Error(err))
		return
	}

	outcome := "success"
	if !healthy {
		outcome = "failure"
	}
	metrics.RecordHealthProbe(d.Name, outcome, int(next))

	if next != d.Health {
		m.logger.Info("Backend health transition",
			zap.String("backend", d.Name),
			zap.String("from", d.Health.String()),
			zap.String("to", next.String()),
			zap.String("probe_path", path),
			zap.Int("consecutive_failures", streak),
		)
	}
}

// Snapshot reports the monitor's view for diagnostics: per-backend status
// and consecutive failure streaks.
func (m *Monitor) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.failures))
	for _, d := range m.registry.List() {
		streak := m.failures[d.Name]
		out[d.Name] = fmt.Sprintf("%s (failures=%d)", d.Health, streak)
	}
	return out
}
