package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is the explicit, injectable backend catalog. One instance is
// constructed at startup and shared by reference with the router, the
// health monitor, and the executor; there is no ambient global state.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Descriptor
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*Descriptor),
		logger:  logger,
	}
}

// NewFromDescriptors validates the full set and registers every descriptor
// in order. Any validation issue rejects the whole set: a partially loaded
// catalog would route traffic nobody configured.
func NewFromDescriptors(descs []Descriptor, logger *zap.Logger) (*Registry, error) {
	if err := ValidateSet(descs); err != nil {
		return nil, err
	}
	r := New(logger)
	for i := range descs {
		if err := r.Register(descs[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds one backend. Shape problems are rejected immediately;
// cross-backend checks (fallback references, cycles) run in Validate once
// the set is complete.
func (r *Registry) Register(d Descriptor) error {
	if issues := validateDescriptor(&d); len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("backend %q already registered", d.Name)
	}
	stored := d.clone()
	r.entries[d.Name] = &stored
	r.order = append(r.order, d.Name)

	r.logger.Info("Registered backend",
		zap.String("backend", d.Name),
		zap.String("endpoint", d.Endpoint),
		zap.String("format", string(d.Format)),
		zap.String("max_complexity", d.MaxComplexity.String()),
		zap.Int("fallbacks", len(d.Fallbacks)),
	)
	return nil
}

// Validate runs the cross-backend checks over the current contents.
func (r *Registry) Validate() error {
	return ValidateSet(r.snapshot())
}

// Get returns a snapshot copy of one descriptor.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// List returns snapshot copies of every descriptor in registration order.
func (r *Registry) List() []Descriptor {
	return r.snapshot()
}

// Names returns backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// BySpecialty returns, in registration order, the names of backends that
// declare the given specialty verbatim.
func (r *Registry) BySpecialty(specialty string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, name := range r.order {
		if r.entries[name].HasSpecialty(specialty) {
			names = append(names, name)
		}
	}
	return names
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Scan invokes fn for each descriptor in registration order while holding
// the read lock, stopping early when fn returns false. The pointer is a
// read-only view: callers must not retain it, write through it, or call
// back into the registry. This keeps the routing hot path free of
// per-candidate copies; everything else should prefer List or Get.
func (r *Registry) Scan(fn func(d *Descriptor) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if !fn(r.entries[name]) {
			return
		}
	}
}

// SetHealth records the monitor's verdict for one backend. Only the health
// monitor writes health state.
func (r *Registry) SetHealth(name string, status HealthStatus, checkedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("backend %q not registered", name)
	}
	d.Health = status
	d.LastChecked = checkedAt
	return nil
}

// SetAvgLatency updates the cached rolling average latency for one backend.
// Only the router's metric reporting writes it.
func (r *Registry) SetAvgLatency(name string, avg time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("backend %q not registered", name)
	}
	d.AvgLatency = avg
	return nil
}

func (r *Registry) snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].clone())
	}
	return out
}
