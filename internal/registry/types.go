// Package registry is the catalog of model-serving backends. Descriptors
// are built once from static configuration and stay immutable afterwards,
// except for the health and latency fields the health monitor and the
// post-execution metric hooks update in place.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nervelab/baran/internal/models"
)

// WireFormat tags how a backend expects to be invoked. The set is closed;
// anything else is rejected at load time.
type WireFormat string

const (
	WireOpenAICompatible WireFormat = "openai-compatible"
	WireREST             WireFormat = "rest"
	WireCustom           WireFormat = "custom"
)

// ParseWireFormat validates a config string against the closed set.
func ParseWireFormat(s string) (WireFormat, error) {
	switch WireFormat(s) {
	case WireOpenAICompatible, WireREST, WireCustom:
		return WireFormat(s), nil
	default:
		return "", fmt.Errorf("unknown wire format %q", s)
	}
}

// HealthStatus is the monitor's cached verdict for a backend.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthOnline
	HealthDegraded
	HealthOffline
)

// String returns the lowercase status name.
func (h HealthStatus) String() string {
	switch h {
	case HealthOnline:
		return "online"
	case HealthDegraded:
		return "degraded"
	case HealthOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string name.
func (h HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// Routable reports whether the router may select a backend in this state.
// Unknown is routable on purpose: a backend that has not been probed yet is
// given the benefit of the doubt rather than blackholing cold starts.
func (h HealthStatus) Routable() bool {
	return h != HealthOffline
}

// Descriptor describes one backend: what it speaks, what it is good at,
// what it costs, and the monitor-owned cached health state.
type Descriptor struct {
	Name          string                 `json:"name"`
	Endpoint      string                 `json:"endpoint"`
	Format        WireFormat             `json:"format"`
	Model         string                 `json:"model,omitempty"`
	Specialties   []string               `json:"specialties,omitempty"`
	CostPerToken  float64                `json:"cost_per_token"`
	Performance   float64                `json:"performance"`
	MaxComplexity models.ComplexityLevel `json:"max_complexity"`
	Fallbacks     []string               `json:"fallbacks,omitempty"`

	// HealthEndpoints overrides the monitor's default probe paths for this
	// backend; empty means use the defaults.
	HealthEndpoints []string `json:"health_endpoints,omitempty"`

	// RateLimitRPM caps dispatches per minute; 0 means unlimited.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`

	// Cached fields. Health and LastChecked are written only by the health
	// monitor; AvgLatency only by the router's metric reporting.
	Health      HealthStatus  `json:"health"`
	LastChecked time.Time     `json:"last_checked,omitempty"`
	AvgLatency  time.Duration `json:"avg_latency_ns"`
}

// HasSpecialty reports whether the backend declares the given specialty
// verbatim. Partial textual matches are the router's concern.
func (d *Descriptor) HasSpecialty(specialty string) bool {
	for _, s := range d.Specialties {
		if s == specialty {
			return true
		}
	}
	return false
}

// clone deep-copies the descriptor so registry snapshots are hermetic.
func (d *Descriptor) clone() Descriptor {
	cp := *d
	if d.Specialties != nil {
		cp.Specialties = append([]string(nil), d.Specialties...)
	}
	if d.Fallbacks != nil {
		cp.Fallbacks = append([]string(nil), d.Fallbacks...)
	}
	if d.HealthEndpoints != nil {
		cp.HealthEndpoints = append([]string(nil), d.HealthEndpoints...)
	}
	return cp
}
