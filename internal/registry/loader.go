package registry

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nervelab/baran/internal/models"
)

// BackendFile is the on-disk shape of the backend catalog.
type BackendFile struct {
	Backends []BackendConfig `yaml:"backends"`
}

// BackendConfig is one backend record as written in YAML. String-tagged
// fields are parsed into the closed enum types before registration so a
// typo fails the load instead of a route.
type BackendConfig struct {
	Name            string   `yaml:"name"`
	Endpoint        string   `yaml:"endpoint"`
	Format          string   `yaml:"format"`
	Model           string   `yaml:"model"`
	Specialties     []string `yaml:"specialties"`
	CostPerToken    float64  `yaml:"cost_per_token"`
	Performance     float64  `yaml:"performance"`
	MaxComplexity   string   `yaml:"max_complexity"`
	Fallbacks       []string `yaml:"fallbacks"`
	HealthEndpoints []string `yaml:"health_endpoints"`
	RateLimitRPM    int      `yaml:"rate_limit_rpm"`

	// SeedAvgLatencyMS optionally pre-populates the latency cache until real
	// samples arrive. Treated as a hint, not a measurement.
	SeedAvgLatencyMS int `yaml:"seed_avg_latency_ms"`
}

// toDescriptor converts the YAML record. Wire format and specialties stay
// as raw casts here; validateDescriptor rejects unknown values with coded
// issues. Complexity needs an explicit parse since the field is ordinal.
func (bc BackendConfig) toDescriptor() (Descriptor, []ValidationIssue) {
	var issues []ValidationIssue
	level := models.ComplexitySimple
	if bc.MaxComplexity != "" {
		parsed, err := models.ParseComplexityLevel(bc.MaxComplexity)
		if err != nil {
			issues = append(issues, ValidationIssue{
				Code:    "complexity_unknown",
				Message: fmt.Sprintf("backend '%s': %v", bc.Name, err),
			})
		} else {
			level = parsed
		}
	}
	return Descriptor{
		Name:            bc.Name,
		Endpoint:        bc.Endpoint,
		Format:          WireFormat(bc.Format),
		Model:           bc.Model,
		Specialties:     bc.Specialties,
		CostPerToken:    bc.CostPerToken,
		Performance:     bc.Performance,
		MaxComplexity:   level,
		Fallbacks:       bc.Fallbacks,
		HealthEndpoints: bc.HealthEndpoints,
		RateLimitRPM:    bc.RateLimitRPM,
		Health:          HealthUnknown,
		AvgLatency:      time.Duration(bc.SeedAvgLatencyMS) * time.Millisecond,
	}, issues
}

// LoadFile reads and validates a backend catalog. The decode is strict:
// unknown YAML fields are configuration bugs, not extensions.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backend catalog %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file BackendFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse backend catalog %s: %w", path, err)
	}

	descs := make([]Descriptor, 0, len(file.Backends))
	var issues []ValidationIssue
	for _, bc := range file.Backends {
		d, convIssues := bc.toDescriptor()
		issues = append(issues, convIssues...)
		descs = append(descs, d)
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	if err := ValidateSet(descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// NewFromFile loads a catalog file into a fresh registry.
func NewFromFile(path string, logger *zap.Logger) (*Registry, error) {
	descs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewFromDescriptors(descs, logger)
}
