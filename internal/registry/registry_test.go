package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nervelab/baran/internal/models"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := New(nil)
	d := validBackend("alpha")
	d.Fallbacks = []string{"beta"}
	if err := r.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(validBackend("alpha")); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	got, ok := r.Get("alpha")
	if !ok {
		t.Fatalf("expected alpha to exist")
	}
	if got.Health != HealthUnknown {
		t.Fatalf("fresh backend should be unknown, got %s", got.Health)
	}

	// Snapshots must be hermetic: mutating the copy cannot leak back.
	got.Fallbacks[0] = "mutated"
	again, _ := r.Get("alpha")
	if again.Fallbacks[0] != "beta" {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestRegistryOrderStable(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(validBackend(name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names := r.Names()
	want := []string{"c", "a", "b"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("registration order not preserved: got %v", names)
		}
	}
	list := r.List()
	for i := range want {
		if list[i].Name != want[i] {
			t.Fatalf("List order not preserved: got %v", list)
		}
	}
}

func TestRegistryBySpecialty(t *testing.T) {
	r := New(nil)
	a := validBackend("a")
	a.Specialties = []string{"coding", "general"}
	b := validBackend("b")
	b.Specialties = []string{"reasoning"}
	c := validBackend("c")
	c.Specialties = []string{"coding"}
	for _, d := range []Descriptor{a, b, c} {
		if err := r.Register(d); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	got := r.BySpecialty("coding")
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("expected [a c], got %v", got)
	}
}

func TestRegistryHealthAndLatencyWrites(t *testing.T) {
	r := New(nil)
	if err := r.Register(validBackend("a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	checked := time.Now()
	if err := r.SetHealth("a", HealthOffline, checked); err != nil {
		t.Fatalf("set health: %v", err)
	}
	if err := r.SetAvgLatency("a", 250*time.Millisecond); err != nil {
		t.Fatalf("set latency: %v", err)
	}
	d, _ := r.Get("a")
	if d.Health != HealthOffline || !d.LastChecked.Equal(checked) || d.AvgLatency != 250*time.Millisecond {
		t.Fatalf("cached fields not updated: %+v", d)
	}
	if err := r.SetHealth("ghost", HealthOnline, checked); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestRegistryScanOrderAndEarlyStop(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"one", "two", "three"} {
		if err := r.Register(validBackend(name)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	var seen []string
	r.Scan(func(d *Descriptor) bool {
		seen = append(seen, d.Name)
		return len(seen) < 2
	})
	if len(seen) != 2 || seen[0] != "one" || seen[1] != "two" {
		t.Fatalf("scan order/early-stop wrong: %v", seen)
	}
}

func TestLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	data := `backends:
  - name: fast
    endpoint: http://fast:8000
    format: openai-compatible
    model: fast-1
    specialties: [general]
    cost_per_token: 0.000002
    performance: 0.7
    max_complexity: moderate
    fallbacks: [deep]
    rate_limit_rpm: 300
  - name: deep
    endpoint: http://deep:8000
    format: rest
    specialties: [reasoning, coding]
    cost_per_token: 0.00004
    performance: 0.95
    max_complexity: expert
    health_endpoints: [/v1/models, /]
    seed_avg_latency_ms: 1200
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	descs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(descs))
	}
	if descs[1].MaxComplexity != models.ComplexityExpert {
		t.Fatalf("complexity not parsed: %+v", descs[1])
	}
	if descs[1].AvgLatency != 1200*time.Millisecond {
		t.Fatalf("seed latency not parsed: %v", descs[1].AvgLatency)
	}

	badPath := filepath.Join(dir, "bad.yaml")
	bad := `backends:
  - name: x
    endpoint: http://x:1
    format: rest
    max_complexity: impossible
`
	if err := os.WriteFile(badPath, []byte(bad), 0o644); err != nil {
		t.Fatalf("write bad catalog: %v", err)
	}
	if _, err := LoadFile(badPath); err == nil {
		t.Fatalf("expected complexity parse failure")
	}

	typoPath := filepath.Join(dir, "typo.yaml")
	typo := "backends:\n  - name: x\n    endpont: http://x:1\n"
	if err := os.WriteFile(typoPath, []byte(typo), 0o644); err != nil {
		t.Fatalf("write typo catalog: %v", err)
	}
	if _, err := LoadFile(typoPath); err == nil {
		t.Fatalf("expected strict decode to reject unknown field")
	}
}
