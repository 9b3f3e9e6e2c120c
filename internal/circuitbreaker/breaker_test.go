package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		MaxProbes:        5,
		Cooldown:         50 * time.Millisecond,
		ResetInterval:    200 * time.Millisecond,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("backend-a", testConfig(), zaptest.NewLogger(t))

	if b.State() != StateClosed {
		t.Fatalf("expected closed initially, got %s", b.State())
	}
	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("successes must not open the breaker, got %s", b.State())
	}

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errors.New("boom") })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}

	err := b.Do(func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while cooling down, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("backend-a", testConfig(), zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errors.New("boom") })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(70 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probes, got %s", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := New("backend-a", testConfig(), zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errors.New("boom") })
	}
	time.Sleep(70 * time.Millisecond)

	_ = b.Do(func() error { return errors.New("still broken") })
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProbes = 2
	cfg.SuccessThreshold = 10 // keep it half-open for the whole test
	b := New("backend-a", cfg, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errors.New("boom") })
	}
	time.Sleep(70 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrProbeLimit) {
		t.Fatalf("expected ErrProbeLimit, got %v", err)
	}
}

func TestBreakerCounts(t *testing.T) {
	b := New("backend-a", testConfig(), zaptest.NewLogger(t))
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errors.New("boom") })
	_ = b.Do(func() error { return nil })

	c := b.Counts()
	if c.Requests != 3 || c.TotalSuccesses != 2 || c.TotalFailures != 1 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestSetSharesConfigAndReportsStates(t *testing.T) {
	s := NewSet(testConfig(), zaptest.NewLogger(t))
	a := s.For("alpha")
	if s.For("alpha") != a {
		t.Fatal("expected the same breaker instance per backend")
	}

	for i := 0; i < 3; i++ {
		_ = s.For("beta").Do(func() error { return errors.New("boom") })
	}

	states := s.States()
	if len(states) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(states))
	}
	if states[0].Backend != "alpha" || states[0].State != "closed" {
		t.Fatalf("unexpected alpha state: %+v", states[0])
	}
	if states[1].Backend != "beta" || states[1].State != "open" {
		t.Fatalf("unexpected beta state: %+v", states[1])
	}
}
