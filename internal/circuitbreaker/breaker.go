// Package circuitbreaker keeps repeatedly failing backends from absorbing
// dispatch traffic. Each backend gets its own breaker; an open breaker makes
// the executor move straight to the fallback chain instead of burning an
// attempt on a backend that just failed five times in a row.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position for one backend.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen means the backend is cooling down after repeated failures.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit means the half-open probe budget is already spent.
	ErrProbeLimit = errors.New("too many probes in half-open state")
)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// closed breaker.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold uint32
	// MaxProbes bounds concurrent trial requests while half-open.
	MaxProbes uint32
	// Cooldown is how long an open breaker waits before allowing probes.
	Cooldown time.Duration
	// ResetInterval clears closed-state counters so stale failures from
	// hours ago cannot combine with fresh ones. Zero disables the reset.
	ResetInterval time.Duration

	// OnStateChange is invoked after every transition.
	OnStateChange func(backend string, from, to State)
}

// DefaultConfig matches the dispatch path's expectations: open after five
// straight failures, probe again after ten seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MaxProbes:        3,
		Cooldown:         10 * time.Second,
		ResetInterval:    60 * time.Second,
	}
}

// Counts is a snapshot of the current generation's bookkeeping.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards dispatches to a single backend. Generations make delayed
// outcome reports harmless: a result from before a transition is ignored
// rather than double-counted.
type Breaker struct {
	backend string
	config  Config
	logger  *zap.Logger

	mu         sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker for one backend.
func New(backend string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		backend: backend,
		config:  config,
		logger:  logger,
		state:   StateClosed,
		expiry:  time.Now().Add(config.ResetInterval),
	}
}

// Do runs fn if the breaker admits it and records the outcome. The error
// from fn passes through unchanged; ErrOpen and ErrProbeLimit mean fn was
// never called.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.settle(generation, false)
			panic(r)
		}
	}()
	err = fn()
	b.settle(generation, err == nil)
	return err
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := time.Now()
	if b.state == StateOpen && b.expiry.Before(now) {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.tick(now)
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes:
		return generation, ErrProbeLimit
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) settle(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.tick(now)
	if generation != before {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

// tick applies time-based transitions and returns the effective state.
func (b *Breaker) tick(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.transition(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// One failed probe is enough; back to cooling down.
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) transition(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.backend, prev, state)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("backend", b.backend),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.config.ResetInterval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.config.ResetInterval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
