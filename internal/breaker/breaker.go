// Package breaker implements the per-upstream circuit breaker that guards
// outbound calls from the Router (spec.md §4.5).
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is one of the three circuit-breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker tracks consecutive failures for a single upstream and trips open
// once FailureThreshold is reached, allowing a single trial request through
// after ResetTimeout before deciding whether to close or re-open.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	logger           zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a Breaker for the named upstream.
func New(name string, failureThreshold int, resetTimeout time.Duration, logger zerolog.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
		state:            StateClosed,
	}
}

// Allow reports whether a request may proceed, and if so reserves the
// single half-open trial slot when the breaker is transitioning.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.logger.Info().Str("upstream", b.name).Msg("circuit breaker entering half-open trial")
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the breaker to Closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info().Str("upstream", b.name).Str("from", string(b.state)).Msg("circuit breaker closed")
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure registers a failed call. In Closed state it accumulates
// toward the threshold; in HalfOpen it immediately re-opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case StateOpen:
		// already open; nothing to do
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.logger.Warn().Str("upstream", b.name).Int("failures", b.failures).Msg("circuit breaker opened")
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one Breaker per upstream, created lazily.
type Registry struct {
	failureThreshold int
	resetTimeout     time.Duration
	logger           zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry that lazily builds breakers sharing the
// given thresholds.
func NewRegistry(failureThreshold int, resetTimeout time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns the Breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.failureThreshold, r.resetTimeout, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshot returns the current state of every known breaker, keyed by
// upstream name, for the metrics exporter.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
