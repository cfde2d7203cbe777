// Package resilience provides the failure-handling layer of the runtime:
// per-operation circuit breakers, best-effort error classification, the
// retry-with-backoff executor, and the bounded error history behind the
// health summary.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker lifecycle state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker gates calls to one (component, operation) pair.
//
// CLOSED counts failures; at threshold it OPENs. While OPEN, CanExecute
// returns false until recoveryTimeout has elapsed since the last failure,
// at which point the breaker moves to HALF_OPEN and admits one probe:
// success closes it, failure re-opens it.
type CircuitBreaker struct {
	threshold int
	recovery  time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       BreakerState
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, recovery: recovery, state: StateClosed}
}

// CanExecute reports whether a call may proceed. Checking an OPEN breaker
// whose recovery timeout has elapsed transitions it to HALF_OPEN as a side
// effect, so the caller's next attempt is the probe.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) > b.recovery {
			b.state = StateHalfOpen
			return true
		}
		return false
	default: // closed or half-open
		return true
	}
}

// RecordSuccess resets the breaker to CLOSED. Call exactly once per
// successful attempt.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateClosed
}

// RecordFailure counts a failed attempt. Call exactly once per failure.
// A HALF_OPEN breaker re-opens immediately; a CLOSED breaker opens once the
// failure count reaches the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// BreakerSnapshot is a point-in-time view of one breaker for health reporting.
type BreakerSnapshot struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"failure_count"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
}

// Snapshot returns the breaker's current state without mutating it.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{State: b.state, Failures: b.failures, LastFailure: b.lastFailure}
}

// BreakerRegistry holds one breaker per (component, operation) key, created
// lazily on first use and living for the registry's lifetime.
type BreakerRegistry struct {
	threshold int
	recovery  time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry with shared breaker settings.
func NewBreakerRegistry(threshold int, recovery time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		threshold: threshold,
		recovery:  recovery,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for (component, operation), creating it if needed.
func (r *BreakerRegistry) Get(component, operation string) *CircuitBreaker {
	key := component + "." + operation
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewCircuitBreaker(r.threshold, r.recovery)
		r.breakers[key] = b
	}
	return b
}

// Snapshots returns a point-in-time view of every breaker, keyed by
// "component.operation".
func (r *BreakerRegistry) Snapshots() map[string]BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.Snapshot()
	}
	return out
}
