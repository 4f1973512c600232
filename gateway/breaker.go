package gateway

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's coarse state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker gates outbound calls to one backend based on recent
// consecutive failures. Transitions:
//
//	CLOSED    -> OPEN       when failure_count reaches the threshold
//	OPEN      -> HALF_OPEN  on the first CanExecute after cooldown has
//	                        elapsed since the last failure
//	HALF_OPEN -> CLOSED     on any success (failure_count resets to 0)
//	HALF_OPEN -> OPEN       on any failure (cooldown clock restarts)
type CircuitBreaker struct {
	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	threshold       int
	cooldown        time.Duration
	lastFailureTime time.Time
	lastSuccessTime time.Time

	// now is swappable so tests can drive the cooldown clock.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the given threshold and
// cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// CanExecute reports whether a call may proceed. Calling it while OPEN
// after the cooldown has elapsed moves the breaker to HALF_OPEN and
// permits the trial call.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailureTime) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call. A success while HALF_OPEN closes
// the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessTime = b.now()
	b.failureCount = 0
	b.state = BreakerClosed
}

// RecordFailure notes a failed call, tripping the breaker once the
// consecutive failure count reaches the threshold. A failure while
// HALF_OPEN reopens immediately and restarts the cooldown clock.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()
	b.failureCount++

	if b.state == BreakerHalfOpen || b.failureCount >= b.threshold {
		b.state = BreakerOpen
	}
}

// State returns the current coarse state without mutating it.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters for the metrics surface.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:           b.state,
		FailureCount:    b.failureCount,
		Threshold:       b.threshold,
		LastFailureTime: b.lastFailureTime,
		LastSuccessTime: b.lastSuccessTime,
	}
}

// BreakerSnapshot is a point-in-time copy of a breaker's state, safe to
// serialize.
type BreakerSnapshot struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	Threshold       int          `json:"threshold"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastSuccessTime time.Time    `json:"last_success_time"`
}
