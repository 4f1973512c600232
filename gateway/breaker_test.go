package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests drive the breaker's cooldown window.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(threshold, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	assert.False(t, b.CanExecute())

	clock.advance(59 * time.Second)
	assert.False(t, b.CanExecute())

	clock.advance(2 * time.Second)
	assert.True(t, b.CanExecute())
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	clock.advance(2 * time.Minute)
	assert.True(t, b.CanExecute())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenFailureReopensAndResetsClock(t *testing.T) {
	b, clock := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.advance(2 * time.Minute)
	assert.True(t, b.CanExecute())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	// Clock restarted: still open until a fresh cooldown elapses.
	clock.advance(30 * time.Second)
	assert.False(t, b.CanExecute())
	clock.advance(31 * time.Second)
	assert.True(t, b.CanExecute())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}
