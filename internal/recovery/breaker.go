// SPDX-License-Identifier: MIT

package recovery

import (
	"sync"
	"time"

	"github.com/telecast-tv/telecast/internal/metrics"
)

// State represents the breaker state.
type State string

const (
	StateClosed  State = "closed"
	StateTripped State = "tripped"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Breaker is a failure-rate circuit breaker over a sliding time window.
// Unlike a timeout-reset breaker it has no half-open probe: once tripped it
// stays tripped until Reset, because resuming channel advancement is a
// policy decision, not something to retry blindly.
type Breaker struct {
	mu        sync.Mutex
	name      string
	window    time.Duration
	threshold int
	failures  []time.Time
	tripped   bool
	clock     Clock
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock substitutes the time source.
func WithClock(c Clock) BreakerOption {
	return func(b *Breaker) { b.clock = c }
}

// NewBreaker creates a breaker that trips once threshold failures land
// inside the sliding window.
func NewBreaker(name string, window time.Duration, threshold int, opts ...BreakerOption) *Breaker {
	if window <= 0 {
		window = 2 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	b := &Breaker{
		name:      name,
		window:    window,
		threshold: threshold,
		clock:     realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.SetCircuitBreakerState(b.name, string(StateClosed))
	return b
}

// RecordFailure registers a failure and reports whether the breaker is now
// tripped.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		return true
	}

	now := b.clock.Now()
	b.prune(now)
	b.failures = append(b.failures, now)

	if len(b.failures) >= b.threshold {
		b.tripped = true
		metrics.RecordCircuitBreakerTrip(b.name)
		metrics.SetCircuitBreakerState(b.name, string(StateTripped))
	}
	return b.tripped
}

// Tripped reports whether the breaker is currently tripped.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// FailureCount returns the number of failures still inside the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.clock.Now())
	return len(b.failures)
}

// Reset closes the breaker and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	if b.tripped {
		b.tripped = false
		metrics.SetCircuitBreakerState(b.name, string(StateClosed))
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return StateTripped
	}
	return StateClosed
}

// prune drops failures that slid out of the window. Caller must hold the
// lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
