// Package group implements provider groups: a routing strategy, a circuit
// breaker and a min-healthy availability gate over members referenced by
// id through the registry.
package group

import (
	"sync"
	"time"

	"github.com/mcp-hangar/hangar/internal/domain"
)

const (
	// DefaultFailureThreshold opens the breaker after this many
	// consecutive failures when unconfigured.
	DefaultFailureThreshold = 5

	// DefaultResetTimeout is how long an open breaker waits before
	// admitting a half-open probe.
	DefaultResetTimeout = 30 * time.Second
)

// BreakerConfig tunes one group's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Breaker is a three-state dispatch gate: closed counts failures, open
// rejects everything until the reset timeout, half-open admits exactly one
// probe. Transitions are observed in a single total order per group.
// It is safe for concurrent use by multiple goroutines.
type Breaker struct {
	mu               sync.Mutex
	state            domain.CircuitState
	failures         int
	openedAt         time.Time
	probing          bool
	failureThreshold int
	resetTimeout     time.Duration

	// onTransition, when set, observes the state changes made by
	// RecordSuccess and RecordFailure (called outside the lock). The timed
	// open → half-open advance is not reported.
	onTransition func(from, to domain.CircuitState)

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, onTransition func(from, to domain.CircuitState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	return &Breaker{
		state:            domain.CircuitClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		onTransition:     onTransition,
		now:              time.Now,
	}
}

// State returns the breaker state, advancing open → half-open when the
// reset timeout has elapsed.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// OpenedAt returns when the breaker last opened, if it is not closed.
func (b *Breaker) OpenedAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == domain.CircuitClosed {
		return time.Time{}, false
	}
	return b.openedAt, true
}

// maybeHalfOpenLocked advances open → half-open once the timeout elapses.
// The caller must hold b.mu.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == domain.CircuitOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.state = domain.CircuitHalfOpen
		b.probing = false
	}
}

// Allow reports whether a dispatch may proceed. In half-open state only
// the first caller is admitted as the probe; concurrent callers are
// rejected until the probe's outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count; a half-open probe success closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = domain.CircuitClosed
	to := b.state
	b.mu.Unlock()

	if from != to && b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// RecordFailure counts a failure; the threshold-th consecutive failure in
// closed state opens the breaker, and any half-open probe failure reopens
// it with a fresh timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case domain.CircuitClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = domain.CircuitOpen
			b.openedAt = b.now()
		}
	case domain.CircuitHalfOpen:
		b.state = domain.CircuitOpen
		b.openedAt = b.now()
		b.probing = false
	case domain.CircuitOpen:
		// Already open; nothing advances except time.
	}

	to := b.state
	b.mu.Unlock()

	if from != to && b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// Failures returns the consecutive failure count while closed.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
