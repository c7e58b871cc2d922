package provider

import (
	"sync"
	"time"

	"github.com/mcp-hangar/hangar/internal/domain"
)

// DefaultMaxConsecutiveFailures is the degradation threshold used when a
// provider does not configure its own.
const DefaultMaxConsecutiveFailures = 3

// HealthTracker maintains one provider's failure counters. Both periodic
// probes and real invocation outcomes feed the same consecutive-failure
// counter, so a flaky provider degrades before its next scheduled probe.
// It is safe for concurrent use by multiple goroutines.
type HealthTracker struct {
	mu             sync.Mutex
	maxConsecutive int

	consecutiveFailures int
	totalFailures       int
	totalInvocations    int
	lastChecked         *time.Time
	lastSuccessful      *time.Time
	lastError           string

	now func() time.Time
}

// NewHealthTracker creates a tracker that reports degradation after
// maxConsecutiveFailures consecutive failures. Values < 1 use the default.
func NewHealthTracker(maxConsecutiveFailures int) *HealthTracker {
	if maxConsecutiveFailures < 1 {
		maxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return &HealthTracker{
		maxConsecutive: maxConsecutiveFailures,
		now:            time.Now,
	}
}

// RecordSuccess resets the consecutive-failure counter.
func (t *HealthTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now().UTC()
	t.consecutiveFailures = 0
	t.totalInvocations++
	t.lastChecked = &ts
	t.lastSuccessful = &ts
	t.lastError = ""
}

// RecordFailure increments the counters and reports whether the provider
// has crossed the degradation threshold.
func (t *HealthTracker) RecordFailure(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now().UTC()
	t.consecutiveFailures++
	t.totalFailures++
	t.totalInvocations++
	t.lastChecked = &ts
	if err != nil {
		t.lastError = err.Error()
	}
	return t.consecutiveFailures >= t.maxConsecutive
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (t *HealthTracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFailures
}

// Snapshot returns a copy of the current counters.
func (t *HealthTracker) Snapshot() domain.HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.HealthRecord{
		ConsecutiveFailures: t.consecutiveFailures,
		TotalFailures:       t.totalFailures,
		TotalInvocations:    t.totalInvocations,
		LastChecked:         t.lastChecked,
		LastSuccessful:      t.lastSuccessful,
		LastError:           t.lastError,
	}
}
