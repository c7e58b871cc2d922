package provider

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mcp-hangar/hangar/internal/contracts"
	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/events"
	"github.com/mcp-hangar/hangar/internal/transport"
)

const (
	// DefaultIdleTTL is how long an unused provider stays warm.
	DefaultIdleTTL = 300 * time.Second

	// DefaultMaxConcurrent bounds in-flight invocations per provider.
	DefaultMaxConcurrent = 8

	// DefaultStartTimeout bounds one launch-plus-handshake attempt.
	DefaultStartTimeout = 30 * time.Second

	// DefaultMaxStartAttempts bounds cold-start retries inside the manager.
	DefaultMaxStartAttempts = 3

	// shutdownGrace is how long Shutdown waits for in-flight calls to drain.
	shutdownGrace = 5 * time.Second
)

// Config describes one managed provider.
type Config struct {
	ID            string
	Mode          string
	Description   string
	Launcher      transport.Launcher
	DeclaredTools []domain.ToolDescriptor

	IdleTTL          time.Duration
	MaxConsecutive   int
	MaxConcurrent    int64
	StartTimeout     time.Duration
	MaxStartAttempts uint
	Version          string
}

// Manager owns one provider's lifecycle: cold → initializing → ready
// (⇄ degraded), initializing → dead when the cold start fails, and
// shutdown back to cold. Concurrent
// cold starts collapse into a single launch; every waiter observes the
// same outcome. All methods are safe for concurrent use.
type Manager struct {
	logger hclog.Logger
	bus    contracts.Publisher
	cfg    Config

	health *HealthTracker
	sem    *semaphore.Weighted
	sf     singleflight.Group

	mu        sync.Mutex
	state     domain.ProviderState
	session   *Session
	lastUsed  time.Time
	startedAt time.Time

	inFlight atomic.Int64
	now      func() time.Time
}

// NewManager creates a manager in the cold state. Missing limits take the
// package defaults.
func NewManager(logger hclog.Logger, bus contracts.Publisher, cfg Config) (*Manager, error) {
	if err := domain.ValidateProviderID(cfg.ID); err != nil {
		return nil, err
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("provider %q has no launcher", cfg.ID)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.MaxStartAttempts == 0 {
		cfg.MaxStartAttempts = DefaultMaxStartAttempts
	}

	return &Manager{
		logger: logger.Named("provider").With("provider", cfg.ID),
		bus:    bus,
		cfg:    cfg,
		health: NewHealthTracker(cfg.MaxConsecutive),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		state:  domain.ProviderStateCold,
		now:    time.Now,
	}, nil
}

// ID returns the provider identifier.
func (m *Manager) ID() string { return m.cfg.ID }

// Mode returns the configured provider mode.
func (m *Manager) Mode() string { return m.cfg.Mode }

// State returns the current lifecycle state.
func (m *Manager) State() domain.ProviderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InFlight returns the number of invocations currently in progress.
func (m *Manager) InFlight() int64 { return m.inFlight.Load() }

// Health returns the provider's health tracker.
func (m *Manager) Health() *HealthTracker { return m.health }

// transitionLocked moves the state machine, publishing the change.
// The caller must hold m.mu.
func (m *Manager) transitionLocked(to domain.ProviderState) error {
	if m.state == to {
		return nil
	}
	if !domain.CanTransition(m.state, to) {
		return fmt.Errorf("invalid state transition for %q: %s -> %s", m.cfg.ID, m.state, to)
	}
	from := m.state
	m.state = to
	m.bus.Publish(events.ProviderStateChanged{ProviderID: m.cfg.ID, From: from, To: to})
	return nil
}

// EnsureReady guarantees the provider is dispatchable, launching it when
// cold. Overlapping callers share a single launch attempt and observe the
// same outcome; each waiter's own context still bounds its wait.
func (m *Manager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Dispatchable() && m.session != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ch := m.sf.DoChan("start", func() (any, error) {
		return nil, m.start()
	})

	select {
	case <-ctx.Done():
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for provider %q start: %w", errors.ErrTimeout, m.cfg.ID, ctx.Err())
		}
		return fmt.Errorf("%w: %w", errors.ErrCancelled, ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

// start performs one cold start: launch, handshake, tool discovery, with
// bounded retries. It runs detached from any single caller's context so
// all single-flight waiters see one deterministic outcome.
func (m *Manager) start() error {
	m.mu.Lock()
	if m.state.Dispatchable() && m.session != nil {
		m.mu.Unlock()
		return nil
	}
	if err := m.transitionLocked(domain.ProviderStateInitializing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.bus.Publish(events.ProviderStarting{ProviderID: m.cfg.ID})
	began := m.now()

	session, err := backoff.Retry(
		context.Background(),
		m.launchOnce,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(m.cfg.MaxStartAttempts),
	)
	if err != nil {
		m.health.RecordFailure(err)
		m.mu.Lock()
		_ = m.transitionLocked(domain.ProviderStateDead)
		m.mu.Unlock()
		m.logger.Error("cold start failed", "error", err, "attempts", m.cfg.MaxStartAttempts)
		return fmt.Errorf("%w: provider %q: %w", errors.ErrColdStartFailed, m.cfg.ID, err)
	}

	coldStart := m.now().Sub(began)
	toolCount := len(session.Tools())

	m.mu.Lock()
	m.session = session
	m.lastUsed = m.now()
	m.startedAt = m.now()
	_ = m.transitionLocked(domain.ProviderStateReady)
	m.mu.Unlock()

	m.health.RecordSuccess()
	m.bus.Publish(events.ProviderReady{
		ProviderID: m.cfg.ID,
		Mode:       m.cfg.Mode,
		ToolsCount: toolCount,
		ColdStart:  coldStart,
	})
	m.logger.Info("provider ready", "mode", m.cfg.Mode, "tools", toolCount, "cold_start", coldStart)

	return nil
}

// launchOnce is a single launch-plus-handshake attempt.
func (m *Manager) launchOnce() (*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
	defer cancel()

	c, err := m.cfg.Launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}

	session, err := NewSession(ctx, m.logger, m.cfg.ID, m.cfg.Version, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return session, nil
}

// currentSession returns the live session or a transport error when the
// provider lost it between EnsureReady and the call.
func (m *Manager) currentSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, fmt.Errorf("%w: provider %q has no session", errors.ErrTransport, m.cfg.ID)
	}
	return m.session, nil
}

// Invoke calls a tool on this provider: ensure ready, acquire the
// per-provider concurrency slot, delegate to the session and report the
// outcome to health tracking.
func (m *Manager) Invoke(ctx context.Context, tool string, args map[string]any) (*InvokeOutcome, error) {
	if err := m.EnsureReady(ctx); err != nil {
		return nil, err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for provider %q slot: %w", errors.ErrTimeout, m.cfg.ID, err)
		}
		return nil, fmt.Errorf("%w: %w", errors.ErrCancelled, err)
	}
	defer m.sem.Release(1)

	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	session, err := m.currentSession()
	if err != nil {
		return nil, err
	}

	began := m.now()
	result, err := session.Invoke(ctx, tool, args)
	elapsed := m.now().Sub(began)

	m.mu.Lock()
	m.lastUsed = m.now()
	m.mu.Unlock()

	if err != nil {
		m.reportFailure(err)
		return nil, err
	}

	// Tool-level errors are forwarded unchanged and do not count against
	// health: the transport did its job.
	m.health.RecordSuccess()

	return &InvokeOutcome{Result: result, Elapsed: elapsed}, nil
}

// reportFailure feeds a real-call failure into health tracking, degrading
// the provider when the threshold is crossed.
func (m *Manager) reportFailure(err error) {
	kind := errors.KindOf(err)
	if !errors.CountsAsHealthFailure(kind) {
		return
	}

	degraded := m.health.RecordFailure(err)
	if !degraded {
		return
	}

	m.mu.Lock()
	shouldPublish := m.state == domain.ProviderStateReady
	if shouldPublish {
		_ = m.transitionLocked(domain.ProviderStateDegraded)
	}
	m.mu.Unlock()

	if shouldPublish {
		m.bus.Publish(events.ProviderDegraded{
			ProviderID:          m.cfg.ID,
			ConsecutiveFailures: m.health.ConsecutiveFailures(),
			Reason:              err.Error(),
		})
		m.logger.Warn("provider degraded", "consecutive_failures", m.health.ConsecutiveFailures())
	}
}

// Probe runs the periodic health check: tools/list over the live session.
// Success recovers a degraded provider; repeated failures degrade it.
// Cold and dead providers are not probed.
func (m *Manager) Probe(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.Dispatchable() || m.session == nil {
		m.mu.Unlock()
		return nil
	}
	session := m.session
	m.mu.Unlock()

	err := session.Probe(ctx)
	if err == nil {
		m.health.RecordSuccess()

		m.mu.Lock()
		recovered := m.state == domain.ProviderStateDegraded
		if recovered {
			_ = m.transitionLocked(domain.ProviderStateReady)
		}
		m.mu.Unlock()

		if recovered {
			m.bus.Publish(events.ProviderRecovered{ProviderID: m.cfg.ID})
			m.logger.Info("provider recovered")
		}
		return nil
	}

	degraded := m.health.RecordFailure(err)

	m.mu.Lock()
	shouldPublish := degraded && m.state == domain.ProviderStateReady
	if shouldPublish {
		_ = m.transitionLocked(domain.ProviderStateDegraded)
	}
	m.mu.Unlock()

	if shouldPublish {
		m.bus.Publish(events.ProviderDegraded{
			ProviderID:          m.cfg.ID,
			ConsecutiveFailures: m.health.ConsecutiveFailures(),
			Reason:              err.Error(),
		})
		m.logger.Warn("provider degraded by health check", "error", err)
	}

	return err
}

// IdleExpired reports whether the provider has been unused for at least
// its idle TTL while dispatchable.
func (m *Manager) IdleExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Dispatchable() || m.lastUsed.IsZero() {
		return false
	}
	return m.now().Sub(m.lastUsed) >= m.cfg.IdleTTL
}

// Shutdown closes the session and returns the provider to cold. It drains
// in-flight invocations up to a grace window first and is idempotent:
// repeated calls are no-ops, and EnsureReady after Shutdown restarts
// cleanly.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state == domain.ProviderStateCold && m.session == nil {
		m.mu.Unlock()
		return nil
	}
	session := m.session
	m.session = nil
	from := m.state
	m.state = domain.ProviderStateCold
	m.mu.Unlock()

	if from != domain.ProviderStateCold {
		m.bus.Publish(events.ProviderStateChanged{ProviderID: m.cfg.ID, From: from, To: domain.ProviderStateCold})
	}

	m.drain(ctx)

	var closeErr error
	if session != nil {
		closeErr = session.Close()
	}

	m.bus.Publish(events.ProviderStopped{ProviderID: m.cfg.ID, Reason: reason})
	m.logger.Info("provider stopped", "reason", reason)

	return closeErr
}

// drain waits for in-flight invocations to finish, bounded by the grace
// window and the caller's context.
func (m *Manager) drain(ctx context.Context) {
	if m.inFlight.Load() == 0 {
		return
	}

	deadline := time.NewTimer(shutdownGrace)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if m.inFlight.Load() == 0 {
				return
			}
		case <-deadline.C:
			m.logger.Warn("shutdown grace expired with calls in flight", "in_flight", m.inFlight.Load())
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tools returns the live catalog when a session exists, falling back to
// tools declared in config for cold listing.
func (m *Manager) Tools() []domain.ToolDescriptor {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session != nil {
		return session.Tools()
	}
	return m.cfg.DeclaredTools
}

// StderrTail returns recent backend stderr lines for diagnostics.
func (m *Manager) StderrTail() []string {
	return m.cfg.Launcher.Stderr()
}

// Describe returns the launch target (argv, image or endpoint).
func (m *Manager) Describe() string {
	return m.cfg.Launcher.Describe()
}

// Status builds a point-in-time snapshot for listings and details.
func (m *Manager) Status() domain.ProviderStatus {
	m.mu.Lock()
	state := m.state
	lastUsed := m.lastUsed
	startedAt := m.startedAt
	m.mu.Unlock()

	tools := m.Tools()
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}

	status := domain.ProviderStatus{
		ID:          m.cfg.ID,
		State:       state,
		Mode:        m.cfg.Mode,
		Description: m.cfg.Description,
		ToolsCount:  len(tools),
		ToolNames:   names,
		InFlight:    m.inFlight.Load(),
		Health:      m.health.Snapshot(),
	}
	if !lastUsed.IsZero() {
		t := lastUsed
		status.LastUsed = &t
	}
	if !startedAt.IsZero() && state.Dispatchable() {
		t := startedAt
		status.StartedAt = &t
	}
	return status
}

// InvokeOutcome carries a successful invocation's result and timing.
type InvokeOutcome struct {
	Result  *mcp.CallToolResult
	Elapsed time.Duration
}
