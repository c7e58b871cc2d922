// Package dispatch is the single entry point for tool invocations. The
// engine resolves a target to a provider or group, applies the global rate
// limit and the group gates, and records every outcome on the event bus.
package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mcp-hangar/hangar/internal/contracts"
	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/events"
	"github.com/mcp-hangar/hangar/internal/provider"
	"github.com/mcp-hangar/hangar/internal/registry"
)

const (
	// DefaultTimeout bounds an invocation when the caller sets none.
	DefaultTimeout = 30 * time.Second
)

// Config tunes the engine.
type Config struct {
	// RPS is the global token-bucket rate; 0 disables rate limiting.
	RPS int

	// Burst is the bucket depth; defaults to RPS when unset.
	Burst int

	// GlobalInFlight optionally caps concurrent invocations across all
	// providers; 0 disables the cap.
	GlobalInFlight int64

	// DefaultTimeout overrides the package default when > 0.
	DefaultTimeout time.Duration

	// MaxResponseBytes caps a batch call's serialized result before it is
	// truncated into the continuation cache; 0 takes the package default.
	MaxResponseBytes int

	// ContinuationTTL overrides how long truncated payloads stay
	// retrievable; 0 takes the package default.
	ContinuationTTL time.Duration
}

// Invocation is one dispatch request.
type Invocation struct {
	Target        string
	Tool          string
	Arguments     map[string]any
	Timeout       time.Duration
	TimeoutSet    bool
	CorrelationID string
}

// Engine resolves targets and executes invocations. It is safe for
// concurrent use by multiple goroutines.
type Engine struct {
	logger           hclog.Logger
	registry         *registry.Registry
	bus              contracts.Publisher
	limiter          *rate.Limiter
	globalSem        *semaphore.Weighted
	defaultTimeout   time.Duration
	maxResponseBytes int
	continuations    *ContinuationCache
}

// NewEngine creates a dispatch engine over a registry.
func NewEngine(logger hclog.Logger, reg *registry.Registry, bus contracts.Publisher, cfg Config) *Engine {
	e := &Engine{
		logger:           logger.Named("dispatch"),
		registry:         reg,
		bus:              bus,
		defaultTimeout:   cfg.DefaultTimeout,
		maxResponseBytes: cfg.MaxResponseBytes,
		continuations:    NewContinuationCache(cfg.ContinuationTTL, 0),
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTimeout
	}
	if e.maxResponseBytes <= 0 {
		e.maxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = cfg.RPS
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	if cfg.GlobalInFlight > 0 {
		e.globalSem = semaphore.NewWeighted(cfg.GlobalInFlight)
	}
	return e
}

// Continuations returns the cache holding truncated batch payloads.
func (e *Engine) Continuations() *ContinuationCache {
	return e.continuations
}

// Dispatch executes one invocation. A zero timeout takes the default; an
// explicitly non-positive timeout returns a timeout error without any
// backend call.
func (e *Engine) Dispatch(ctx context.Context, inv Invocation) (*mcp.CallToolResult, error) {
	if inv.CorrelationID == "" {
		inv.CorrelationID = uuid.NewString()
	}
	if inv.TimeoutSet && inv.Timeout <= 0 {
		return nil, fmt.Errorf("%w: non-positive deadline", errors.ErrTimeout)
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	kind, err := e.registry.Resolve(inv.Target)
	if err != nil {
		return nil, err
	}

	if e.limiter != nil && !e.limiter.Allow() {
		e.bus.Publish(events.ToolFailed{
			ProviderID:    inv.Target,
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Kind:          errors.KindRateLimited,
		})
		return nil, fmt.Errorf("%w: global request budget exhausted", errors.ErrRateLimited)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.globalSem != nil {
		if err := e.globalSem.Acquire(ctx, 1); err != nil {
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for global slot: %w", errors.ErrTimeout, err)
			}
			return nil, fmt.Errorf("%w: %w", errors.ErrCancelled, err)
		}
		defer e.globalSem.Release(1)
	}

	switch kind {
	case registry.TargetGroup:
		return e.dispatchGroup(ctx, inv)
	default:
		mgr, _ := e.registry.Provider(inv.Target)
		return e.invokeProvider(ctx, mgr, inv)
	}
}

// dispatchGroup applies the group gates, picks a member and tail-calls the
// member dispatch with breaker bookkeeping.
func (e *Engine) dispatchGroup(ctx context.Context, inv Invocation) (*mcp.CallToolResult, error) {
	g, ok := e.registry.Group(inv.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownTarget, inv.Target)
	}

	memberID, err := g.Select(e.registry.MemberViews(g))
	if err != nil {
		e.bus.Publish(events.ToolFailed{
			ProviderID:    inv.Target,
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Kind:          errors.KindOf(err),
		})
		return nil, err
	}

	mgr, ok := e.registry.Provider(memberID)
	if !ok {
		g.RecordOutcome(false)
		return nil, fmt.Errorf("%w: group %q member %q", errors.ErrUnknownTarget, inv.Target, memberID)
	}

	e.logger.Debug("group dispatch", "group", inv.Target, "member", memberID, "tool", inv.Tool)

	result, err := e.invokeProvider(ctx, mgr, inv)

	// Tool-level errors and caller mistakes are successes from the
	// breaker's point of view: the member did its job.
	success := err == nil || !errors.CountsAsHealthFailure(errors.KindOf(err))
	g.RecordOutcome(success)

	return result, err
}

// invokeProvider runs the call on one provider and publishes the outcome.
func (e *Engine) invokeProvider(ctx context.Context, mgr *provider.Manager, inv Invocation) (*mcp.CallToolResult, error) {
	began := time.Now()
	out, err := mgr.Invoke(ctx, inv.Tool, inv.Arguments)
	if err != nil {
		e.bus.Publish(events.ToolFailed{
			ProviderID:    mgr.ID(),
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Kind:          errors.KindOf(err),
			Duration:      time.Since(began),
		})
		return nil, err
	}

	if out.Result.IsError {
		e.bus.Publish(events.ToolFailed{
			ProviderID:    mgr.ID(),
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Kind:          errors.KindTool,
			Duration:      out.Elapsed,
		})
	} else {
		e.bus.Publish(events.ToolInvoked{
			ProviderID:    mgr.ID(),
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Duration:      out.Elapsed,
		})
	}

	return out.Result, nil
}
