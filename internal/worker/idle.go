package worker

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mcp-hangar/hangar/internal/registry"
)

// DefaultIdleScanInterval is how often the idle GC scans providers.
const DefaultIdleScanInterval = 30 * time.Second

// IdleWorker shuts down providers that have been idle past their TTL with
// nothing in flight, returning them to cold. A provider is never reclaimed
// while any group it belongs to is at or below its min_healthy floor.
type IdleWorker struct {
	logger   hclog.Logger
	registry *registry.Registry
	interval time.Duration
}

// NewIdleWorker creates a worker; intervals < 1s use the default.
func NewIdleWorker(logger hclog.Logger, reg *registry.Registry, interval time.Duration) *IdleWorker {
	if interval < time.Second {
		interval = DefaultIdleScanInterval
	}
	return &IdleWorker{
		logger:   logger.Named("idle-gc"),
		registry: reg,
		interval: interval,
	}
}

// Run scans on the configured interval until the context is cancelled.
// It blocks and is intended to run on its own goroutine.
func (w *IdleWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping idle GC")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep shuts down every reclaimable provider.
func (w *IdleWorker) sweep(ctx context.Context) {
	for _, mgr := range w.registry.Providers() {
		if !mgr.IdleExpired() || mgr.InFlight() != 0 {
			continue
		}
		if w.neededForMinHealthy(mgr.ID()) {
			w.logger.Debug("skipping idle shutdown, group below min_healthy", "provider", mgr.ID())
			continue
		}

		w.logger.Info("shutting down idle provider", "provider", mgr.ID())
		if err := mgr.Shutdown(ctx, "idle"); err != nil {
			w.logger.Warn("idle shutdown failed", "provider", mgr.ID(), "error", err)
		}
	}
}

// neededForMinHealthy reports whether reclaiming this provider would leave
// (or keep) any of its groups below min_healthy.
func (w *IdleWorker) neededForMinHealthy(providerID string) bool {
	for _, g := range w.registry.GroupsContaining(providerID) {
		if g.MinHealthy() == 0 {
			continue
		}
		healthy := 0
		for _, v := range w.registry.MemberViews(g) {
			if v.State.Dispatchable() {
				healthy++
			}
		}
		if healthy <= g.MinHealthy() {
			return true
		}
	}
	return false
}
