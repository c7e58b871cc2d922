// Package worker contains the gateway's periodic background loops.
package worker

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mcp-hangar/hangar/internal/registry"
)

const (
	// DefaultHealthInterval is the probe period when unconfigured.
	DefaultHealthInterval = 30 * time.Second

	// ProbeTimeout bounds one tools/list health probe.
	ProbeTimeout = 5 * time.Second
)

// HealthWorker periodically probes every dispatchable provider. State
// transitions and events are handled inside the provider managers; the
// worker only drives the cadence.
type HealthWorker struct {
	logger   hclog.Logger
	registry *registry.Registry
	interval time.Duration
}

// NewHealthWorker creates a worker; intervals < 1s use the default.
func NewHealthWorker(logger hclog.Logger, reg *registry.Registry, interval time.Duration) *HealthWorker {
	if interval < time.Second {
		interval = DefaultHealthInterval
	}
	return &HealthWorker{
		logger:   logger.Named("health"),
		registry: reg,
		interval: interval,
	}
}

// Run probes on the configured interval until the context is cancelled.
// It blocks and is intended to run on its own goroutine.
func (w *HealthWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping health checks")
			return
		case <-ticker.C:
			w.probeAll(ctx)
		}
	}
}

// probeAll fans the probes out so one slow provider cannot delay the rest.
func (w *HealthWorker) probeAll(ctx context.Context) {
	for _, mgr := range w.registry.Providers() {
		if !mgr.State().Dispatchable() {
			continue
		}
		go func() {
			probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()
			if err := mgr.Probe(probeCtx); err != nil {
				w.logger.Debug("probe failed", "provider", mgr.ID(), "error", err)
			}
		}()
	}
}
