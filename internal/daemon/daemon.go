// Package daemon wires the hangar core together: registry construction
// from config, the event bus and its subscribers, the background workers,
// the MCP gateway surface and the optional HTTP server.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mcp-hangar/hangar/internal/config"
	"github.com/mcp-hangar/hangar/internal/contracts"
	"github.com/mcp-hangar/hangar/internal/dispatch"
	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/events"
	"github.com/mcp-hangar/hangar/internal/group"
	"github.com/mcp-hangar/hangar/internal/metrics"
	"github.com/mcp-hangar/hangar/internal/provider"
	"github.com/mcp-hangar/hangar/internal/registry"
	"github.com/mcp-hangar/hangar/internal/transport"
	"github.com/mcp-hangar/hangar/internal/worker"
)

// Daemon runs one configured hangar instance.
type Daemon struct {
	logger    hclog.Logger
	cfg       *config.Config
	opts      Options
	bus       *events.Bus
	registry  *registry.Registry
	engine    *dispatch.Engine
	recorder  *metrics.Recorder
	gateway   *Gateway
	startedAt time.Time

	unsubscribe []func()
}

// New builds a daemon from a validated configuration.
func New(logger hclog.Logger, cfg *config.Config, opt ...Option) (*Daemon, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	opts, err := NewOptions(opt...)
	if err != nil {
		return nil, fmt.Errorf("invalid daemon options: %w", err)
	}

	d := &Daemon{
		logger:    logger.Named("daemon"),
		cfg:       cfg,
		opts:      opts,
		startedAt: time.Now(),
	}

	d.bus = events.NewBus(logger)
	d.recorder = metrics.NewRecorder()
	d.unsubscribe = append(d.unsubscribe,
		d.bus.Subscribe("metrics", 0, d.recorder.Handle),
		d.bus.Subscribe("audit", 0, d.auditEvent),
	)

	d.registry = registry.New(logger)
	if err := d.populateRegistry(); err != nil {
		return nil, err
	}

	d.engine = dispatch.NewEngine(logger, d.registry, d.bus, dispatch.Config{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})

	d.gateway = NewGateway(logger, d.registry, d.engine, d.recorder, opts.Version)

	return d, nil
}

// populateRegistry builds managers and groups from the config entries.
// Providers register first so groups can validate their member references.
func (d *Daemon) populateRegistry() error {
	for id, entry := range d.cfg.Providers {
		if entry.IsGroup() {
			continue
		}
		mgr, err := d.buildManager(id, entry)
		if err != nil {
			return err
		}
		if err := d.registry.AddProvider(mgr); err != nil {
			return err
		}
	}

	for id, entry := range d.cfg.Providers {
		if !entry.IsGroup() {
			continue
		}
		g, err := d.buildGroup(id, entry)
		if err != nil {
			return err
		}
		if err := d.registry.AddGroup(g); err != nil {
			return err
		}
	}

	return nil
}

// buildManager constructs the launcher and manager for one provider entry.
func (d *Daemon) buildManager(id string, entry config.ProviderEntry) (*provider.Manager, error) {
	var (
		launcher transport.Launcher
		err      error
	)

	switch entry.Mode {
	case config.ModeSubprocess:
		launcher, err = transport.NewSubprocessLauncher(d.logger.With("provider", id), entry.Command, entry.Env)
	case config.ModeContainer:
		readOnly := true
		if entry.ReadOnly != nil {
			readOnly = *entry.ReadOnly
		}
		launcher, err = transport.NewContainerLauncher(d.logger.With("provider", id), transport.ContainerConfig{
			Image:   entry.Image,
			Volumes: entry.Volumes,
			Env:     entry.Env,
			Resources: transport.ResourceLimits{
				Memory: entry.Resources.Memory,
				CPU:    entry.Resources.CPU,
			},
			Network:  entry.Network,
			ReadOnly: readOnly,
			User:     entry.User,
		})
	case config.ModeRemote:
		launcher, err = transport.NewRemoteLauncher(d.logger.With("provider", id), entry.Endpoint, transport.HTTPTimeouts{
			Connect: secondsToDuration(entry.HTTP.ConnectTimeout),
			Read:    secondsToDuration(entry.HTTP.ReadTimeout),
		})
	default:
		err = fmt.Errorf("provider %q: unknown mode %q", id, entry.Mode)
	}
	if err != nil {
		return nil, err
	}

	declared := make([]domain.ToolDescriptor, 0, len(entry.Tools))
	for _, t := range entry.Tools {
		declared = append(declared, t.Descriptor())
	}

	return provider.NewManager(d.logger, d.bus, provider.Config{
		ID:             id,
		Mode:           entry.Mode,
		Description:    entry.Description,
		Launcher:       launcher,
		DeclaredTools:  declared,
		IdleTTL:        time.Duration(entry.IdleTTLSeconds) * time.Second,
		MaxConsecutive: entry.MaxConsecutiveFailures,
		Version:        d.opts.Version,
	})
}

// buildGroup constructs the runtime for one group entry.
func (d *Daemon) buildGroup(id string, entry config.ProviderEntry) (*group.Group, error) {
	strategy, err := group.ParseStrategy(entry.Strategy)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", id, err)
	}

	members := make([]group.Member, 0, len(entry.Members))
	for _, m := range entry.Members {
		members = append(members, group.Member{ID: m.ID, Weight: m.Weight, Priority: m.Priority})
	}

	return group.New(d.logger, d.bus, group.Config{
		ID:          id,
		Description: entry.Description,
		Strategy:    strategy,
		Members:     members,
		MinHealthy:  entry.MinHealthy,
		Breaker: group.BreakerConfig{
			FailureThreshold: entry.CircuitBreaker.FailureThreshold,
			ResetTimeout:     secondsToDuration(entry.CircuitBreaker.ResetTimeoutSeconds),
		},
	})
}

// Run starts the workers and serves the gateway until the context is
// cancelled, then shuts every provider down.
func (d *Daemon) Run(ctx context.Context) error {
	healthEnabled := d.cfg.HealthCheck.Enabled == nil || *d.cfg.HealthCheck.Enabled
	if healthEnabled {
		hw := worker.NewHealthWorker(d.logger, d.registry, time.Duration(d.cfg.HealthCheck.IntervalSeconds)*time.Second)
		go hw.Run(ctx)
	}
	gc := worker.NewIdleWorker(d.logger, d.registry, d.opts.IdleScanInterval)
	go gc.Run(ctx)

	var err error
	if d.opts.HTTPEnabled {
		srv := NewAPIServer(d.logger, d, d.opts)
		err = srv.Start(ctx)
	} else {
		err = d.gateway.ServeStdio(ctx)
	}

	d.shutdownAll()
	d.bus.Close()
	return err
}

// shutdownAll closes every provider, best effort.
func (d *Daemon) shutdownAll() {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
	defer cancel()

	for _, mgr := range d.registry.Providers() {
		if err := mgr.Shutdown(ctx, "daemon shutdown"); err != nil {
			d.logger.Warn("provider shutdown failed", "provider", mgr.ID(), "error", err)
		}
	}
	for _, unsub := range d.unsubscribe {
		unsub()
	}
}

// auditEvent logs every domain event at debug level.
func (d *Daemon) auditEvent(e events.Event) {
	d.logger.Debug("event", "name", e.Name(), "payload", fmt.Sprintf("%+v", e))
}

// Check implements contracts.HealthChecker for the HTTP probes.
func (d *Daemon) Check(ctx context.Context) []contracts.HealthCheck {
	began := time.Now()
	providers := d.registry.ListProviders()
	dead := 0
	for _, p := range providers {
		if p.State == domain.ProviderStateDead {
			dead++
		}
	}

	status := "healthy"
	if len(providers) > 0 && dead == len(providers) {
		status = "unhealthy"
	}

	return []contracts.HealthCheck{
		{
			Name:     "providers",
			Status:   status,
			Duration: time.Since(began),
		},
	}
}

// secondsToDuration converts a fractional-seconds config value.
func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
