package group

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/mcp-hangar/hangar/internal/contracts"
	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/events"
)

// Member references one provider by id with its routing attributes.
// Groups never own their members; resolution goes through the registry.
type Member struct {
	ID       string
	Weight   int
	Priority int
}

// Config describes one group from configuration.
type Config struct {
	ID          string
	Description string
	Strategy    Strategy
	Members     []Member
	MinHealthy  int
	Breaker     BreakerConfig
}

// Group is a logical set of providers sharing a routing strategy, a
// circuit breaker and a min-healthy availability gate. It is safe for
// concurrent use by multiple goroutines.
type Group struct {
	logger   hclog.Logger
	bus      contracts.Publisher
	cfg      Config
	balancer Balancer
	breaker  *Breaker

	mu            sync.Mutex
	lastAvailable *bool
}

// New validates the group configuration and creates its runtime.
func New(logger hclog.Logger, bus contracts.Publisher, cfg Config) (*Group, error) {
	if err := domain.ValidateProviderID(cfg.ID); err != nil {
		return nil, err
	}
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("group %q has no members", cfg.ID)
	}
	if cfg.MinHealthy < 0 || cfg.MinHealthy > len(cfg.Members) {
		return nil, fmt.Errorf("group %q min_healthy %d out of range [0,%d]", cfg.ID, cfg.MinHealthy, len(cfg.Members))
	}

	g := &Group{
		logger:   logger.Named("group").With("group", cfg.ID),
		bus:      bus,
		cfg:      cfg,
		balancer: NewBalancer(cfg.Strategy),
	}
	g.breaker = NewBreaker(cfg.Breaker, func(from, to domain.CircuitState) {
		switch to {
		case domain.CircuitOpen:
			if from == domain.CircuitClosed || from == domain.CircuitHalfOpen {
				bus.Publish(events.CircuitOpened{GroupID: cfg.ID, Failures: g.breaker.Failures()})
				g.logger.Warn("circuit opened")
			}
		case domain.CircuitClosed:
			bus.Publish(events.CircuitReset{GroupID: cfg.ID})
			g.logger.Info("circuit reset")
		}
	})

	return g, nil
}

// ID returns the group identifier.
func (g *Group) ID() string { return g.cfg.ID }

// Members returns the configured member references in order.
func (g *Group) Members() []Member { return g.cfg.Members }

// MinHealthy returns the availability threshold.
func (g *Group) MinHealthy() int { return g.cfg.MinHealthy }

// Strategy returns the routing strategy tag.
func (g *Group) Strategy() Strategy { return g.cfg.Strategy }

// Breaker returns the group's circuit breaker.
func (g *Group) Breaker() *Breaker { return g.breaker }

// Select picks a member for one dispatch. Order of gates: min_healthy,
// then the circuit breaker, then the load balancer over the rotation set.
//
// Healthy (for min_healthy) means ready or degraded. The rotation set is
// ready members only; when none are ready the group falls back to
// startable members (anything but dead), and finally to every member, so
// a fully cold group still cold-starts on first dispatch.
func (g *Group) Select(views []MemberView) (string, error) {
	healthy := 0
	for _, v := range views {
		if v.State.Dispatchable() {
			healthy++
		}
	}
	g.publishAvailability(healthy, len(views))

	if g.cfg.MinHealthy > 0 && healthy < g.cfg.MinHealthy {
		return "", fmt.Errorf("%w: group %q has %d healthy members, needs %d",
			errors.ErrGroupUnavailable, g.cfg.ID, healthy, g.cfg.MinHealthy)
	}

	if !g.breaker.Allow() {
		return "", fmt.Errorf("%w: group %q", errors.ErrCircuitOpen, g.cfg.ID)
	}

	rotation := filterState(views, func(s domain.ProviderState) bool { return s == domain.ProviderStateReady })
	if len(rotation) == 0 {
		rotation = filterState(views, func(s domain.ProviderState) bool { return s != domain.ProviderStateDead })
	}
	if len(rotation) == 0 {
		rotation = views
	}

	id, ok := g.balancer.Pick(rotation)
	if !ok {
		g.breaker.RecordFailure()
		return "", fmt.Errorf("%w: group %q has no members to route to", errors.ErrGroupUnavailable, g.cfg.ID)
	}
	return id, nil
}

// RecordOutcome feeds a member dispatch outcome into the breaker.
// Tool-level errors are successes from the breaker's point of view.
func (g *Group) RecordOutcome(success bool) {
	if success {
		g.breaker.RecordSuccess()
	} else {
		g.breaker.RecordFailure()
	}
}

// publishAvailability emits GroupStateChanged when availability flips.
func (g *Group) publishAvailability(healthy, total int) {
	available := g.cfg.MinHealthy == 0 || healthy >= g.cfg.MinHealthy

	g.mu.Lock()
	changed := g.lastAvailable == nil || *g.lastAvailable != available
	g.lastAvailable = &available
	g.mu.Unlock()

	if changed {
		g.bus.Publish(events.GroupStateChanged{
			GroupID:      g.cfg.ID,
			HealthyCount: healthy,
			TotalMembers: total,
			Available:    available,
		})
	}
}

// Status builds a point-in-time snapshot from the given member views.
func (g *Group) Status(views []MemberView, failures map[string]int) domain.GroupStatus {
	healthy := 0
	members := make([]domain.GroupMemberStatus, 0, len(views))
	for _, v := range views {
		if v.State.Dispatchable() {
			healthy++
		}
		members = append(members, domain.GroupMemberStatus{
			ID:                  v.ID,
			State:               v.State,
			InRotation:          v.State == domain.ProviderStateReady,
			Weight:              v.Weight,
			Priority:            v.Priority,
			InFlight:            v.InFlight,
			ConsecutiveFailures: failures[v.ID],
		})
	}

	circuit := g.breaker.State()
	status := domain.GroupStatus{
		ID:           g.cfg.ID,
		Description:  g.cfg.Description,
		Strategy:     string(g.cfg.Strategy),
		MinHealthy:   g.cfg.MinHealthy,
		HealthyCount: healthy,
		TotalMembers: len(views),
		Available:    (g.cfg.MinHealthy == 0 || healthy >= g.cfg.MinHealthy) && circuit != domain.CircuitOpen,
		Circuit:      circuit,
		CircuitOpen:  circuit == domain.CircuitOpen,
		Members:      members,
	}
	if openedAt, ok := g.breaker.OpenedAt(); ok {
		status.OpenedAt = &openedAt
	}
	return status
}

// filterState keeps the views whose state satisfies keep.
func filterState(views []MemberView, keep func(domain.ProviderState) bool) []MemberView {
	out := make([]MemberView, 0, len(views))
	for _, v := range views {
		if keep(v.State) {
			out = append(out, v)
		}
	}
	return out
}
