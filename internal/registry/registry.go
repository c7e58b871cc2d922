// Package registry holds the indexed set of providers and groups for one
// configuration. Ids are unique across both kinds; groups reference their
// members by id through lookups here and never own them.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/group"
	"github.com/mcp-hangar/hangar/internal/provider"
)

const (
	TargetProvider TargetKind = "provider"
	TargetGroup    TargetKind = "group"
)

// TargetKind distinguishes the two resolvable target types.
type TargetKind string

// Registry is a read-mostly map of providers and groups. Reads are
// concurrent; mutations (config load, add/remove) take the exclusive
// lock. It is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu        sync.RWMutex
	logger    hclog.Logger
	providers map[string]*provider.Manager
	groups    map[string]*group.Group
	order     []string
}

// New creates an empty registry.
func New(logger hclog.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		providers: make(map[string]*provider.Manager),
		groups:    make(map[string]*group.Group),
	}
}

// AddProvider registers a provider manager. The id must be unused by any
// provider or group.
func (r *Registry) AddProvider(m *provider.Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkIDFreeLocked(m.ID()); err != nil {
		return err
	}
	r.providers[m.ID()] = m
	r.order = append(r.order, m.ID())
	return nil
}

// AddGroup registers a group. The id must be unused, every member must be
// a registered provider, and groups never nest other groups.
func (r *Registry) AddGroup(g *group.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkIDFreeLocked(g.ID()); err != nil {
		return err
	}
	for _, m := range g.Members() {
		if _, isGroup := r.groups[m.ID]; isGroup {
			return fmt.Errorf("group %q member %q is a group; groups cannot nest", g.ID(), m.ID)
		}
		if _, ok := r.providers[m.ID]; !ok {
			return fmt.Errorf("group %q references unknown provider %q", g.ID(), m.ID)
		}
	}
	r.groups[g.ID()] = g
	r.order = append(r.order, g.ID())
	return nil
}

// checkIDFreeLocked enforces id uniqueness across providers and groups.
func (r *Registry) checkIDFreeLocked(id string) error {
	if _, ok := r.providers[id]; ok {
		return fmt.Errorf("id %q already registered as a provider", id)
	}
	if _, ok := r.groups[id]; ok {
		return fmt.Errorf("id %q already registered as a group", id)
	}
	return nil
}

// Provider returns the manager for an id.
func (r *Registry) Provider(id string) (*provider.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.providers[id]
	return m, ok
}

// Group returns the group for an id.
func (r *Registry) Group(id string) (*group.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// Resolve classifies a target id as provider or group.
func (r *Registry) Resolve(id string) (TargetKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.providers[id]; ok {
		return TargetProvider, nil
	}
	if _, ok := r.groups[id]; ok {
		return TargetGroup, nil
	}
	return "", fmt.Errorf("%w: %q", errors.ErrUnknownTarget, id)
}

// Providers returns all provider managers in registration order.
func (r *Registry) Providers() []*provider.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*provider.Manager, 0, len(r.providers))
	for _, id := range r.order {
		if m, ok := r.providers[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Groups returns all groups in registration order.
func (r *Registry) Groups() []*group.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*group.Group, 0, len(r.groups))
	for _, id := range r.order {
		if g, ok := r.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out
}

// MemberViews builds the balancer input for a group from live member state.
func (r *Registry) MemberViews(g *group.Group) []group.MemberView {
	members := g.Members()
	views := make([]group.MemberView, 0, len(members))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range members {
		mgr, ok := r.providers[m.ID]
		if !ok {
			continue
		}
		views = append(views, group.MemberView{
			ID:       m.ID,
			State:    mgr.State(),
			Weight:   m.Weight,
			Priority: m.Priority,
			InFlight: mgr.InFlight(),
		})
	}
	return views
}

// GroupsContaining returns the groups that reference a provider id.
func (r *Registry) GroupsContaining(providerID string) []*group.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*group.Group
	for _, g := range r.groups {
		for _, m := range g.Members() {
			if m.ID == providerID {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

// ListProviders returns sorted status snapshots for every provider.
func (r *Registry) ListProviders() []domain.ProviderStatus {
	managers := r.Providers()
	out := make([]domain.ProviderStatus, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProviderStatus returns the snapshot for a single provider.
func (r *Registry) ProviderStatus(id string) (domain.ProviderStatus, error) {
	m, ok := r.Provider(id)
	if !ok {
		return domain.ProviderStatus{}, fmt.Errorf("%w: %q", errors.ErrUnknownTarget, id)
	}
	return m.Status(), nil
}

// ListGroups returns sorted status snapshots for every group.
func (r *Registry) ListGroups() []domain.GroupStatus {
	groups := r.Groups()
	out := make([]domain.GroupStatus, 0, len(groups))
	for _, g := range groups {
		out = append(out, r.GroupStatus(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupStatus builds the snapshot for one group, including per-member
// health counters.
func (r *Registry) GroupStatus(g *group.Group) domain.GroupStatus {
	views := r.MemberViews(g)
	failures := make(map[string]int, len(views))
	for _, v := range views {
		if m, ok := r.Provider(v.ID); ok {
			failures[v.ID] = m.Health().ConsecutiveFailures()
		}
	}
	return g.Status(views, failures)
}
