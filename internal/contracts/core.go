package contracts

import (
	"context"
	"time"

	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/events"
)

// Publisher lets core components emit domain events without owning the bus.
type Publisher interface {
	// Publish delivers an event to all subscribers without blocking.
	Publish(e events.Event)
}

// StatusSource exposes provider and group snapshots to the API and gateway
// layers without giving them access to managers.
type StatusSource interface {
	// ListProviders returns a snapshot of every configured provider.
	ListProviders() []domain.ProviderStatus

	// ProviderStatus returns the snapshot for a single provider.
	ProviderStatus(id string) (domain.ProviderStatus, error)

	// ListGroups returns a snapshot of every configured group.
	ListGroups() []domain.GroupStatus
}

// HealthCheck is one named probe result for HTTP health endpoints.
type HealthCheck struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"-"`
}

// HealthChecker runs the gateway's readiness probes.
type HealthChecker interface {
	// Check runs all probes and reports their individual outcomes.
	Check(ctx context.Context) []HealthCheck
}
