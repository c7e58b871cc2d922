package domain

import "time"

const (
	// CircuitClosed means calls flow normally while failures are counted.
	CircuitClosed CircuitState = "closed"

	// CircuitOpen means all dispatches are rejected without touching backends.
	CircuitOpen CircuitState = "open"

	// CircuitHalfOpen admits a single probe call to test recovery.
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitState represents the dispatch gate of a provider group.
type CircuitState string

// GroupMemberStatus describes one group member for status listings.
type GroupMemberStatus struct {
	ID                  string        `json:"id"`
	State               ProviderState `json:"state"`
	InRotation          bool          `json:"in_rotation"`
	Weight              int           `json:"weight"`
	Priority            int           `json:"priority"`
	InFlight            int64         `json:"in_flight"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// GroupStatus is a snapshot of one group for listings and details.
type GroupStatus struct {
	ID           string              `json:"group_id"`
	Description  string              `json:"description,omitempty"`
	Strategy     string              `json:"strategy"`
	MinHealthy   int                 `json:"min_healthy"`
	HealthyCount int                 `json:"healthy_count"`
	TotalMembers int                 `json:"total_members"`
	Available    bool                `json:"is_available"`
	Circuit      CircuitState        `json:"circuit"`
	CircuitOpen  bool                `json:"circuit_open"`
	OpenedAt     *time.Time          `json:"opened_at,omitempty"`
	Members      []GroupMemberStatus `json:"members"`
}
