package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

const (
	// ProviderStateCold means the provider has no running backend.
	ProviderStateCold ProviderState = "cold"

	// ProviderStateInitializing means a launch and MCP handshake are in progress.
	ProviderStateInitializing ProviderState = "initializing"

	// ProviderStateReady means the provider has an initialized session and serves calls.
	ProviderStateReady ProviderState = "ready"

	// ProviderStateDegraded means the provider accumulated too many consecutive failures
	// but has not been shut down; it still serves calls and may recover.
	ProviderStateDegraded ProviderState = "degraded"

	// ProviderStateDead means the provider failed to launch or complete its
	// handshake within the start retry budget. Only a failed cold start leads
	// here; failures on a running provider degrade it instead.
	ProviderStateDead ProviderState = "dead"
)

// ProviderState represents the lifecycle state of a provider.
type ProviderState string

// validTransitions is the provider lifecycle state machine.
// Only transitions listed here may be performed.
var validTransitions = map[ProviderState]map[ProviderState]struct{}{
	ProviderStateCold: {
		ProviderStateInitializing: {},
	},
	ProviderStateInitializing: {
		ProviderStateReady:    {},
		ProviderStateDegraded: {},
		ProviderStateDead:     {},
	},
	ProviderStateReady: {
		ProviderStateCold:     {},
		ProviderStateDegraded: {},
		ProviderStateDead:     {},
	},
	ProviderStateDegraded: {
		ProviderStateReady:        {},
		ProviderStateInitializing: {},
		ProviderStateCold:         {},
		ProviderStateDead:         {},
	},
	ProviderStateDead: {
		ProviderStateInitializing: {},
	},
}

// CanTransition reports whether the state machine permits moving from one state to another.
// Transitioning to the current state is always permitted (a no-op).
func CanTransition(from, to ProviderState) bool {
	if from == to {
		return true
	}
	_, ok := validTransitions[from][to]
	return ok
}

// Dispatchable reports whether a provider in this state can serve tool calls
// without a cold start.
func (s ProviderState) Dispatchable() bool {
	return s == ProviderStateReady || s == ProviderStateDegraded
}

const maxProviderIDLength = 64

var providerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateProviderID checks a provider or group identifier against the naming rules:
// non-empty, at most 64 characters, limited to [A-Za-z0-9_.-].
func ValidateProviderID(id string) error {
	if id == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if len(id) > maxProviderIDLength {
		return fmt.Errorf("provider id %q exceeds %d characters", id, maxProviderIDLength)
	}
	if !providerIDPattern.MatchString(id) {
		return fmt.Errorf("provider id %q contains invalid characters", id)
	}
	return nil
}

// ToolDescriptor describes one tool a provider exposes.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// HealthRecord is a point-in-time copy of a provider's health counters.
type HealthRecord struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int        `json:"total_failures"`
	TotalInvocations    int        `json:"total_invocations"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastSuccessful      *time.Time `json:"last_successful,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// ProviderStatus is a snapshot of one provider for listings and details.
type ProviderStatus struct {
	ID          string        `json:"id"`
	State       ProviderState `json:"state"`
	Mode        string        `json:"mode"`
	Description string        `json:"description,omitempty"`
	ToolsCount  int           `json:"tools_count"`
	ToolNames   []string      `json:"tools_cached,omitempty"`
	InFlight    int64         `json:"in_flight"`
	Health      HealthRecord  `json:"health"`
	LastUsed    *time.Time    `json:"last_used,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
}
