package events

import (
	"time"

	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/errors"
)

// Event is a domain event published on the Bus.
// Name returns a stable snake_case identifier used for logging and metrics.
type Event interface {
	Name() string
}

// ProviderStarting is published when a cold start begins.
type ProviderStarting struct {
	ProviderID string
}

func (ProviderStarting) Name() string { return "provider_starting" }

// ProviderReady is published when a provider completes its handshake and
// tool discovery.
type ProviderReady struct {
	ProviderID string
	Mode       string
	ToolsCount int
	ColdStart  time.Duration
}

func (ProviderReady) Name() string { return "provider_ready" }

// ProviderDegraded is published when consecutive failures reach the
// configured threshold.
type ProviderDegraded struct {
	ProviderID          string
	ConsecutiveFailures int
	Reason              string
}

func (ProviderDegraded) Name() string { return "provider_degraded" }

// ProviderRecovered is published when a degraded provider passes a probe.
type ProviderRecovered struct {
	ProviderID string
}

func (ProviderRecovered) Name() string { return "provider_recovered" }

// ProviderStopped is published on shutdown, whether explicit or idle GC.
type ProviderStopped struct {
	ProviderID string
	Reason     string
}

func (ProviderStopped) Name() string { return "provider_stopped" }

// ProviderStateChanged is published for every state machine transition.
type ProviderStateChanged struct {
	ProviderID string
	From       domain.ProviderState
	To         domain.ProviderState
}

func (ProviderStateChanged) Name() string { return "provider_state_changed" }

// ToolInvoked is published after a successful tool call.
type ToolInvoked struct {
	ProviderID    string
	Tool          string
	CorrelationID string
	Duration      time.Duration
}

func (ToolInvoked) Name() string { return "tool_invoked" }

// ToolFailed is published after a failed tool call, tagged with the
// taxonomy kind of the failure.
type ToolFailed struct {
	ProviderID    string
	Tool          string
	CorrelationID string
	Kind          errors.Kind
	Duration      time.Duration
}

func (ToolFailed) Name() string { return "tool_failed" }

// CircuitOpened is published when a group breaker trips.
type CircuitOpened struct {
	GroupID  string
	Failures int
}

func (CircuitOpened) Name() string { return "circuit_opened" }

// CircuitReset is published when a group breaker closes again.
type CircuitReset struct {
	GroupID string
}

func (CircuitReset) Name() string { return "circuit_reset" }

// GroupStateChanged is published when a group's availability changes.
type GroupStateChanged struct {
	GroupID      string
	HealthyCount int
	TotalMembers int
	Available    bool
}

func (GroupStateChanged) Name() string { return "group_state_changed" }

// BatchCompleted is published once per finished batch.
type BatchCompleted struct {
	BatchID           string
	Size              int
	Succeeded         int
	Failed            int
	Cancelled         int
	BreakerRejections int
	Truncations       int
	Duration          time.Duration
}

func (BatchCompleted) Name() string { return "batch_completed" }
