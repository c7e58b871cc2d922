// Package config loads and validates the hangar configuration file.
// YAML is the primary format; files with a .toml extension are decoded
// with the TOML decoder into the same schema.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/group"
)

const (
	ModeSubprocess = "subprocess"
	ModeContainer  = "container"
	ModeRemote     = "remote"
	ModeGroup      = "group"
)

// Defaults applied per provider when a field is unset.
const (
	DefaultIdleTTLSeconds        = 300
	DefaultHealthIntervalSeconds = 30
	DefaultMaxConsecutiveFails   = 3
)

// Config is the root of the hangar configuration file.
type Config struct {
	Providers   map[string]ProviderEntry `yaml:"providers"   toml:"providers"   json:"providers"`
	HealthCheck HealthCheckConfig        `yaml:"health_check" toml:"health_check" json:"health_check"`
	RateLimit   RateLimitConfig          `yaml:"rate_limit"  toml:"rate_limit"  json:"rate_limit"`
}

// ProviderEntry is one provider or group definition keyed by id.
type ProviderEntry struct {
	Mode        string            `yaml:"mode"        toml:"mode"        json:"mode"`
	Description string            `yaml:"description" toml:"description" json:"description,omitempty"`

	// Subprocess.
	Command []string          `yaml:"command" toml:"command" json:"command,omitempty"`
	Env     map[string]string `yaml:"env"     toml:"env"     json:"env,omitempty"`

	// Container.
	Image     string         `yaml:"image"     toml:"image"     json:"image,omitempty"`
	Volumes   []string       `yaml:"volumes"   toml:"volumes"   json:"volumes,omitempty"`
	Resources ResourceConfig `yaml:"resources" toml:"resources" json:"resources,omitempty"`
	Network   string         `yaml:"network"   toml:"network"   json:"network,omitempty"`
	ReadOnly  *bool          `yaml:"read_only" toml:"read_only" json:"read_only,omitempty"`
	User      string         `yaml:"user"      toml:"user"      json:"user,omitempty"`

	// Remote.
	Endpoint string     `yaml:"endpoint" toml:"endpoint" json:"endpoint,omitempty"`
	HTTP     HTTPConfig `yaml:"http"     toml:"http"     json:"http,omitempty"`

	// Lifecycle.
	IdleTTLSeconds         int         `yaml:"idle_ttl_s"                toml:"idle_ttl_s"                json:"idle_ttl_s,omitempty"`
	HealthIntervalSeconds  int         `yaml:"health_check_interval_s"   toml:"health_check_interval_s"   json:"health_check_interval_s,omitempty"`
	MaxConsecutiveFailures int         `yaml:"max_consecutive_failures"  toml:"max_consecutive_failures"  json:"max_consecutive_failures,omitempty"`
	Tools                  []ToolEntry `yaml:"tools"                     toml:"tools"                     json:"tools,omitempty"`

	// Group.
	Strategy       string         `yaml:"strategy"        toml:"strategy"        json:"strategy,omitempty"`
	MinHealthy     int            `yaml:"min_healthy"     toml:"min_healthy"     json:"min_healthy,omitempty"`
	CircuitBreaker CircuitConfig  `yaml:"circuit_breaker" toml:"circuit_breaker" json:"circuit_breaker,omitempty"`
	Members        []MemberEntry  `yaml:"members"         toml:"members"         json:"members,omitempty"`
}

// ToolEntry declares a tool in config, used for cold catalog listing until
// backend discovery replaces it.
type ToolEntry struct {
	Name        string         `yaml:"name"         toml:"name"         json:"name"`
	Description string         `yaml:"description"  toml:"description"  json:"description,omitempty"`
	InputSchema map[string]any `yaml:"input_schema" toml:"input_schema" json:"input_schema,omitempty"`
}

// Descriptor converts a declared tool into the domain form.
func (t ToolEntry) Descriptor() domain.ToolDescriptor {
	var schema []byte
	if t.InputSchema != nil {
		schema, _ = json.Marshal(t.InputSchema)
	}
	return domain.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// ResourceConfig bounds a container provider.
type ResourceConfig struct {
	Memory string `yaml:"memory" toml:"memory" json:"memory,omitempty"`
	CPU    string `yaml:"cpu"    toml:"cpu"    json:"cpu,omitempty"`
}

// HTTPConfig holds remote provider timeouts in seconds.
type HTTPConfig struct {
	ConnectTimeout float64 `yaml:"connect_timeout" toml:"connect_timeout" json:"connect_timeout,omitempty"`
	ReadTimeout    float64 `yaml:"read_timeout"    toml:"read_timeout"    json:"read_timeout,omitempty"`
}

// CircuitConfig tunes a group's breaker.
type CircuitConfig struct {
	FailureThreshold    int     `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold,omitempty"`
	ResetTimeoutSeconds float64 `yaml:"reset_timeout_s"   toml:"reset_timeout_s"   json:"reset_timeout_s,omitempty"`
}

// MemberEntry references a provider from a group definition.
type MemberEntry struct {
	ID       string `yaml:"id"       toml:"id"       json:"id"`
	Weight   int    `yaml:"weight"   toml:"weight"   json:"weight,omitempty"`
	Priority int    `yaml:"priority" toml:"priority" json:"priority,omitempty"`
}

// HealthCheckConfig controls the periodic health worker.
type HealthCheckConfig struct {
	Enabled         *bool `yaml:"enabled"    toml:"enabled"    json:"enabled,omitempty"`
	IntervalSeconds int   `yaml:"interval_s" toml:"interval_s" json:"interval_s,omitempty"`
}

// RateLimitConfig controls the dispatch token bucket.
type RateLimitConfig struct {
	RPS   int `yaml:"rps"   toml:"rps"   json:"rps,omitempty"`
	Burst int `yaml:"burst" toml:"burst" json:"burst,omitempty"`
}

// applyDefaults fills unset lifecycle fields on one entry.
func (e *ProviderEntry) applyDefaults() {
	if e.Mode == "" {
		e.Mode = ModeSubprocess
	}
	if e.IdleTTLSeconds == 0 {
		e.IdleTTLSeconds = DefaultIdleTTLSeconds
	}
	if e.HealthIntervalSeconds == 0 {
		e.HealthIntervalSeconds = DefaultHealthIntervalSeconds
	}
	if e.MaxConsecutiveFailures == 0 {
		e.MaxConsecutiveFailures = DefaultMaxConsecutiveFails
	}
	if e.Mode == ModeContainer && e.Network == "" {
		e.Network = "none"
	}
}

// IsGroup reports whether this entry defines a group.
func (e ProviderEntry) IsGroup() bool { return e.Mode == ModeGroup }

// validate checks the whole configuration: id rules, mode-specific
// required fields, group member references and thresholds.
func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("%w: configuration has no providers", ErrConfigInvalid)
	}

	for id, entry := range c.Providers {
		if err := domain.ValidateProviderID(id); err != nil {
			return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
		if err := entry.validate(id, c.Providers); err != nil {
			return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
	}

	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("%w: rate_limit.rps cannot be negative", ErrConfigInvalid)
	}

	return nil
}

// validate checks one entry against its mode.
func (e ProviderEntry) validate(id string, all map[string]ProviderEntry) error {
	switch e.Mode {
	case ModeSubprocess, "":
		if len(e.Command) == 0 {
			return fmt.Errorf("provider %q: subprocess mode requires command", id)
		}
	case ModeContainer:
		if e.Image == "" {
			return fmt.Errorf("provider %q: container mode requires image", id)
		}
		switch e.Network {
		case "", "none", "bridge", "host":
		default:
			return fmt.Errorf("provider %q: invalid network %q", id, e.Network)
		}
	case ModeRemote:
		if e.Endpoint == "" {
			return fmt.Errorf("provider %q: remote mode requires endpoint", id)
		}
	case ModeGroup:
		if len(e.Members) == 0 {
			return fmt.Errorf("group %q: requires members", id)
		}
		if _, err := group.ParseStrategy(e.Strategy); err != nil {
			return fmt.Errorf("group %q: %w", id, err)
		}
		if e.MinHealthy < 0 || e.MinHealthy > len(e.Members) {
			return fmt.Errorf("group %q: min_healthy %d out of range [0,%d]", id, e.MinHealthy, len(e.Members))
		}
		for _, m := range e.Members {
			member, ok := all[m.ID]
			if !ok {
				return fmt.Errorf("group %q: unknown member %q", id, m.ID)
			}
			if member.IsGroup() {
				return fmt.Errorf("group %q: member %q is a group; groups cannot nest", id, m.ID)
			}
		}
	default:
		return fmt.Errorf("provider %q: unknown mode %q", id, e.Mode)
	}
	return nil
}
