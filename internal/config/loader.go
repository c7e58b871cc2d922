package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mcp-hangar/hangar/internal/flags"
)

var (
	// ErrConfigLoadFailed indicates the config file could not be found,
	// read or decoded.
	ErrConfigLoadFailed = errors.New("config load failed")

	// ErrConfigInvalid indicates the file decoded but failed validation.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// Loader loads a validated configuration from a path.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is the file-based loader used by the daemon.
type DefaultLoader struct{}

// Resolve determines the configuration path using the search order:
// explicit path → HANGAR_CONFIG_FILE → user config directory → current
// directory default.
func Resolve(explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(os.Getenv(flags.EnvVarConfigFile)); p != "" {
		return p, nil
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, "hangar", flags.DefaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return flags.DefaultConfigFile, nil
}

// Load reads, decodes and validates the configuration at path. Files with
// a .toml extension use the TOML decoder; everything else is YAML.
func (DefaultLoader) Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: path cannot be empty", ErrConfigLoadFailed)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: config file not found (%s)", ErrConfigLoadFailed, path)
		}
		return nil, fmt.Errorf("%w: failed to read config file (%s): %w", ErrConfigLoadFailed, path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to decode TOML config (%s): %w", ErrConfigLoadFailed, path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to decode YAML config (%s): %w", ErrConfigLoadFailed, path, err)
		}
	}

	for id, entry := range cfg.Providers {
		entry.applyDefaults()
		cfg.Providers[id] = entry
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
