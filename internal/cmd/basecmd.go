// Package cmd carries shared command plumbing: the base command with its
// lazily configured logger and the build version.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/mcp-hangar/hangar/internal/flags"
)

// version is set at build time using -ldflags.
var version = "dev"

// Version returns the build version string.
func Version() string { return version }

// BaseCmd is embedded by all commands to share logger construction.
type BaseCmd struct {
	logger hclog.Logger
}

// SetLogger updates the command's logger.
func (c *BaseCmd) SetLogger(logger hclog.Logger) {
	c.logger = logger
}

// Logger returns the current logger for the command, building one from
// flags and environment on first use. Output defaults to discard so the
// stdio MCP transport keeps stdout/stderr to itself; set a log path to
// capture logs.
func (c *BaseCmd) Logger() hclog.Logger {
	if c.logger != nil {
		return c.logger
	}

	logLevel := flags.LogLevel
	if logLevel == "" {
		logLevel = strings.ToLower(os.Getenv(flags.EnvVarLogLevel))
		if logLevel == "" {
			logLevel = flags.DefaultLogLevel
		}
	}

	logPath := flags.LogPath
	if logPath == "" {
		logPath = strings.TrimSpace(os.Getenv(flags.EnvVarLogPath))
	}

	var output io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file (%s): %v, using stderr\n", logPath, err)
			output = os.Stderr
		} else {
			output = f
		}
	}

	c.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "hangar",
		Level:  hclog.LevelFromString(logLevel),
		Output: output,
	})

	return c.logger
}
