package cmd

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-hangar/hangar/internal/cmd"
	"github.com/mcp-hangar/hangar/internal/config"
	"github.com/mcp-hangar/hangar/internal/flags"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitUserError   = 1
	ExitSystemError = 2
	ExitInterrupted = 130
)

// RootCmd is the top-level hangar command.
type RootCmd struct {
	*cmd.BaseCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	c := &RootCmd{BaseCmd: &cmd.BaseCmd{}}

	rootCmd := &cobra.Command{
		Use:          "hangar <command> [args]",
		Short:        "hangar is a control-plane gateway in front of MCP servers",
		Long:         c.longDescription(),
		SilenceUsage: true,
		Version:      cmd.Version(),
	}

	// Global flags.
	flags.InitFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(NewDaemonCmd(c.BaseCmd))

	if err := rootCmd.Execute(); err != nil {
		if !stdErrors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return exitCode(err)
	}
	return ExitOK
}

// exitCode classifies an error into the documented exit codes: 1 for user
// errors (bad config, missing file), 2 for system errors, 130 when
// interrupted.
func exitCode(err error) int {
	switch {
	case stdErrors.Is(err, context.Canceled):
		return ExitInterrupted
	case stdErrors.Is(err, config.ErrConfigLoadFailed),
		stdErrors.Is(err, config.ErrConfigInvalid):
		return ExitUserError
	default:
		return ExitSystemError
	}
}

func (c *RootCmd) longDescription() string {
	return `hangar multiplexes MCP clients onto a fleet of backend providers
(subprocesses, containers or remote endpoints), hiding lifecycle, health
monitoring, load balancing and batch fan-out behind a single MCP surface.`
}
