package cmd

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcp-hangar/hangar/internal/cmd"
	"github.com/mcp-hangar/hangar/internal/config"
	"github.com/mcp-hangar/hangar/internal/daemon"
	"github.com/mcp-hangar/hangar/internal/flags"
)

// DaemonCmd represents the 'daemon' command.
type DaemonCmd struct {
	*cmd.BaseCmd
	HTTP      bool
	Addr      string
	cfgLoader config.Loader
}

// NewDaemonCmd creates a newly configured (Cobra) command.
func NewDaemonCmd(baseCmd *cmd.BaseCmd) *cobra.Command {
	c := &DaemonCmd{
		BaseCmd:   baseCmd,
		cfgLoader: config.DefaultLoader{},
	}

	cobraCommand := &cobra.Command{
		Use:   "daemon [--http] [--addr]",
		Short: "Launches a hangar gateway instance",
		Long: "Launches a hangar gateway instance, which manages MCP providers and " +
			"serves the gateway tools over stdio (default) or Streamable HTTP.",
		RunE: c.run,
	}

	cobraCommand.Flags().BoolVar(
		&c.HTTP,
		"http",
		false,
		"Serve over HTTP instead of stdio",
	)

	cobraCommand.Flags().StringVar(
		&c.Addr,
		"addr",
		daemon.DefaultAddr(),
		"Address to bind in --http mode",
	)

	return cobraCommand
}

// run is configured (via NewDaemonCmd) to be called by the Cobra framework
// when the command is executed.
func (c *DaemonCmd) run(_ *cobra.Command, _ []string) error {
	logger := c.Logger()

	cfgPath, err := config.Resolve(flags.ConfigFile)
	if err != nil {
		return err
	}

	cfg, err := c.cfgLoader.Load(cfgPath)
	if err != nil {
		return err
	}
	logger.Info("loaded configuration", "path", cfgPath, "entries", len(cfg.Providers))

	opts := []daemon.Option{daemon.WithVersion(cmd.Version())}
	if c.HTTP {
		addr := strings.TrimSpace(c.Addr)
		opts = append(opts, daemon.WithHTTP(addr), daemon.WithCORS(true))
	}

	d, err := daemon.New(logger, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create hangar daemon instance: %w", err)
	}

	daemonCtx, daemonCtxCancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer daemonCtxCancel()

	if c.HTTP {
		fmt.Fprintf(os.Stderr, "hangar daemon listening on %s (MCP at /mcp). Press CTRL+C to shut down.\n", c.Addr)
	}

	if err := d.Run(daemonCtx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}

	if daemonCtx.Err() != nil {
		return context.Canceled
	}
	return nil
}
