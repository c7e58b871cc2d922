package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/client"
)

// SubprocessLauncher starts a provider as a child process speaking MCP on
// its stdin/stdout. Stderr is captured to a ring buffer for diagnostics.
type SubprocessLauncher struct {
	logger  hclog.Logger
	command []string
	env     map[string]string
	stderr  *RingBuffer
}

// NewSubprocessLauncher creates a launcher for the given argv and environment.
func NewSubprocessLauncher(logger hclog.Logger, command []string, env map[string]string) (*SubprocessLauncher, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("subprocess provider requires a non-empty command")
	}
	return &SubprocessLauncher{
		logger:  logger,
		command: command,
		env:     env,
		stderr:  NewRingBuffer(DefaultStderrLines),
	}, nil
}

// Kind returns the transport mode.
func (l *SubprocessLauncher) Kind() Kind { return KindSubprocess }

// Describe returns the launch argv for logs and status output.
func (l *SubprocessLauncher) Describe() string { return strings.Join(l.command, " ") }

// Stderr returns the captured stderr lines, oldest first.
func (l *SubprocessLauncher) Stderr() []string { return l.stderr.Lines() }

// Launch spawns the child process and returns a connected MCP client.
// The stdio transport owns framing and reply matching; this launcher only
// wires the process and its stderr capture.
func (l *SubprocessLauncher) Launch(ctx context.Context) (*client.Client, error) {
	c, err := client.NewStdioMCPClient(l.command[0], environ(l.env), l.command[1:]...)
	if err != nil {
		return nil, Classify(err)
	}

	if stderr, ok := client.GetStderr(c); ok {
		go captureStderr(l.logger, stderr, l.stderr)
	}

	return c, nil
}
