package transport

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/client"
)

// deniedMounts are host paths that may never be mounted into a provider
// container, directly or as the mount source root.
var deniedMounts = map[string]struct{}{
	"/":      {},
	"/etc":   {},
	"/var":   {},
	"/usr":   {},
	"/bin":   {},
	"/sbin":  {},
	"/lib":   {},
	"/lib64": {},
	"/boot":  {},
	"/root":  {},
	"/sys":   {},
	"/proc":  {},
}

// containerRuntimes lists the supported runtimes in preference order:
// rootless first, then classic.
var containerRuntimes = []string{"podman", "docker"}

// ResourceLimits bounds a provider container.
type ResourceLimits struct {
	Memory string
	CPU    string
}

// ContainerConfig describes a container-mode provider launch.
type ContainerConfig struct {
	Image     string
	Volumes   []string
	Env       map[string]string
	Resources ResourceLimits
	Network   string
	ReadOnly  bool
	User      string
}

// ContainerLauncher starts a provider inside a container, speaking MCP over
// the container's stdio. The runtime command is auto-detected on first
// launch and reused afterwards.
type ContainerLauncher struct {
	logger  hclog.Logger
	cfg     ContainerConfig
	runtime string
	stderr  *RingBuffer

	// lookPath is replaceable in tests.
	lookPath func(string) (string, error)
}

// NewContainerLauncher validates the container configuration and creates a
// launcher. Volume mounts are checked against the deny-list up front so a
// bad config fails at load time, not at cold start.
func NewContainerLauncher(logger hclog.Logger, cfg ContainerConfig) (*ContainerLauncher, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("container provider requires an image")
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	for _, v := range cfg.Volumes {
		if err := ValidateVolume(v); err != nil {
			return nil, err
		}
	}
	return &ContainerLauncher{
		logger:   logger,
		cfg:      cfg,
		stderr:   NewRingBuffer(DefaultStderrLines),
		lookPath: exec.LookPath,
	}, nil
}

// ValidateVolume checks one "host:container[:mode]" volume spec against the
// mount deny-list.
func ValidateVolume(spec string) error {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid volume spec %q, want host:container[:mode]", spec)
	}
	host := filepath.Clean(parts[0])
	if !filepath.IsAbs(host) {
		return fmt.Errorf("volume host path %q must be absolute", parts[0])
	}
	if _, denied := deniedMounts[host]; denied {
		return fmt.Errorf("volume host path %q is denied", host)
	}
	return nil
}

// Kind returns the transport mode.
func (l *ContainerLauncher) Kind() Kind { return KindContainer }

// Describe returns the image reference for logs and status output.
func (l *ContainerLauncher) Describe() string { return l.cfg.Image }

// Stderr returns the captured container stderr lines, oldest first.
func (l *ContainerLauncher) Stderr() []string { return l.stderr.Lines() }

// detectRuntime locates a container runtime binary, preferring rootless.
func (l *ContainerLauncher) detectRuntime() (string, error) {
	if l.runtime != "" {
		return l.runtime, nil
	}
	for _, rt := range containerRuntimes {
		if _, err := l.lookPath(rt); err == nil {
			l.runtime = rt
			return rt, nil
		}
	}
	return "", fmt.Errorf("no container runtime found, tried: %s", strings.Join(containerRuntimes, ", "))
}

// argv derives the runtime command line for this container.
// Default policy: no network, read-only root, all capabilities dropped.
func (l *ContainerLauncher) argv() []string {
	args := []string{"run", "--rm", "-i", "--network", l.cfg.Network, "--cap-drop", "ALL"}
	if l.cfg.ReadOnly {
		args = append(args, "--read-only")
	}
	if l.cfg.Resources.Memory != "" {
		args = append(args, "--memory", l.cfg.Resources.Memory)
	}
	if l.cfg.Resources.CPU != "" {
		args = append(args, "--cpus", l.cfg.Resources.CPU)
	}
	if l.cfg.User != "" {
		args = append(args, "--user", l.cfg.User)
	}
	for _, v := range l.cfg.Volumes {
		args = append(args, "-v", v)
	}
	for k, v := range l.cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, l.cfg.Image)
	return args
}

// Launch starts the container and returns a connected MCP client on its stdio.
func (l *ContainerLauncher) Launch(ctx context.Context) (*client.Client, error) {
	runtime, err := l.detectRuntime()
	if err != nil {
		return nil, &Failure{Reason: ReasonProcessExited, Err: err}
	}

	args := l.argv()
	l.logger.Debug("launching container", "runtime", runtime, "args", strings.Join(args, " "))

	c, err := client.NewStdioMCPClient(runtime, nil, args...)
	if err != nil {
		return nil, Classify(err)
	}

	if stderr, ok := client.GetStderr(c); ok {
		go captureStderr(l.logger, stderr, l.stderr)
	}

	return c, nil
}
