package transport

import (
	"fmt"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestValidateVolume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    string
		wantErr string
	}{
		{name: "valid mount", spec: "/home/user/data:/data:ro"},
		{name: "valid without mode", spec: "/srv/files:/files"},
		{name: "missing container path", spec: "/data", wantErr: "want host:container"},
		{name: "empty host", spec: ":/data", wantErr: "want host:container"},
		{name: "relative host path", spec: "data:/data", wantErr: "must be absolute"},
		{name: "root denied", spec: "/:/host", wantErr: "denied"},
		{name: "etc denied", spec: "/etc:/etc:ro", wantErr: "denied"},
		{name: "etc with trailing slash denied", spec: "/etc/:/etc", wantErr: "denied"},
		{name: "proc denied", spec: "/proc:/p", wantErr: "denied"},
		{name: "var denied", spec: "/var:/v", wantErr: "denied"},
		{name: "dot segments normalized", spec: "/usr/../etc:/x", wantErr: "denied"},
		{name: "subdirectory of denied root allowed", spec: "/var/lib/app:/data"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateVolume(tc.spec)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewContainerLauncher_RejectsDeniedVolumes(t *testing.T) {
	t.Parallel()

	_, err := NewContainerLauncher(hclog.NewNullLogger(), ContainerConfig{
		Image:   "example/tool:1",
		Volumes: []string{"/etc:/etc"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "denied")
}

func TestNewContainerLauncher_RequiresImage(t *testing.T) {
	t.Parallel()

	_, err := NewContainerLauncher(hclog.NewNullLogger(), ContainerConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires an image")
}

func TestContainerLauncher_Argv(t *testing.T) {
	t.Parallel()

	l, err := NewContainerLauncher(hclog.NewNullLogger(), ContainerConfig{
		Image:    "example/tool:1",
		Volumes:  []string{"/home/u/data:/data:ro"},
		Env:      map[string]string{"API_KEY": "k"},
		Network:  "none",
		ReadOnly: true,
		Resources: ResourceLimits{
			Memory: "256m",
			CPU:    "0.5",
		},
	})
	require.NoError(t, err)

	args := l.argv()
	require.Equal(t, "run", args[0])
	require.Contains(t, args, "--rm")
	require.Contains(t, args, "-i")
	require.Contains(t, args, "--read-only")
	require.Contains(t, args, "--cap-drop")
	require.Contains(t, args, "ALL")
	require.Contains(t, args, "--memory")
	require.Contains(t, args, "256m")
	require.Contains(t, args, "--cpus")
	require.Contains(t, args, "0.5")
	require.Contains(t, args, "-v")
	require.Contains(t, args, "/home/u/data:/data:ro")
	require.Contains(t, args, "-e")
	require.Contains(t, args, "API_KEY=k")

	// The image must come last.
	require.Equal(t, "example/tool:1", args[len(args)-1])

	// Network follows its flag.
	for i, a := range args {
		if a == "--network" {
			require.Equal(t, "none", args[i+1])
		}
	}
}

func TestContainerLauncher_DetectRuntimePrefersRootless(t *testing.T) {
	t.Parallel()

	l, err := NewContainerLauncher(hclog.NewNullLogger(), ContainerConfig{Image: "example/tool:1"})
	require.NoError(t, err)

	t.Run("podman preferred over docker", func(t *testing.T) {
		l := *l
		l.lookPath = func(string) (string, error) { return "/usr/bin/fake", nil }
		rt, err := l.detectRuntime()
		require.NoError(t, err)
		require.Equal(t, "podman", rt)
	})

	t.Run("falls back to docker", func(t *testing.T) {
		l := *l
		l.lookPath = func(name string) (string, error) {
			if name == "docker" {
				return "/usr/bin/docker", nil
			}
			return "", fmt.Errorf("not found")
		}
		rt, err := l.detectRuntime()
		require.NoError(t, err)
		require.Equal(t, "docker", rt)
	})

	t.Run("no runtime available", func(t *testing.T) {
		l := *l
		l.lookPath = func(string) (string, error) { return "", fmt.Errorf("not found") }
		_, err := l.detectRuntime()
		require.Error(t, err)
		require.Contains(t, err.Error(), "no container runtime found")
	})
}
