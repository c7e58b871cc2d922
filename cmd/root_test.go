package cmd

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcp-hangar/hangar/internal/config"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "config load failure is a user error",
			err:  fmt.Errorf("%w: config file not found", config.ErrConfigLoadFailed),
			want: ExitUserError,
		},
		{
			name: "invalid config is a user error",
			err:  fmt.Errorf("%w: no providers", config.ErrConfigInvalid),
			want: ExitUserError,
		},
		{
			name: "interrupt",
			err:  context.Canceled,
			want: ExitInterrupted,
		},
		{
			name: "anything else is a system error",
			err:  fmt.Errorf("provider crashed"),
			want: ExitSystemError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}
