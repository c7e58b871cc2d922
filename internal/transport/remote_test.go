package transport

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestNewRemoteLauncher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		wantErr  string
	}{
		{name: "http endpoint", endpoint: "http://localhost:9000/mcp"},
		{name: "https endpoint", endpoint: "https://tools.example.com/mcp"},
		{name: "missing scheme", endpoint: "localhost:9000", wantErr: "must be http(s)"},
		{name: "wrong scheme", endpoint: "ftp://host/mcp", wantErr: "must be http(s)"},
		{name: "garbage", endpoint: "http://[::1", wantErr: "invalid remote endpoint"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			l, err := NewRemoteLauncher(hclog.NewNullLogger(), tc.endpoint, HTTPTimeouts{})
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, KindRemote, l.Kind())
			require.Equal(t, tc.endpoint, l.Describe())
			require.Nil(t, l.Stderr())
		})
	}
}

func TestRemoteLauncher_RequestTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		timeouts HTTPTimeouts
		want     time.Duration
	}{
		{name: "read wins", timeouts: HTTPTimeouts{Connect: time.Second, Read: 5 * time.Second}, want: 5 * time.Second},
		{name: "connect as fallback", timeouts: HTTPTimeouts{Connect: 2 * time.Second}, want: 2 * time.Second},
		{name: "unset", timeouts: HTTPTimeouts{}, want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			l, err := NewRemoteLauncher(hclog.NewNullLogger(), "http://localhost:9000/mcp", tc.timeouts)
			require.NoError(t, err)
			require.Equal(t, tc.want, l.requestTimeout())
		})
	}
}
