package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

// HTTPTimeouts bounds a remote provider's HTTP requests.
type HTTPTimeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// RemoteLauncher connects to a provider over Streamable HTTP.
type RemoteLauncher struct {
	logger   hclog.Logger
	endpoint string
	timeouts HTTPTimeouts
}

// NewRemoteLauncher validates the endpoint URL and creates a launcher.
func NewRemoteLauncher(logger hclog.Logger, endpoint string, timeouts HTTPTimeouts) (*RemoteLauncher, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid remote endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote endpoint %q must be http(s)", endpoint)
	}
	return &RemoteLauncher{
		logger:   logger,
		endpoint: endpoint,
		timeouts: timeouts,
	}, nil
}

// Kind returns the transport mode.
func (l *RemoteLauncher) Kind() Kind { return KindRemote }

// Describe returns the endpoint for logs and status output.
func (l *RemoteLauncher) Describe() string { return l.endpoint }

// Stderr returns nil; remote providers have no stderr channel.
func (l *RemoteLauncher) Stderr() []string { return nil }

// requestTimeout folds the configured connect and read budgets into the
// single per-request timeout the HTTP transport supports.
func (l *RemoteLauncher) requestTimeout() time.Duration {
	d := l.timeouts.Read
	if d == 0 {
		d = l.timeouts.Connect
	}
	return d
}

// Launch connects the Streamable HTTP client and starts its receive loop.
func (l *RemoteLauncher) Launch(ctx context.Context) (*client.Client, error) {
	var opts []mcptransport.StreamableHTTPCOption
	if d := l.requestTimeout(); d > 0 {
		opts = append(opts, mcptransport.WithHTTPTimeout(d))
	}

	c, err := client.NewStreamableHttpClient(l.endpoint, opts...)
	if err != nil {
		return nil, Classify(err)
	}

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, Classify(err)
	}

	return c, nil
}
