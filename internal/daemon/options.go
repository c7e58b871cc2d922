package daemon

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Default option values.
func DefaultAddr() string                    { return "0.0.0.0:8090" }
func DefaultShutdownTimeout() time.Duration  { return 10 * time.Second }
func DefaultIdleScanInterval() time.Duration { return 30 * time.Second }
func DefaultVersion() string                 { return "dev" }

// Options contains optional daemon configuration.
// NewOptions should be used to create instances of Options.
type Options struct {
	// HTTPEnabled switches the gateway from stdio to HTTP serving.
	HTTPEnabled bool

	// Addr is the HTTP bind address when HTTPEnabled is set.
	Addr string

	// CORSEnabled adds permissive CORS headers on the HTTP API.
	CORSEnabled bool

	// ShutdownTimeout bounds graceful shutdown of providers and servers.
	ShutdownTimeout time.Duration

	// IdleScanInterval is the idle GC sweep period.
	IdleScanInterval time.Duration

	// Version is reported in handshakes and health responses.
	Version string
}

// Option is a functional option for configuring Options.
// Options are applied in order, with later options overriding earlier ones.
type Option func(*Options) error

// NewOptions creates Options with defaults applied first, then the
// provided options in order.
func NewOptions(opt ...Option) (Options, error) {
	options := Options{
		Addr:             DefaultAddr(),
		ShutdownTimeout:  DefaultShutdownTimeout(),
		IdleScanInterval: DefaultIdleScanInterval(),
		Version:          DefaultVersion(),
	}

	for _, o := range opt {
		if o == nil {
			continue
		}
		if err := o(&options); err != nil {
			return Options{}, err
		}
	}

	return options, nil
}

// WithHTTP enables HTTP serving on the given address.
func WithHTTP(addr string) Option {
	return func(o *Options) error {
		if err := IsValidAddr(addr); err != nil {
			return err
		}
		o.HTTPEnabled = true
		o.Addr = addr
		return nil
	}
}

// WithCORS enables permissive CORS on the HTTP API.
func WithCORS(enabled bool) Option {
	return func(o *Options) error {
		o.CORSEnabled = enabled
		return nil
	}
}

// WithShutdownTimeout overrides the graceful shutdown budget.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("shutdown timeout must be positive, got %s", d)
		}
		o.ShutdownTimeout = d
		return nil
	}
}

// WithIdleScanInterval overrides the idle GC sweep period.
func WithIdleScanInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("idle scan interval must be positive, got %s", d)
		}
		o.IdleScanInterval = d
		return nil
	}
}

// WithVersion sets the version string reported by the daemon.
func WithVersion(v string) Option {
	return func(o *Options) error {
		if v != "" {
			o.Version = v
		}
		return nil
	}
}

// IsValidAddr returns an error if the address is not a valid "host:port" string.
func IsValidAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	if port == "" {
		return fmt.Errorf("address missing port")
	}

	if _, err := strconv.Atoi(port); err != nil {
		if _, err := net.LookupPort("tcp", port); err != nil {
			return fmt.Errorf("invalid address port: %s", port)
		}
	}

	_ = host // an empty host listens on all interfaces

	return nil
}
