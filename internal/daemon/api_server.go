package daemon

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"

	"github.com/mcp-hangar/hangar/internal/api"
)

// APIServer serves the HTTP surface: the Streamable HTTP MCP endpoint at
// /mcp, the health probes, Prometheus metrics and the provider API.
// NewAPIServer should be used to create instances of APIServer.
type APIServer struct {
	logger hclog.Logger
	daemon *Daemon
	opts   Options
}

// NewAPIServer creates the HTTP server for a daemon.
func NewAPIServer(logger hclog.Logger, d *Daemon, opts Options) *APIServer {
	return &APIServer{
		logger: logger.Named("api"),
		daemon: d,
		opts:   opts,
	}
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (a *APIServer) Start(ctx context.Context) error {
	mux := chi.NewMux()
	mux.Use(middleware.StripSlashes)

	if a.opts.CORSEnabled {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Mcp-Session-Id"},
		}))
	}

	config := huma.DefaultConfig("hangar", a.opts.Version)
	router := humachi.New(mux, config)

	api.RegisterHealthRoutes(router, a.daemon, a.opts.Version, a.daemon.startedAt)

	// Safe way to ensure /api/v1.
	apiPathPrefix, err := url.JoinPath("/api", "v1")
	if err != nil {
		return err
	}
	v1 := huma.NewGroup(router, apiPathPrefix)
	api.RegisterProviderRoutes(v1, a.daemon.registry, "/providers")

	mux.Handle("/metrics", a.daemon.recorder.Handler())
	mux.Handle("/mcp", a.daemon.gateway.StreamableHTTPServer())

	srv := &http.Server{
		Addr:    a.opts.Addr,
		Handler: mux,
	}
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server", "address", a.opts.Addr, "prefix", apiPathPrefix)
		if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
