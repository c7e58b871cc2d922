package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mcp-hangar/hangar/internal/contracts"
)

const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthCheck is the API form of one named probe result.
type HealthCheck struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
}

// HealthResponse is the body of every health probe endpoint.
type HealthResponse struct {
	Status        string        `json:"status"`
	Checks        []HealthCheck `json:"checks"`
	Version       string        `json:"version"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}

// HealthProbeResponse wraps HealthResponse for huma.
type HealthProbeResponse struct {
	Status int
	Body   HealthResponse
}

// RegisterHealthRoutes sets up the /health/live, /health/ready and
// /health/startup probe endpoints.
func RegisterHealthRoutes(routerAPI huma.API, checker contracts.HealthChecker, version string, startedAt time.Time) {
	tags := []string{"Health"}

	register := func(operationID, path, summary string, deep bool) {
		huma.Register(
			routerAPI,
			huma.Operation{
				OperationID: operationID,
				Method:      http.MethodGet,
				Path:        path,
				Summary:     summary,
				Tags:        tags,
			},
			func(ctx context.Context, _ *struct{}) (*HealthProbeResponse, error) {
				return handleHealthProbe(ctx, checker, version, startedAt, deep)
			},
		)
	}

	// Liveness only proves the process is serving; readiness and startup
	// run the registered checks.
	register("getHealthLive", "/health/live", "Liveness probe", false)
	register("getHealthReady", "/health/ready", "Readiness probe", true)
	register("getHealthStartup", "/health/startup", "Startup probe", true)
}

// handleHealthProbe runs the checks and shapes the probe response.
func handleHealthProbe(
	ctx context.Context,
	checker contracts.HealthChecker,
	version string,
	startedAt time.Time,
	deep bool,
) (*HealthProbeResponse, error) {
	var checks []contracts.HealthCheck
	if deep && checker != nil {
		checks = checker.Check(ctx)
	}

	status := HealthStatusHealthy
	apiChecks := make([]HealthCheck, 0, len(checks))
	for _, c := range checks {
		if c.Status != HealthStatusHealthy {
			status = HealthStatusUnhealthy
		}
		apiChecks = append(apiChecks, HealthCheck{
			Name:       c.Name,
			Status:     c.Status,
			DurationMS: float64(c.Duration.Microseconds()) / 1000.0,
		})
	}

	resp := &HealthProbeResponse{
		Status: http.StatusOK,
		Body: HealthResponse{
			Status:        status,
			Checks:        apiChecks,
			Version:       version,
			UptimeSeconds: time.Since(startedAt).Seconds(),
		},
	}
	if status != HealthStatusHealthy {
		resp.Status = http.StatusServiceUnavailable
	}
	return resp, nil
}
