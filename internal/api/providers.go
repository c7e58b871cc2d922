package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mcp-hangar/hangar/internal/contracts"
	"github.com/mcp-hangar/hangar/internal/domain"
)

// Provider is the API-safe form of a provider status snapshot.
type Provider struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Mode        string     `json:"mode"`
	Description string     `json:"description,omitempty"`
	ToolsCount  int        `json:"toolsCount"`
	Tools       []string   `json:"tools,omitempty"`
	InFlight    int64      `json:"inFlight"`
	Failures    int        `json:"consecutiveFailures"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
}

// DomainProviderStatus wraps the domain type so converters can be declared
// in the API package.
type DomainProviderStatus domain.ProviderStatus

// ToAPIType converts a domain snapshot into its API form.
func (d DomainProviderStatus) ToAPIType() Provider {
	return Provider{
		ID:          d.ID,
		State:       string(d.State),
		Mode:        d.Mode,
		Description: d.Description,
		ToolsCount:  d.ToolsCount,
		Tools:       d.ToolNames,
		InFlight:    d.InFlight,
		Failures:    d.Health.ConsecutiveFailures,
		LastUsed:    d.LastUsed,
	}
}

// ProvidersResponse is the response for GET /providers.
type ProvidersResponse struct {
	Body struct {
		Providers []Provider `doc:"Configured providers with live state" json:"providers"`
	}
}

// ProviderRequest selects one provider by id.
type ProviderRequest struct {
	ID string `doc:"Provider id" example:"math" path:"id"`
}

// ProviderResponse is the response for GET /providers/{id}.
type ProviderResponse struct {
	Body Provider
}

// RegisterProviderRoutes sets up the provider listing endpoints.
func RegisterProviderRoutes(routerAPI huma.API, source contracts.StatusSource, apiPathPrefix string) {
	tags := []string{"Providers"}

	huma.Register(
		routerAPI,
		huma.Operation{
			OperationID: "listProviders",
			Method:      http.MethodGet,
			Path:        apiPathPrefix,
			Summary:     "List all providers with live state",
			Tags:        tags,
		},
		func(ctx context.Context, _ *struct{}) (*ProvidersResponse, error) {
			statuses := source.ListProviders()
			providers := make([]Provider, 0, len(statuses))
			for _, s := range statuses {
				providers = append(providers, DomainProviderStatus(s).ToAPIType())
			}
			resp := &ProvidersResponse{}
			resp.Body.Providers = providers
			return resp, nil
		},
	)

	huma.Register(
		routerAPI,
		huma.Operation{
			OperationID: "getProvider",
			Method:      http.MethodGet,
			Path:        apiPathPrefix + "/{id}",
			Summary:     "Get one provider's live state",
			Tags:        tags,
		},
		func(ctx context.Context, input *ProviderRequest) (*ProviderResponse, error) {
			status, err := source.ProviderStatus(input.ID)
			if err != nil {
				return nil, huma.Error404NotFound(err.Error())
			}
			return &ProviderResponse{Body: DomainProviderStatus(status).ToAPIType()}, nil
		},
	)
}
