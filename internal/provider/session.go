// Package provider owns the per-provider runtime: the initialized MCP
// session, the lifecycle state machine and health accounting.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/transport"
)

const clientName = "hangar"

// Session is one initialized MCP session over a launched transport.
// It caches the backend's tool catalog and serves catalog queries without
// touching the wire; a tools/list_changed notification invalidates the
// cache. It is safe for concurrent use by multiple goroutines.
type Session struct {
	logger     hclog.Logger
	providerID string
	client     *client.Client

	mu         sync.RWMutex
	catalog    map[string]domain.ToolDescriptor
	order      []string
	stale      bool
	serverName string
	serverVer  string
}

// NewSession performs the MCP handshake on a connected client: initialize,
// notifications/initialized, then tool discovery. The returned session owns
// the client and must be closed by its manager.
func NewSession(ctx context.Context, logger hclog.Logger, providerID, version string, c *client.Client) (*Session, error) {
	s := &Session{
		logger:     logger,
		providerID: providerID,
		client:     c,
		catalog:    make(map[string]domain.ToolDescriptor),
	}

	c.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == "notifications/tools/list_changed" {
			s.invalidate()
			return
		}
		s.logger.Debug("server notification", "method", n.Method)
	})

	initResult, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: version,
			},
		},
	})
	if err != nil {
		return nil, transport.Classify(err)
	}

	s.serverName = initResult.ServerInfo.Name
	s.serverVer = initResult.ServerInfo.Version

	if err := s.refreshCatalog(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("session initialized",
		"server", fmt.Sprintf("%s@%s", s.serverName, s.serverVer),
		"tools", len(s.order),
	)

	return s, nil
}

// ServerInfo returns the backend's advertised name and version.
func (s *Session) ServerInfo() (name, version string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverName, s.serverVer
}

// Tools returns the cached tool catalog in discovery order.
func (s *Session) Tools() []domain.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.catalog[name])
	}
	return out
}

// invalidate marks the catalog stale; the next lookup refreshes it.
func (s *Session) invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
	s.logger.Debug("tool catalog invalidated by list_changed notification")
}

// refreshCatalog replaces the cached catalog from a live tools/list call.
func (s *Session) refreshCatalog(ctx context.Context) error {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return transport.Classify(err)
	}

	catalog := make(map[string]domain.ToolDescriptor, len(result.Tools))
	order := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			schema = nil
		}
		catalog[tool.Name] = domain.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
		order = append(order, tool.Name)
	}

	s.mu.Lock()
	s.catalog = catalog
	s.order = order
	s.stale = false
	s.mu.Unlock()

	return nil
}

// lookup returns the descriptor for a tool, refreshing the catalog at most
// once when the cache is stale or the tool is missing.
func (s *Session) lookup(ctx context.Context, tool string) (domain.ToolDescriptor, bool) {
	s.mu.RLock()
	desc, ok := s.catalog[tool]
	stale := s.stale
	s.mu.RUnlock()

	if ok && !stale {
		return desc, true
	}

	if err := s.refreshCatalog(ctx); err != nil {
		s.logger.Warn("tool catalog refresh failed", "error", err)
		return desc, ok
	}

	s.mu.RLock()
	desc, ok = s.catalog[tool]
	s.mu.RUnlock()
	return desc, ok
}

// validateArguments checks tool arguments against the cached input schema.
// Descriptors without a schema accept any arguments.
func validateArguments(desc domain.ToolDescriptor, args map[string]any) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(desc.InputSchema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		// An unusable schema must not block the call.
		return nil
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidArgument, strings.Join(msgs, "; "))
}

// Invoke issues tools/call for a catalogued tool. Unknown tools and schema
// violations are rejected without touching the transport. A result with
// IsError set is returned as-is: it is a tool outcome, not a transport
// failure.
func (s *Session) Invoke(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	desc, ok := s.lookup(ctx, tool)
	if !ok {
		return nil, fmt.Errorf("%w: %q on provider %q", errors.ErrUnknownTool, tool, s.providerID)
	}

	if err := validateArguments(desc, args); err != nil {
		return nil, err
	}

	result, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, transport.Classify(err)
	}

	return result, nil
}

// Probe performs the cheap health check: tools/list over the same session.
// A successful probe also refreshes the catalog as a side effect.
func (s *Session) Probe(ctx context.Context) error {
	return s.refreshCatalog(ctx)
}

// Close tears down the session and its transport. The mcp-go client sends
// the protocol shutdown and terminates the backend process.
func (s *Session) Close() error {
	if err := s.client.Close(); err != nil {
		return transport.Classify(err)
	}
	return nil
}
