package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-hangar/hangar/internal/dispatch"
	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/metrics"
	"github.com/mcp-hangar/hangar/internal/registry"
	"github.com/mcp-hangar/hangar/internal/worker"
)

// Gateway is the MCP surface the hangar exposes to clients. Every tool
// call routes through the dispatch engine or reads registry snapshots.
type Gateway struct {
	logger   hclog.Logger
	registry *registry.Registry
	engine   *dispatch.Engine
	recorder *metrics.Recorder
	version  string
	server   *server.MCPServer
}

// NewGateway creates the MCP server and registers the gateway tools.
func NewGateway(
	logger hclog.Logger,
	reg *registry.Registry,
	engine *dispatch.Engine,
	recorder *metrics.Recorder,
	version string,
) *Gateway {
	g := &Gateway{
		logger:   logger.Named("gateway"),
		registry: reg,
		engine:   engine,
		recorder: recorder,
		version:  version,
		server:   server.NewMCPServer("hangar", version),
	}
	g.registerTools()
	return g
}

// ServeStdio serves the gateway over stdio until the context is cancelled.
func (g *Gateway) ServeStdio(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeStdio(g.server)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// StreamableHTTPServer returns the Streamable HTTP handler for /mcp.
func (g *Gateway) StreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(g.server)
}

// objectSchema is shorthand for the tool input schemas below.
func objectSchema(props map[string]any, required ...string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func (g *Gateway) registerTools() {
	providerProp := map[string]any{
		"type":        "string",
		"description": "Provider or group id",
	}

	g.server.AddTool(mcp.Tool{
		Name:        "registry_list",
		Description: "List all providers with state, mode and tool counts. Optionally filter by state (cold, initializing, ready, degraded, dead).",
		InputSchema: objectSchema(map[string]any{
			"state_filter": map[string]any{
				"type":        "string",
				"description": "Only return providers in this state",
			},
		}),
	}, g.handleList)

	g.server.AddTool(mcp.Tool{
		Name:        "registry_tools",
		Description: "List the tool catalog of one provider. Cold providers report tools declared in config until first start.",
		InputSchema: objectSchema(map[string]any{"provider": providerProp}, "provider"),
	}, g.handleTools)

	invokeSchema := objectSchema(map[string]any{
		"provider": providerProp,
		"tool": map[string]any{
			"type":        "string",
			"description": "Tool name to invoke",
		},
		"arguments": map[string]any{
			"type":        "object",
			"description": "Tool arguments",
		},
		"timeout": map[string]any{
			"type":        "number",
			"description": "Deadline in seconds",
		},
	}, "provider", "tool")

	g.server.AddTool(mcp.Tool{
		Name:        "registry_invoke",
		Description: "Invoke a tool on a provider or group. Cold providers start automatically; group targets are routed by the group's strategy.",
		InputSchema: invokeSchema,
	}, g.handleInvoke)

	g.server.AddTool(mcp.Tool{
		Name:        "hangar_call",
		Description: "Alias of registry_invoke.",
		InputSchema: invokeSchema,
	}, g.handleInvoke)

	g.server.AddTool(mcp.Tool{
		Name:        "hangar_batch",
		Description: "Execute many tool calls in parallel. Results preserve input order; a failed call does not cancel its siblings unless fail_fast is set.",
		InputSchema: objectSchema(map[string]any{
			"calls": map[string]any{
				"type":        "array",
				"description": "Calls to execute",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"provider":  map[string]any{"type": "string"},
						"tool":      map[string]any{"type": "string"},
						"arguments": map[string]any{"type": "object"},
						"timeout":   map[string]any{"type": "number"},
					},
					"required": []string{"provider", "tool"},
				},
			},
			"options": map[string]any{
				"type":        "object",
				"description": "Batch options",
				"properties": map[string]any{
					"max_parallel": map[string]any{"type": "integer"},
					"timeout":      map[string]any{"type": "number"},
					"fail_fast":    map[string]any{"type": "boolean"},
				},
			},
		}, "calls"),
	}, g.handleBatch)

	g.server.AddTool(mcp.Tool{
		Name: "hangar_fetch_continuation",
		Description: "Fetch full or remaining content from a truncated batch result. " +
			"Returns the serialized payload in byte windows; complete=true means the window covers the whole payload.",
		InputSchema: objectSchema(map[string]any{
			"continuation_id": map[string]any{
				"type":        "string",
				"description": "ID from a truncated result (starts with \"cont_\")",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "Byte offset to start reading (default 0)",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Max bytes to retrieve (default 500000, max 2000000)",
			},
		}, "continuation_id"),
	}, g.handleFetchContinuation)

	g.server.AddTool(mcp.Tool{
		Name:        "hangar_delete_continuation",
		Description: "Delete a cached continuation to free memory now instead of waiting for its TTL.",
		InputSchema: objectSchema(map[string]any{
			"continuation_id": map[string]any{
				"type":        "string",
				"description": "ID of the cached continuation (starts with \"cont_\")",
			},
		}, "continuation_id"),
	}, g.handleDeleteContinuation)

	g.server.AddTool(mcp.Tool{
		Name:        "registry_start",
		Description: "Start a provider now instead of waiting for first use. Starting a group starts all of its members.",
		InputSchema: objectSchema(map[string]any{"provider": providerProp}, "provider"),
	}, g.handleStart)

	g.server.AddTool(mcp.Tool{
		Name:        "registry_stop",
		Description: "Stop a provider and return it to cold. Stopping a group stops all of its members.",
		InputSchema: objectSchema(map[string]any{"provider": providerProp}, "provider"),
	}, g.handleStop)

	g.server.AddTool(mcp.Tool{
		Name:        "registry_health",
		Description: "Report health counters for every provider.",
		InputSchema: objectSchema(map[string]any{}),
	}, g.handleHealth)

	g.server.AddTool(mcp.Tool{
		Name:        "registry_metrics",
		Description: "Report aggregate gateway metrics.",
		InputSchema: objectSchema(map[string]any{}),
	}, g.handleMetrics)

	g.server.AddTool(mcp.Tool{
		Name:        "registry_discover",
		Description: "Start every cold provider to discover its tool catalog, then report all catalogs.",
		InputSchema: objectSchema(map[string]any{}),
	}, g.handleDiscover)

	g.server.AddTool(mcp.Tool{
		Name:        "registry_details",
		Description: "Full details for one provider or group, including health, launch target and recent stderr.",
		InputSchema: objectSchema(map[string]any{"provider": providerProp}, "provider"),
	}, g.handleDetails)

	g.server.AddTool(mcp.Tool{
		Name:        "hangar_group_list",
		Description: "List all provider groups with per-member rotation, weights and states.",
		InputSchema: objectSchema(map[string]any{}),
	}, g.handleGroupList)

	g.server.AddTool(mcp.Tool{
		Name:        "hangar_group_rebalance",
		Description: "Re-probe all members of a group now. Recovered members rejoin rotation without waiting for the next health cycle.",
		InputSchema: objectSchema(map[string]any{
			"group": map[string]any{
				"type":        "string",
				"description": "Group id",
			},
		}, "group"),
	}, g.handleGroupRebalance)
}

// jsonResult marshals a payload into a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult shapes a taxonomy error into a stable error payload.
func errorResult(err error) (*mcp.CallToolResult, error) {
	kind := errors.KindOf(err)
	payload, mErr := json.Marshal(map[string]any{
		"error_kind": string(kind),
		"code":       kind.JSONRPCCode(),
		"message":    err.Error(),
		"retriable":  kind.Retriable(),
	})
	if mErr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultError(string(payload)), nil
}

// stringArg extracts a required string argument.
func stringArg(req mcp.CallToolRequest, key string) (string, error) {
	v, ok := req.GetArguments()[key]
	if !ok {
		return "", fmt.Errorf("%w: missing required argument %q", errors.ErrInvalidArgument, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: argument %q must be a non-empty string", errors.ErrInvalidArgument, key)
	}
	return s, nil
}

func (g *Gateway) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stateFilter, _ := req.GetArguments()["state_filter"].(string)

	all := g.registry.ListProviders()
	providers := make([]domain.ProviderStatus, 0, len(all))
	for _, p := range all {
		if stateFilter != "" && string(p.State) != stateFilter {
			continue
		}
		providers = append(providers, p)
	}

	return jsonResult(map[string]any{"providers": providers})
}

func (g *Gateway) handleTools(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(req, "provider")
	if err != nil {
		return errorResult(err)
	}
	mgr, ok := g.registry.Provider(id)
	if !ok {
		return errorResult(fmt.Errorf("%w: %q", errors.ErrUnknownTarget, id))
	}
	return jsonResult(map[string]any{
		"provider": id,
		"tools":    mgr.Tools(),
	})
}

func (g *Gateway) handleInvoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := stringArg(req, "provider")
	if err != nil {
		return errorResult(err)
	}
	tool, err := stringArg(req, "tool")
	if err != nil {
		return errorResult(err)
	}

	args := req.GetArguments()
	arguments, _ := args["arguments"].(map[string]any)

	inv := dispatch.Invocation{
		Target:    target,
		Tool:      tool,
		Arguments: arguments,
	}
	if t, ok := args["timeout"].(float64); ok {
		inv.Timeout = time.Duration(t * float64(time.Second))
		inv.TimeoutSet = true
	}

	result, err := g.engine.Dispatch(ctx, inv)
	if err != nil {
		return errorResult(err)
	}

	// The backend's result is forwarded unchanged, tool errors included.
	return result, nil
}

func (g *Gateway) handleBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawCalls, ok := req.GetArguments()["calls"].([]any)
	if !ok || len(rawCalls) == 0 {
		return errorResult(fmt.Errorf("%w: calls must be a non-empty array", errors.ErrInvalidArgument))
	}

	calls := make([]dispatch.BatchCall, 0, len(rawCalls))
	for i, raw := range rawCalls {
		entry, ok := raw.(map[string]any)
		if !ok {
			return errorResult(fmt.Errorf("%w: call %d must be an object", errors.ErrInvalidArgument, i))
		}
		providerID, _ := entry["provider"].(string)
		tool, _ := entry["tool"].(string)
		if providerID == "" || tool == "" {
			return errorResult(fmt.Errorf("%w: call %d requires provider and tool", errors.ErrInvalidArgument, i))
		}
		call := dispatch.BatchCall{
			Provider: providerID,
			Tool:     tool,
		}
		if arguments, ok := entry["arguments"].(map[string]any); ok {
			call.Arguments = arguments
		}
		if t, ok := entry["timeout"].(float64); ok {
			call.Timeout = time.Duration(t * float64(time.Second))
		}
		calls = append(calls, call)
	}

	var opts dispatch.BatchOptions
	if options, ok := req.GetArguments()["options"].(map[string]any); ok {
		if v, ok := options["max_parallel"].(float64); ok {
			opts.MaxParallel = int(v)
		}
		if v, ok := options["timeout"].(float64); ok {
			opts.Timeout = time.Duration(v * float64(time.Second))
		}
		if v, ok := options["fail_fast"].(bool); ok {
			opts.FailFast = v
		}
	}

	summary := g.engine.Batch(ctx, calls, opts)

	results := make([]map[string]any, 0, len(summary.Results))
	for _, r := range summary.Results {
		entry := map[string]any{
			"ok":         r.OK,
			"elapsed_ms": float64(r.Elapsed.Microseconds()) / 1000.0,
		}
		if r.OK {
			entry["value"] = r.Result
		} else {
			entry["error_kind"] = string(r.ErrorKind)
			entry["message"] = r.Message
		}
		if r.Truncated {
			entry["truncated"] = true
			entry["truncated_reason"] = r.TruncatedReason
			entry["original_size_bytes"] = r.OriginalSizeBytes
			entry["continuation_id"] = r.ContinuationID
		}
		results = append(results, entry)
	}

	return jsonResult(map[string]any{
		"batch_id":   summary.BatchID,
		"total":      len(summary.Results),
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"cancelled":  summary.Cancelled,
		"truncated":  summary.Truncations,
		"elapsed_ms": float64(summary.Duration.Microseconds()) / 1000.0,
		"results":    results,
	})
}

func (g *Gateway) handleFetchContinuation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(req, "continuation_id")
	if err != nil {
		return errorResult(err)
	}
	if !strings.HasPrefix(id, dispatch.ContinuationIDPrefix) {
		return errorResult(fmt.Errorf("%w: continuation_id must start with %q",
			errors.ErrInvalidArgument, dispatch.ContinuationIDPrefix))
	}

	args := req.GetArguments()
	offset := 0
	if v, ok := args["offset"].(float64); ok {
		if v < 0 {
			return errorResult(fmt.Errorf("%w: offset must be non-negative", errors.ErrInvalidArgument))
		}
		offset = int(v)
	}
	limit := 0
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}

	cont := g.engine.Continuations().Retrieve(id, offset, limit)
	if !cont.Found {
		return jsonResult(map[string]any{
			"found": false,
			"error": "continuation not found (may have expired)",
		})
	}

	return jsonResult(map[string]any{
		"found":            true,
		"data":             string(cont.Data),
		"total_size_bytes": cont.TotalSize,
		"offset":           cont.Offset,
		"has_more":         cont.HasMore,
		"complete":         cont.Complete,
	})
}

func (g *Gateway) handleDeleteContinuation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(req, "continuation_id")
	if err != nil {
		return errorResult(err)
	}

	deleted := g.engine.Continuations().Delete(id)
	return jsonResult(map[string]any{
		"deleted":         deleted,
		"continuation_id": id,
	})
}

func (g *Gateway) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(req, "provider")
	if err != nil {
		return errorResult(err)
	}

	kind, err := g.registry.Resolve(id)
	if err != nil {
		return errorResult(err)
	}

	if kind == registry.TargetProvider {
		mgr, _ := g.registry.Provider(id)
		if err := mgr.EnsureReady(ctx); err != nil {
			return errorResult(err)
		}
		return jsonResult(mgr.Status())
	}

	grp, _ := g.registry.Group(id)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, member := range grp.Members() {
		mgr, ok := g.registry.Provider(member.ID)
		if !ok {
			continue
		}
		eg.Go(func() error { return mgr.EnsureReady(egCtx) })
	}
	if err := eg.Wait(); err != nil {
		return errorResult(err)
	}
	return jsonResult(g.registry.GroupStatus(grp))
}

func (g *Gateway) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(req, "provider")
	if err != nil {
		return errorResult(err)
	}

	kind, err := g.registry.Resolve(id)
	if err != nil {
		return errorResult(err)
	}

	if kind == registry.TargetProvider {
		mgr, _ := g.registry.Provider(id)
		if err := mgr.Shutdown(ctx, "requested"); err != nil {
			return errorResult(err)
		}
		return jsonResult(mgr.Status())
	}

	grp, _ := g.registry.Group(id)
	for _, member := range grp.Members() {
		if mgr, ok := g.registry.Provider(member.ID); ok {
			if err := mgr.Shutdown(ctx, "requested"); err != nil {
				g.logger.Warn("member shutdown failed", "provider", member.ID, "error", err)
			}
		}
	}
	return jsonResult(g.registry.GroupStatus(grp))
}

func (g *Gateway) handleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type providerHealth struct {
		ID     string               `json:"id"`
		State  domain.ProviderState `json:"state"`
		Health domain.HealthRecord  `json:"health"`
	}

	statuses := g.registry.ListProviders()
	out := make([]providerHealth, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, providerHealth{ID: s.ID, State: s.State, Health: s.Health})
	}
	return jsonResult(map[string]any{"providers": out})
}

func (g *Gateway) handleMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(g.recorder.Snapshot())
}

func (g *Gateway) handleDiscover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	managers := g.registry.Providers()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(dispatch.DefaultMaxParallel)
	for _, mgr := range managers {
		if mgr.State() != domain.ProviderStateCold {
			continue
		}
		eg.Go(func() error {
			if err := mgr.EnsureReady(egCtx); err != nil {
				g.logger.Warn("discovery start failed", "provider", mgr.ID(), "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	type discovered struct {
		ID    string                  `json:"id"`
		State domain.ProviderState    `json:"state"`
		Tools []domain.ToolDescriptor `json:"tools"`
	}
	out := make([]discovered, 0, len(managers))
	for _, mgr := range managers {
		out = append(out, discovered{ID: mgr.ID(), State: mgr.State(), Tools: mgr.Tools()})
	}
	return jsonResult(map[string]any{"providers": out})
}

func (g *Gateway) handleDetails(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(req, "provider")
	if err != nil {
		return errorResult(err)
	}

	kind, err := g.registry.Resolve(id)
	if err != nil {
		return errorResult(err)
	}

	if kind == registry.TargetGroup {
		grp, _ := g.registry.Group(id)
		return jsonResult(g.registry.GroupStatus(grp))
	}

	mgr, _ := g.registry.Provider(id)
	return jsonResult(map[string]any{
		"status": mgr.Status(),
		"target": mgr.Describe(),
		"stderr": mgr.StderrTail(),
	})
}

func (g *Gateway) handleGroupList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"groups": g.registry.ListGroups()})
}

func (g *Gateway) handleGroupRebalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(req, "group")
	if err != nil {
		return errorResult(err)
	}

	grp, ok := g.registry.Group(id)
	if !ok {
		return errorResult(fmt.Errorf("%w: %q", errors.ErrUnknownTarget, id))
	}

	var eg errgroup.Group
	for _, member := range grp.Members() {
		mgr, ok := g.registry.Provider(member.ID)
		if !ok {
			continue
		}
		eg.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, worker.ProbeTimeout)
			defer cancel()
			_ = mgr.Probe(probeCtx)
			return nil
		})
	}
	_ = eg.Wait()

	status := g.registry.GroupStatus(grp)
	inRotation := make([]string, 0, len(status.Members))
	for _, m := range status.Members {
		if m.InRotation {
			inRotation = append(inRotation, m.ID)
		}
	}

	return jsonResult(map[string]any{
		"group_id":            status.ID,
		"healthy_count":       status.HealthyCount,
		"total_members":       status.TotalMembers,
		"members_in_rotation": inRotation,
	})
}
