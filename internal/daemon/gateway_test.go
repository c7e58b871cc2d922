package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/mcp-hangar/hangar/internal/dispatch"
	"github.com/mcp-hangar/hangar/internal/domain"
	"github.com/mcp-hangar/hangar/internal/events"
	"github.com/mcp-hangar/hangar/internal/group"
	"github.com/mcp-hangar/hangar/internal/metrics"
	"github.com/mcp-hangar/hangar/internal/provider"
	"github.com/mcp-hangar/hangar/internal/registry"
	"github.com/mcp-hangar/hangar/internal/transport"
)

type nopBus struct{}

func (nopBus) Publish(events.Event) {}

func addServer() *server.MCPServer {
	srv := server.NewMCPServer("math-backend", "1.0.0")
	srv.AddTool(mcp.Tool{
		Name:        "add",
		Description: "Add two numbers",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			Required: []string{"a", "b"},
		},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return mcp.NewToolResultText(fmt.Sprintf("%g", a+b)), nil
	})
	return srv
}

type inProcessLauncher struct {
	srv *server.MCPServer
}

func (l *inProcessLauncher) Kind() transport.Kind { return transport.KindSubprocess }
func (l *inProcessLauncher) Describe() string     { return "in-process" }
func (l *inProcessLauncher) Stderr() []string     { return []string{"warmup complete"} }

func (l *inProcessLauncher) Launch(ctx context.Context) (*client.Client, error) {
	c, err := client.NewInProcessClient(l.srv)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newTestGateway(t *testing.T) (*Gateway, *registry.Registry) {
	t.Helper()

	reg := registry.New(hclog.NewNullLogger())

	mgr, err := provider.NewManager(hclog.NewNullLogger(), nopBus{}, provider.Config{
		ID:           "math",
		Mode:         "subprocess",
		Description:  "arithmetic tools",
		Launcher:     &inProcessLauncher{srv: addServer()},
		StartTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, reg.AddProvider(mgr))

	g, err := group.New(hclog.NewNullLogger(), nopBus{}, group.Config{
		ID:      "mathers",
		Members: []group.Member{{ID: "math"}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.AddGroup(g))

	engine := dispatch.NewEngine(hclog.NewNullLogger(), reg, nopBus{}, dispatch.Config{})
	return NewGateway(hclog.NewNullLogger(), reg, engine, metrics.NewRecorder(), "test"), reg
}

func callReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	}
}

func decodeText(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()

	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func TestGateway_List(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleList(context.Background(), callReq(nil))
	require.NoError(t, err)

	payload := decodeText(t, result)
	providers := payload["providers"].([]any)
	require.Len(t, providers, 1)

	entry := providers[0].(map[string]any)
	require.Equal(t, "math", entry["id"])
	require.Equal(t, "cold", entry["state"])
	require.Equal(t, "arithmetic tools", entry["description"])
}

func TestGateway_ListWithStateFilter(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleList(context.Background(), callReq(map[string]any{"state_filter": "ready"}))
	require.NoError(t, err)
	payload := decodeText(t, result)
	require.Empty(t, payload["providers"])
}

func TestGateway_InvokeRoundTrip(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleInvoke(context.Background(), callReq(map[string]any{
		"provider":  "math",
		"tool":      "add",
		"arguments": map[string]any{"a": float64(20), "b": float64(22)},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	require.Equal(t, "42", text.Text)
}

func TestGateway_InvokeUnknownTargetReturnsStructuredError(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleInvoke(context.Background(), callReq(map[string]any{
		"provider": "ghost",
		"tool":     "add",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	payload := decodeText(t, result)
	require.Equal(t, "unknown_target", payload["error_kind"])
	require.EqualValues(t, -32001, payload["code"])
	require.Equal(t, false, payload["retriable"])
}

func TestGateway_InvokeMissingArguments(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleInvoke(context.Background(), callReq(map[string]any{"provider": "math"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	payload := decodeText(t, result)
	require.Equal(t, "invalid_argument", payload["error_kind"])
}

func TestGateway_ToolsColdFallsBackToDeclared(t *testing.T) {
	t.Parallel()

	reg := registry.New(hclog.NewNullLogger())
	mgr, err := provider.NewManager(hclog.NewNullLogger(), nopBus{}, provider.Config{
		ID:       "declared",
		Mode:     "subprocess",
		Launcher: &inProcessLauncher{srv: addServer()},
		DeclaredTools: []domain.ToolDescriptor{{Name: "promised"}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.AddProvider(mgr))

	engine := dispatch.NewEngine(hclog.NewNullLogger(), reg, nopBus{}, dispatch.Config{})
	g := NewGateway(hclog.NewNullLogger(), reg, engine, metrics.NewRecorder(), "test")

	result, err := g.handleTools(context.Background(), callReq(map[string]any{"provider": "declared"}))
	require.NoError(t, err)
	payload := decodeText(t, result)
	tools := payload["tools"].([]any)
	require.Len(t, tools, 1)
	require.Equal(t, "promised", tools[0].(map[string]any)["name"])
}

func TestGateway_Batch(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleBatch(context.Background(), callReq(map[string]any{
		"calls": []any{
			map[string]any{"provider": "math", "tool": "add", "arguments": map[string]any{"a": float64(1), "b": float64(2)}},
			map[string]any{"provider": "math", "tool": "add", "arguments": map[string]any{"a": float64(3), "b": float64(4)}},
			map[string]any{"provider": "nope", "tool": "add"},
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	payload := decodeText(t, result)
	require.EqualValues(t, 3, payload["total"])
	require.EqualValues(t, 2, payload["succeeded"])
	require.EqualValues(t, 1, payload["failed"])

	results := payload["results"].([]any)
	first := results[0].(map[string]any)
	require.Equal(t, true, first["ok"])
	third := results[2].(map[string]any)
	require.Equal(t, false, third["ok"])
	require.Equal(t, "unknown_target", third["error_kind"])
}

func TestGateway_StartStopAndDetails(t *testing.T) {
	t.Parallel()

	g, reg := newTestGateway(t)

	result, err := g.handleStart(context.Background(), callReq(map[string]any{"provider": "math"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	mgr, _ := reg.Provider("math")
	require.Equal(t, "ready", string(mgr.State()))

	details, err := g.handleDetails(context.Background(), callReq(map[string]any{"provider": "math"}))
	require.NoError(t, err)
	payload := decodeText(t, details)
	require.Equal(t, "in-process", payload["target"])
	require.Contains(t, payload["stderr"].([]any), "warmup complete")

	result, err = g.handleStop(context.Background(), callReq(map[string]any{"provider": "math"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "cold", string(mgr.State()))
}

func TestGateway_GroupList(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleGroupList(context.Background(), callReq(nil))
	require.NoError(t, err)
	payload := decodeText(t, result)
	groups := payload["groups"].([]any)
	require.Len(t, groups, 1)
	require.Equal(t, "mathers", groups[0].(map[string]any)["group_id"])
}

func TestGateway_GroupRebalance(t *testing.T) {
	t.Parallel()

	g, reg := newTestGateway(t)

	mgr, _ := reg.Provider("math")
	require.NoError(t, mgr.EnsureReady(context.Background()))

	result, err := g.handleGroupRebalance(context.Background(), callReq(map[string]any{"group": "mathers"}))
	require.NoError(t, err)
	payload := decodeText(t, result)
	require.Equal(t, "mathers", payload["group_id"])
	require.EqualValues(t, 1, payload["healthy_count"])
	require.Contains(t, payload["members_in_rotation"].([]any), "math")
}

func TestGateway_FetchContinuation(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	payload := []byte(`{"content":[{"type":"text","text":"full payload"}]}`)
	id := g.engine.Continuations().Store("batch1", 0, payload)

	result, err := g.handleFetchContinuation(context.Background(), callReq(map[string]any{
		"continuation_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	body := decodeText(t, result)
	require.Equal(t, true, body["found"])
	require.Equal(t, true, body["complete"])
	require.Equal(t, false, body["has_more"])
	require.EqualValues(t, len(payload), body["total_size_bytes"])
	require.Equal(t, string(payload), body["data"])
}

func TestGateway_FetchContinuationWindow(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	id := g.engine.Continuations().Store("batch1", 0, []byte("0123456789"))

	result, err := g.handleFetchContinuation(context.Background(), callReq(map[string]any{
		"continuation_id": id,
		"offset":          float64(4),
		"limit":           float64(3),
	}))
	require.NoError(t, err)

	body := decodeText(t, result)
	require.Equal(t, true, body["found"])
	require.Equal(t, "456", body["data"])
	require.Equal(t, true, body["has_more"])
	require.Equal(t, false, body["complete"])
}

func TestGateway_FetchContinuationValidation(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleFetchContinuation(context.Background(), callReq(map[string]any{
		"continuation_id": "not-a-continuation",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	payload := decodeText(t, result)
	require.Equal(t, "invalid_argument", payload["error_kind"])

	result, err = g.handleFetchContinuation(context.Background(), callReq(map[string]any{
		"continuation_id": "cont_expired",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	payload = decodeText(t, result)
	require.Equal(t, false, payload["found"])
}

func TestGateway_DeleteContinuation(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	id := g.engine.Continuations().Store("batch1", 0, []byte("data"))

	result, err := g.handleDeleteContinuation(context.Background(), callReq(map[string]any{
		"continuation_id": id,
	}))
	require.NoError(t, err)
	body := decodeText(t, result)
	require.Equal(t, true, body["deleted"])

	result, err = g.handleDeleteContinuation(context.Background(), callReq(map[string]any{
		"continuation_id": id,
	}))
	require.NoError(t, err)
	body = decodeText(t, result)
	require.Equal(t, false, body["deleted"])
}

func TestGateway_Health(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleHealth(context.Background(), callReq(nil))
	require.NoError(t, err)
	payload := decodeText(t, result)
	providers := payload["providers"].([]any)
	require.Len(t, providers, 1)
}

func TestGateway_Metrics(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)

	result, err := g.handleMetrics(context.Background(), callReq(nil))
	require.NoError(t, err)
	payload := decodeText(t, result)
	require.Contains(t, payload, "invocations")
}

func TestGateway_Discover(t *testing.T) {
	t.Parallel()

	g, reg := newTestGateway(t)

	result, err := g.handleDiscover(context.Background(), callReq(nil))
	require.NoError(t, err)
	payload := decodeText(t, result)
	providers := payload["providers"].([]any)
	require.Len(t, providers, 1)

	entry := providers[0].(map[string]any)
	require.Equal(t, "ready", entry["state"], "discovery starts cold providers")

	mgr, _ := reg.Provider("math")
	require.Equal(t, "ready", string(mgr.State()))
}
