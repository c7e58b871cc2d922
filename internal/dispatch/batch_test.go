package dispatch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/mcp-hangar/hangar/internal/errors"
)

func TestBatch_ResultsPreserveInputOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.addProvider(t, "echo", &inProcessLauncher{srv: echoServer()})

	const n = 15
	calls := make([]BatchCall, 0, n)
	for i := range n {
		calls = append(calls, BatchCall{
			Provider:  "echo",
			Tool:      "echo",
			Arguments: map[string]any{"text": fmt.Sprintf("call-%d", i)},
		})
	}

	summary := env.engine.Batch(context.Background(), calls, BatchOptions{})
	require.Len(t, summary.Results, n)
	require.Equal(t, n, summary.Succeeded)
	require.Zero(t, summary.Failed)

	for i, r := range summary.Results {
		require.True(t, r.OK, "call %d", i)
		require.Equal(t, fmt.Sprintf("call-%d", i), textOf(t, r.Result))
	}
}

func TestBatch_ColdProviderLaunchesOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	launcher := &inProcessLauncher{srv: echoServer()}
	env.addProvider(t, "cold", launcher)

	calls := make([]BatchCall, 0, 10)
	for i := range 10 {
		calls = append(calls, BatchCall{
			Provider:  "cold",
			Tool:      "echo",
			Arguments: map[string]any{"text": fmt.Sprintf("%d", i)},
		})
	}

	summary := env.engine.Batch(context.Background(), calls, BatchOptions{MaxParallel: 10})
	require.Equal(t, 10, summary.Succeeded)
	require.Equal(t, int32(1), launcher.launches.Load(), "single-flight cold start across the batch")
}

func TestBatch_PerCallFailureDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.addProvider(t, "echo", &inProcessLauncher{srv: echoServer()})

	calls := []BatchCall{
		{Provider: "echo", Tool: "echo", Arguments: map[string]any{"text": "one"}},
		{Provider: "ghost", Tool: "echo"},
		{Provider: "echo", Tool: "echo", Arguments: map[string]any{"text": "three"}},
	}

	summary := env.engine.Batch(context.Background(), calls, BatchOptions{})
	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)

	require.True(t, summary.Results[0].OK)
	require.False(t, summary.Results[1].OK)
	require.Equal(t, errors.KindUnknownTarget, summary.Results[1].ErrorKind)
	require.True(t, summary.Results[2].OK)
}

func TestBatch_FailFastCancelsRemaining(t *testing.T) {
	t.Parallel()

	srv := server.NewMCPServer("slow", "1.0.0")
	srv.AddTool(mcp.Tool{
		Name:        "slow",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return mcp.NewToolResultText("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	env := newTestEnv(t, Config{})
	env.addProvider(t, "slow", &inProcessLauncher{srv: srv})

	calls := []BatchCall{
		{Provider: "ghost", Tool: "slow"}, // fails immediately
		{Provider: "slow", Tool: "slow"},
		{Provider: "slow", Tool: "slow"},
	}

	began := time.Now()
	summary := env.engine.Batch(context.Background(), calls, BatchOptions{
		FailFast:    true,
		MaxParallel: 1,
	})
	require.Less(t, time.Since(began), 2*time.Second, "fail-fast must not wait for the slow calls")

	require.False(t, summary.Results[0].OK)
	require.Zero(t, summary.Succeeded)
}

func TestBatch_DeadlineExpiryRecordsTimeouts(t *testing.T) {
	t.Parallel()

	srv := server.NewMCPServer("slow", "1.0.0")
	srv.AddTool(mcp.Tool{
		Name:        "slow",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		select {
		case <-time.After(10 * time.Second):
			return mcp.NewToolResultText("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	env := newTestEnv(t, Config{})
	env.addProvider(t, "slow", &inProcessLauncher{srv: srv})

	summary := env.engine.Batch(context.Background(), []BatchCall{
		{Provider: "slow", Tool: "slow"},
		{Provider: "slow", Tool: "slow"},
	}, BatchOptions{Timeout: 300 * time.Millisecond})

	require.Zero(t, summary.Succeeded)
	require.Equal(t, 2, summary.Failed)
	for i, r := range summary.Results {
		require.False(t, r.OK, "call %d", i)
		require.Equal(t, errors.KindTimeout, r.ErrorKind, "call %d", i)
	}
}

func TestBatch_OversizedResultTruncatedIntoContinuation(t *testing.T) {
	t.Parallel()

	srv := server.NewMCPServer("bulky", "1.0.0")
	srv.AddTool(mcp.Tool{
		Name:        "dump",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(strings.Repeat("x", 4096)), nil
	})

	env := newTestEnv(t, Config{MaxResponseBytes: 1024})
	env.addProvider(t, "bulky", &inProcessLauncher{srv: srv})

	summary := env.engine.Batch(context.Background(), []BatchCall{
		{Provider: "bulky", Tool: "dump"},
		{Provider: "bulky", Tool: "dump"},
	}, BatchOptions{})

	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 2, summary.Truncations)

	for i, r := range summary.Results {
		require.True(t, r.OK, "call %d", i)
		require.True(t, r.Truncated, "call %d", i)
		require.Equal(t, TruncatedReasonSize, r.TruncatedReason, "call %d", i)
		require.Nil(t, r.Result, "oversized payload must be cleared")
		require.Greater(t, r.OriginalSizeBytes, 1024)
		require.True(t, strings.HasPrefix(r.ContinuationID, ContinuationIDPrefix))

		// The full serialized payload is retrievable from the cache.
		cont := env.engine.Continuations().Retrieve(r.ContinuationID, 0, 0)
		require.True(t, cont.Found, "call %d", i)
		require.True(t, cont.Complete)
		require.Equal(t, r.OriginalSizeBytes, cont.TotalSize)
		require.Contains(t, string(cont.Data), strings.Repeat("x", 64))
	}
}

func TestBatch_SmallResultNotTruncated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.addProvider(t, "echo", &inProcessLauncher{srv: echoServer()})

	summary := env.engine.Batch(context.Background(), []BatchCall{
		{Provider: "echo", Tool: "echo", Arguments: map[string]any{"text": "tiny"}},
	}, BatchOptions{})

	require.Equal(t, 1, summary.Succeeded)
	require.Zero(t, summary.Truncations)
	require.False(t, summary.Results[0].Truncated)
	require.Empty(t, summary.Results[0].ContinuationID)
	require.NotNil(t, summary.Results[0].Result)
}

func TestBatch_EmitsBatchCompleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.addProvider(t, "echo", &inProcessLauncher{srv: echoServer()})

	env.engine.Batch(context.Background(), []BatchCall{
		{Provider: "echo", Tool: "echo", Arguments: map[string]any{"text": "x"}},
	}, BatchOptions{})

	require.Equal(t, 1, env.bus.count("batch_completed"))
}
