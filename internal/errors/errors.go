// Package errors defines the error taxonomy returned to gateway callers.
// Each sentinel maps to a stable error kind carried on tool results, batch
// entries and metrics labels. Classification happens once, at the boundary
// where an error leaves the core (see Kind and KindOf).
//
// NOTE: Important for developers
// When adding a new sentinel here you MUST add it to kindSentinels so that
// KindOf can classify wrapped instances, and decide whether it counts as a
// health failure (see CountsAsHealthFailure).
package errors

import (
	"context"
	"errors"
)

var (
	// ErrUnknownTarget indicates the dispatch target is neither a configured provider nor a group.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrUnknownTool indicates the requested tool is not in the provider's catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArgument indicates the tool arguments failed schema validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrColdStartFailed indicates a provider launch or MCP handshake failed
	// after the bounded retry budget inside the manager was exhausted.
	ErrColdStartFailed = errors.New("provider cold start failed")

	// ErrTransport indicates a connection, framing or process-exit failure
	// on an established provider transport.
	ErrTransport = errors.New("transport error")

	// ErrTimeout indicates the effective deadline was exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled indicates the caller cancelled the invocation.
	ErrCancelled = errors.New("cancelled")

	// ErrRateLimited indicates the global token bucket was empty.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen indicates the group circuit breaker rejected the dispatch.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrGroupUnavailable indicates the group has fewer healthy members than min_healthy.
	ErrGroupUnavailable = errors.New("group unavailable")

	// ErrTool indicates the backend returned an application-level tool error.
	// It is forwarded unchanged and does not count against provider health.
	ErrTool = errors.New("tool error")
)

// Kind is the stable, caller-visible classification of a failure.
type Kind string

const (
	KindUnknownTarget    Kind = "unknown_target"
	KindUnknownTool      Kind = "unknown_tool"
	KindInvalidArgument  Kind = "invalid_argument"
	KindColdStartFailed  Kind = "provider_cold_start_failed"
	KindTransport        Kind = "transport_error"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindRateLimited      Kind = "rate_limited"
	KindCircuitOpen      Kind = "circuit_open"
	KindGroupUnavailable Kind = "group_unavailable"
	KindTool             Kind = "tool_error"
)

// kindSentinels orders classification checks. The timeout and cancellation
// sentinels come first, so a timeout that also wraps a transport failure is
// reported as a timeout. Bare context errors are checked by KindOf only
// after no sentinel matched.
var kindSentinels = []struct {
	err  error
	kind Kind
}{
	{ErrTimeout, KindTimeout},
	{ErrCancelled, KindCancelled},
	{ErrUnknownTarget, KindUnknownTarget},
	{ErrUnknownTool, KindUnknownTool},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrColdStartFailed, KindColdStartFailed},
	{ErrRateLimited, KindRateLimited},
	{ErrCircuitOpen, KindCircuitOpen},
	{ErrGroupUnavailable, KindGroupUnavailable},
	{ErrTool, KindTool},
	{ErrTransport, KindTransport},
}

// KindOf classifies an error into its taxonomy kind.
// Unrecognized errors classify as transport failures, the conservative
// choice for health accounting.
func KindOf(err error) Kind {
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransport
}

// Retriable reports whether a caller may reasonably retry this kind.
func (k Kind) Retriable() bool {
	switch k {
	case KindTransport, KindRateLimited, KindCircuitOpen, KindGroupUnavailable, KindColdStartFailed:
		return true
	default:
		return false
	}
}

// CountsAsHealthFailure reports whether a failure of this kind should
// increment the provider's consecutive-failure counter and the group
// circuit breaker. Tool-level errors are outcomes of the tool, not the
// transport, and never count.
func CountsAsHealthFailure(k Kind) bool {
	switch k {
	case KindTimeout, KindTransport, KindColdStartFailed:
		return true
	default:
		return false
	}
}

// JSONRPCCode returns the stable JSON-RPC error code for a kind.
// Codes live in the implementation-defined server error range, except
// invalid_argument, which uses the standard invalid-params code -32602.
func (k Kind) JSONRPCCode() int {
	switch k {
	case KindUnknownTarget:
		return -32001
	case KindUnknownTool:
		return -32002
	case KindInvalidArgument:
		return -32602
	case KindColdStartFailed:
		return -32003
	case KindTransport:
		return -32004
	case KindTimeout:
		return -32005
	case KindCancelled:
		return -32006
	case KindRateLimited:
		return -32007
	case KindCircuitOpen:
		return -32008
	case KindGroupUnavailable:
		return -32009
	case KindTool:
		return -32010
	default:
		return -32000
	}
}
