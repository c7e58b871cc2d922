// Package transport launches backend MCP servers and classifies their
// failures. The three provider modes (subprocess, container, remote) share
// one Launcher contract; framing, request ids and reply matching are
// handled by the mcp-go client each launcher returns.
package transport

import (
	"context"
	stdErrors "errors"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/client"

	"github.com/mcp-hangar/hangar/internal/errors"
)

const (
	KindSubprocess Kind = "subprocess"
	KindContainer  Kind = "container"
	KindRemote     Kind = "remote"
)

// Kind identifies a provider transport mode.
type Kind string

// Launcher prepares and starts the backend channel for one provider mode.
// Launch returns a connected (but uninitialized) MCP client; the session
// layer performs the handshake.
type Launcher interface {
	// Kind returns the transport mode.
	Kind() Kind

	// Launch starts the backend and returns a connected MCP client.
	Launch(ctx context.Context) (*client.Client, error)

	// Describe returns the launch target for logs and status output.
	Describe() string

	// Stderr returns captured backend stderr lines for diagnostics,
	// or nil when the mode has no stderr channel.
	Stderr() []string
}

const (
	ReasonConnectionRefused Reason = "connection_refused"
	ReasonTimeout           Reason = "timeout"
	ReasonFraming           Reason = "framing_error"
	ReasonProcessExited     Reason = "process_exited"
	ReasonHTTPStatus        Reason = "http_status"
	ReasonUnknown           Reason = "unknown"
)

// Reason is the typed cause of a transport failure.
type Reason string

// Failure is a typed transport error. It wraps both the underlying cause
// and the matching taxonomy sentinel, so errors.Is works against either.
type Failure struct {
	Reason Reason
	Err    error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

// Unwrap exposes the underlying cause and the taxonomy sentinel.
func (f *Failure) Unwrap() []error {
	sentinel := errors.ErrTransport
	if f.Reason == ReasonTimeout {
		sentinel = errors.ErrTimeout
	}
	return []error{f.Err, sentinel}
}

// Classify converts an error returned by a transport operation into a
// typed Failure, preserving cancellation as-is so callers can distinguish
// an aborted request from a broken channel.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", errors.ErrCancelled, err)
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return &Failure{Reason: ReasonTimeout, Err: err}
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Reason: ReasonTimeout, Err: err}
	}
	if stdErrors.Is(err, syscall.ECONNREFUSED) {
		return &Failure{Reason: ReasonConnectionRefused, Err: err}
	}

	var exitErr *exec.ExitError
	if stdErrors.As(err, &exitErr) {
		return &Failure{Reason: ReasonProcessExited, Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stdErrors.As(err, &syntaxErr) || stdErrors.As(err, &typeErr) {
		return &Failure{Reason: ReasonFraming, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return &Failure{Reason: ReasonConnectionRefused, Err: err}
	case strings.Contains(msg, "status code"), strings.Contains(msg, "unexpected status"):
		return &Failure{Reason: ReasonHTTPStatus, Err: err}
	case strings.Contains(msg, "process exited"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "file already closed"):
		return &Failure{Reason: ReasonProcessExited, Err: err}
	}

	return &Failure{Reason: ReasonUnknown, Err: err}
}

// environ flattens an env map into the "K=V" form the stdio client expects.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
