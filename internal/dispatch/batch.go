package dispatch

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/events"
)

const (
	// DefaultBatchTimeout bounds a whole batch when the caller sets none.
	DefaultBatchTimeout = 60 * time.Second

	// DefaultMaxParallel bounds concurrent dispatches per batch when the
	// caller sets none.
	DefaultMaxParallel = 8
)

// BatchCall is one invocation inside a batch. A per-call timeout, when
// set, is capped by the remaining batch budget.
type BatchCall struct {
	Provider  string
	Tool      string
	Arguments map[string]any
	Timeout   time.Duration
}

// BatchOptions tunes one batch execution.
type BatchOptions struct {
	MaxParallel int
	Timeout     time.Duration
	FailFast    bool
}

// BatchCallResult is the outcome for one call, at its input position.
// A successful result larger than the response cap has Result cleared,
// Truncated set and the full serialized payload parked in the
// continuation cache under ContinuationID.
type BatchCallResult struct {
	OK        bool
	Result    *mcp.CallToolResult
	ErrorKind errors.Kind
	Message   string
	Elapsed   time.Duration

	Truncated         bool
	TruncatedReason   string
	OriginalSizeBytes int
	ContinuationID    string
}

// BatchSummary aggregates a finished batch.
type BatchSummary struct {
	BatchID           string
	Results           []BatchCallResult
	Succeeded         int
	Failed            int
	Cancelled         int
	BreakerRejections int
	Truncations       int
	Duration          time.Duration
}

// Batch fans out the calls concurrently, bounded by MaxParallel, and
// returns results in input order regardless of completion order. A single
// failure does not cancel siblings unless FailFast is set; expiry of the
// batch deadline cancels outstanding calls cooperatively and records them
// as timeouts. Cold starts collapse through the provider managers, so N
// calls to one cold provider trigger one launch.
func (e *Engine) Batch(ctx context.Context, calls []BatchCall, opts BatchOptions) BatchSummary {
	batchID := uuid.NewString()
	began := time.Now()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if len(calls) > 0 && maxParallel > len(calls) {
		maxParallel = len(calls)
	}

	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]BatchCallResult, len(calls))

	grp, grpCtx := errgroup.WithContext(batchCtx)
	grp.SetLimit(maxParallel)

	for i, call := range calls {
		grp.Go(func() error {
			results[i] = e.executeBatchCall(grpCtx, batchCtx, call, batchID, i)
			if opts.FailFast && !results[i].OK {
				return fmt.Errorf("batch call %d failed: %s", i, results[i].Message)
			}
			return nil
		})
	}

	// The error only signals fail-fast cancellation; per-call outcomes
	// are already recorded in the results slice.
	_ = grp.Wait()

	summary := BatchSummary{
		BatchID:  batchID,
		Results:  results,
		Duration: time.Since(began),
	}
	for _, r := range results {
		switch {
		case r.OK:
			summary.Succeeded++
		case r.ErrorKind == errors.KindCancelled || r.Message == batchExpiredMessage:
			summary.Cancelled++
			summary.Failed++
		default:
			summary.Failed++
		}
		if r.ErrorKind == errors.KindCircuitOpen {
			summary.BreakerRejections++
		}
		if r.Truncated {
			summary.Truncations++
		}
	}

	e.bus.Publish(events.BatchCompleted{
		BatchID:           batchID,
		Size:              len(calls),
		Succeeded:         summary.Succeeded,
		Failed:            summary.Failed,
		Cancelled:         summary.Cancelled,
		BreakerRejections: summary.BreakerRejections,
		Truncations:       summary.Truncations,
		Duration:          summary.Duration,
	})
	e.logger.Info("batch completed",
		"batch_id", batchID,
		"size", len(calls),
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"duration", summary.Duration,
	)

	return summary
}

const batchExpiredMessage = "batch deadline expired"

// executeBatchCall runs one call inside the batch. A call whose context
// ended before or during its dispatch is recorded as expired, whatever
// error the dispatch returned.
func (e *Engine) executeBatchCall(ctx, batchCtx context.Context, call BatchCall, batchID string, index int) BatchCallResult {
	if err := ctx.Err(); err != nil {
		return e.expiredResult(batchCtx, err)
	}

	inv := Invocation{
		Target:        call.Provider,
		Tool:          call.Tool,
		Arguments:     call.Arguments,
		Timeout:       call.Timeout,
		TimeoutSet:    call.Timeout != 0,
		CorrelationID: fmt.Sprintf("%s:%d", batchID, index),
	}

	began := time.Now()
	result, err := e.Dispatch(ctx, inv)
	elapsed := time.Since(began)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r := e.expiredResult(batchCtx, ctxErr)
			r.Elapsed = elapsed
			return r
		}
		return BatchCallResult{
			ErrorKind: errors.KindOf(err),
			Message:   err.Error(),
			Elapsed:   elapsed,
		}
	}

	if result.IsError {
		return BatchCallResult{
			Result:    result,
			ErrorKind: errors.KindTool,
			Message:   toolErrorMessage(result),
			Elapsed:   elapsed,
		}
	}

	return e.capResult(BatchCallResult{OK: true, Result: result, Elapsed: elapsed}, batchID, index)
}

// capResult enforces the per-call response size cap. Oversized results are
// cleared, marked truncated and parked in the continuation cache so the
// client can page the full payload out with hangar_fetch_continuation.
func (e *Engine) capResult(r BatchCallResult, batchID string, index int) BatchCallResult {
	data, err := json.Marshal(r.Result)
	if err != nil {
		return r
	}
	if len(data) <= e.maxResponseBytes {
		return r
	}

	r.ContinuationID = e.continuations.Store(batchID, index, data)
	r.Truncated = true
	r.TruncatedReason = TruncatedReasonSize
	r.OriginalSizeBytes = len(data)
	r.Result = nil

	e.logger.Warn("batch call truncated",
		"batch_id", batchID,
		"index", index,
		"size_bytes", r.OriginalSizeBytes,
		"limit_bytes", e.maxResponseBytes,
		"continuation_id", r.ContinuationID,
	)

	return r
}

// expiredResult records a call that never completed because the batch
// deadline expired or a fail-fast sibling cancelled it.
func (e *Engine) expiredResult(batchCtx context.Context, err error) BatchCallResult {
	if stdErrors.Is(batchCtx.Err(), context.DeadlineExceeded) {
		return BatchCallResult{
			ErrorKind: errors.KindTimeout,
			Message:   batchExpiredMessage,
		}
	}
	return BatchCallResult{
		ErrorKind: errors.KindCancelled,
		Message:   fmt.Sprintf("cancelled: %v", err),
	}
}

// toolErrorMessage extracts a human message from an IsError tool result.
func toolErrorMessage(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			return text.Text
		}
	}
	return "tool returned an error"
}
