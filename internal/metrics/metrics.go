// Package metrics exports Prometheus collectors driven by domain events.
// The recorder subscribes to the event bus so the core never depends on a
// metrics API; it also keeps a small aggregate snapshot for the
// registry_metrics gateway tool.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcp-hangar/hangar/internal/events"
)

// Recorder turns domain events into Prometheus series.
type Recorder struct {
	registry *prometheus.Registry

	invocations  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	coldStarts   *prometheus.CounterVec
	coldStartDur prometheus.Histogram
	stateChanges *prometheus.CounterVec
	circuit      *prometheus.CounterVec
	batchCalls   prometheus.Counter
	batchSize    prometheus.Histogram
	batchDur     prometheus.Histogram
	truncations  prometheus.Counter

	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot aggregates counters for the registry_metrics tool.
type Snapshot struct {
	Invocations    int64            `json:"invocations"`
	Failures       int64            `json:"failures"`
	FailuresByKind map[string]int64 `json:"failures_by_kind"`
	ColdStarts     int64            `json:"cold_starts"`
	CircuitOpens   int64            `json:"circuit_opens"`
	Batches        int64            `json:"batches"`
	Truncations    int64            `json:"truncations"`
}

// NewRecorder registers the hangar collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: reg,
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hangar_tool_invocations_total",
			Help: "Tool invocations by provider, tool and outcome.",
		}, []string{"provider", "tool", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hangar_tool_latency_seconds",
			Help:    "Tool invocation latency by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		coldStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hangar_cold_starts_total",
			Help: "Provider cold starts by provider and mode.",
		}, []string{"provider", "mode"}),
		coldStartDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hangar_cold_start_seconds",
			Help:    "Cold start duration (launch, handshake, discovery).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hangar_provider_state_changes_total",
			Help: "Provider state machine transitions.",
		}, []string{"provider", "to"}),
		circuit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hangar_circuit_transitions_total",
			Help: "Circuit breaker transitions by group.",
		}, []string{"group", "transition"}),
		batchCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hangar_batches_total",
			Help: "Completed batches.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hangar_batch_size",
			Help:    "Calls per batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		batchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hangar_batch_duration_seconds",
			Help:    "Wall time per batch.",
			Buckets: prometheus.DefBuckets,
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hangar_batch_truncations_total",
			Help: "Batch call results truncated for exceeding the response size cap.",
		}),
	}
	r.snapshot.FailuresByKind = make(map[string]int64)

	reg.MustRegister(
		r.invocations, r.latency, r.coldStarts, r.coldStartDur,
		r.stateChanges, r.circuit, r.batchCalls, r.batchSize, r.batchDur,
		r.truncations,
	)

	return r
}

// Handle consumes one domain event. It is the bus subscriber callback.
func (r *Recorder) Handle(e events.Event) {
	switch ev := e.(type) {
	case events.ToolInvoked:
		r.invocations.WithLabelValues(ev.ProviderID, ev.Tool, "success").Inc()
		r.latency.WithLabelValues(ev.ProviderID).Observe(ev.Duration.Seconds())
		r.mu.Lock()
		r.snapshot.Invocations++
		r.mu.Unlock()

	case events.ToolFailed:
		r.invocations.WithLabelValues(ev.ProviderID, ev.Tool, string(ev.Kind)).Inc()
		if ev.Duration > 0 {
			r.latency.WithLabelValues(ev.ProviderID).Observe(ev.Duration.Seconds())
		}
		r.mu.Lock()
		r.snapshot.Invocations++
		r.snapshot.Failures++
		r.snapshot.FailuresByKind[string(ev.Kind)]++
		r.mu.Unlock()

	case events.ProviderReady:
		r.coldStarts.WithLabelValues(ev.ProviderID, ev.Mode).Inc()
		r.coldStartDur.Observe(ev.ColdStart.Seconds())
		r.mu.Lock()
		r.snapshot.ColdStarts++
		r.mu.Unlock()

	case events.ProviderStateChanged:
		r.stateChanges.WithLabelValues(ev.ProviderID, string(ev.To)).Inc()

	case events.CircuitOpened:
		r.circuit.WithLabelValues(ev.GroupID, "opened").Inc()
		r.mu.Lock()
		r.snapshot.CircuitOpens++
		r.mu.Unlock()

	case events.CircuitReset:
		r.circuit.WithLabelValues(ev.GroupID, "reset").Inc()

	case events.BatchCompleted:
		r.batchCalls.Inc()
		r.batchSize.Observe(float64(ev.Size))
		r.batchDur.Observe(ev.Duration.Seconds())
		if ev.Truncations > 0 {
			r.truncations.Add(float64(ev.Truncations))
		}
		r.mu.Lock()
		r.snapshot.Batches++
		r.snapshot.Truncations += int64(ev.Truncations)
		r.mu.Unlock()
	}
}

// Snapshot returns a copy of the aggregate counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snapshot
	s.FailuresByKind = make(map[string]int64, len(r.snapshot.FailuresByKind))
	for k, v := range r.snapshot.FailuresByKind {
		s.FailuresByKind[k] = v
	}
	return s
}

// Handler serves the /metrics endpoint for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
