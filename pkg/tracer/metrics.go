package tracer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one processor instance.
type Metrics struct {
	SpansReceived  *prometheus.CounterVec
	SpansForwarded *prometheus.CounterVec
	SpansCollapsed prometheus.Counter
	SyntheticSpans *prometheus.CounterVec
	Orphans        prometheus.Counter
	TracesEvicted  *prometheus.CounterVec
	SinkErrors     prometheus.Counter
}

// NewMetrics registers the processor collectors on reg. activeTraces backs the
// active-traces gauge.
func NewMetrics(reg prometheus.Registerer, activeTraces func() float64) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		SpansReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runspan_spans_received_total",
				Help: "Ended spans received from instrumentation, by role",
			},
			[]string{"role"},
		),
		SpansForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runspan_spans_forwarded_total",
				Help: "Spans handed to the downstream sink, by role",
			},
			[]string{"role"},
		),
		SpansCollapsed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "runspan_spans_collapsed_total",
				Help: "Root and node spans absorbed into the run span",
			},
		),
		SyntheticSpans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runspan_synthetic_spans_total",
				Help: "Synthetic run spans emitted, by state",
			},
			[]string{"state"},
		),
		Orphans: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "runspan_orphans_total",
				Help: "Spans provisionally reparented because their parent was not seen yet",
			},
		),
		TracesEvicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runspan_traces_evicted_total",
				Help: "Trace states dropped before their root ended, by reason",
			},
			[]string{"reason"},
		),
		SinkErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "runspan_sink_errors_total",
				Help: "Failed sends to the downstream sink",
			},
		),
	}
	if activeTraces != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "runspan_active_traces",
				Help: "Traces currently holding state",
			},
			activeTraces,
		)
	}
	return m
}
