package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0xmhha/chainstream/pkg/types"
)

// Metrics holds Prometheus metrics for the ingestion loop. A nil *Metrics
// records nothing.
type Metrics struct {
	State          *prometheus.GaugeVec
	Transitions    *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	BlocksAccepted prometheus.Counter
	Backoffs       prometheus.Counter
	CycleDuration  prometheus.Histogram
}

// NewMetrics registers ingestion metrics with reg. It returns nil when reg is
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	const namespace, subsystem = "chainstream", "ingest"
	factory := promauto.With(reg)

	return &Metrics{
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Current ingestion state (1 for the active state)",
		}, []string{"state"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "State transitions by source and target state",
		}, []string{"from", "to"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_errors_total",
			Help:      "Provider errors by class",
		}, []string{"class"}),
		BlocksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_fetched_total",
			Help:      "Blocks fetched and handed to the chain view",
		}),
		Backoffs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backoffs_total",
			Help:      "Number of times the loop entered backoff",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of poll cycles",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) set(s State) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(s.String()).Set(1)
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(from.String()).Set(0)
	m.State.WithLabelValues(to.String()).Set(1)
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == StateBackoff {
		m.Backoffs.Inc()
	}
}

func (m *Metrics) providerError(err error) {
	if m == nil {
		return
	}
	class := "transient"
	switch {
	case types.IsNotFound(err):
		class = "not_found"
	case types.IsFatal(err):
		class = "fatal"
	}
	m.ProviderErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) accepted() {
	if m == nil {
		return
	}
	m.BlocksAccepted.Inc()
}

func (m *Metrics) cycle(seconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(seconds)
}
