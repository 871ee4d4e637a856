package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the dispatcher. A nil *Metrics records
// nothing.
type Metrics struct {
	Active     prometheus.Gauge
	Delivered  *prometheus.CounterVec
	Lagging    prometheus.Counter
	QueueDepth prometheus.Histogram
}

// NewMetrics registers dispatcher metrics with reg. It returns nil when reg is
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	const namespace, subsystem = "chainstream", "stream"
	factory := promauto.With(reg)

	return &Metrics{
		Active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers_active",
			Help:      "Number of active subscriptions",
		}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_enqueued_total",
			Help:      "Messages placed on subscriber queues by kind",
		}, []string{"kind"}),
		Lagging: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lagging_cancellations_total",
			Help:      "Subscriptions force-cancelled for lagging past the retention window",
		}),
		QueueDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Subscriber queue length observed after each enqueue",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		}),
	}
}

func (m *Metrics) subscribed(active int) {
	if m == nil {
		return
	}
	m.Active.Set(float64(active))
}

func (m *Metrics) enqueued(kind MessageKind, depth int) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(kind.String()).Inc()
	m.QueueDepth.Observe(float64(depth))
}

func (m *Metrics) lagging() {
	if m == nil {
		return
	}
	m.Lagging.Inc()
}
