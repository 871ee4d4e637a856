package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the chain view. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	HeadHeight       prometheus.Gauge
	FinalizedHeight  prometheus.Gauge
	RetainedBlocks   prometheus.Gauge
	AcceptedTotal    prometheus.Counter
	InvalidatedTotal prometheus.Counter
	ReorgsTotal      prometheus.Counter
	ReorgDepth       prometheus.Histogram
	FinalizedTotal   prometheus.Counter
	DuplicateBlocks  prometheus.Counter
}

// NewMetrics registers chain metrics with reg. It returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	const namespace, subsystem = "chainstream", "chain"
	factory := promauto.With(reg)

	return &Metrics{
		HeadHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "head_height",
			Help:      "Number of the highest accepted block",
		}),
		FinalizedHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "finalized_height",
			Help:      "Number of the highest finalized block",
		}),
		RetainedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retained_superseded_blocks",
			Help:      "Superseded blocks kept in memory for reorg resolution",
		}),
		AcceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "accepted_total",
			Help:      "Total number of Accepted events emitted",
		}),
		InvalidatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "invalidated_total",
			Help:      "Total number of Invalidated events emitted",
		}),
		ReorgsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reorgs_total",
			Help:      "Total number of reorganizations resolved",
		}),
		ReorgDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reorg_depth",
			Help:      "Number of canonical blocks evicted per reorg",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 64, 128},
		}),
		FinalizedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "finalized_total",
			Help:      "Total number of blocks persisted as finalized",
		}),
		DuplicateBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicate_blocks_total",
			Help:      "Blocks offered that were already canonical",
		}),
	}
}

func (m *Metrics) observe(snap *Snapshot, events []Event, reorgDepth uint64, finalized int) {
	if m == nil {
		return
	}
	if head, ok := snap.Head(); ok {
		m.HeadHeight.Set(float64(head.Number))
	}
	if fin, ok := snap.Finalized(); ok {
		m.FinalizedHeight.Set(float64(fin.Number))
	}
	m.RetainedBlocks.Set(float64(len(snap.superseded)))
	for _, ev := range events {
		if ev.Kind == EventAccepted {
			m.AcceptedTotal.Inc()
		} else {
			m.InvalidatedTotal.Inc()
		}
	}
	if reorgDepth > 0 {
		m.ReorgsTotal.Inc()
		m.ReorgDepth.Observe(float64(reorgDepth))
	}
	m.FinalizedTotal.Add(float64(finalized))
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.DuplicateBlocks.Inc()
}
