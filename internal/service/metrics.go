package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	documents      *prometheus.CounterVec
	commits        *prometheus.CounterVec
	extractSeconds prometheus.Histogram
	aggregateBytes prometheus.Gauge
}

// NewMetrics creates the pipeline collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_documents_total",
				Help: "Documents processed by the pipeline, by final state.",
			},
			[]string{"state"},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_aggregate_commits_total",
				Help: "Aggregate commits by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		extractSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kb_extraction_duration_seconds",
				Help:    "Time spent extracting text from one document.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		aggregateBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kb_aggregate_bytes",
				Help: "Size of the last committed knowledge aggregate.",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.documents, m.commits, m.extractSeconds, m.aggregateBytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) document(state string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(state).Inc()
}

func (m *Metrics) commit(op, outcome string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) extraction(seconds float64) {
	if m == nil {
		return
	}
	m.extractSeconds.Observe(seconds)
}

func (m *Metrics) aggregateSize(n int) {
	if m == nil {
		return
	}
	m.aggregateBytes.Set(float64(n))
}
