package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the evaluator gateway.
//
// Metrics:
//   - taskgate_evaluations_total{kind,outcome,verdict}
//   - taskgate_evaluation_duration_seconds{kind}
//   - taskgate_evaluation_payload_bytes{kind}
type Metrics struct {
	Evaluations  *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	PayloadBytes *prometheus.HistogramVec
}

// NewMetrics registers the gateway metrics on reg. A nil reg builds
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgate_evaluations_total",
				Help: "Total number of evaluations by kind, outcome and verdict",
			},
			[]string{"kind", "outcome", "verdict"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskgate_evaluation_duration_seconds",
				Help:    "Duration of evaluator invocations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"kind"},
		),
		PayloadBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskgate_evaluation_payload_bytes",
				Help:    "Size of evaluator request payloads in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) record(kind Kind, r *Result) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(string(kind), string(r.Outcome), string(r.Verdict)).Inc()
	if r.Duration > 0 {
		m.Duration.WithLabelValues(string(kind)).Observe(r.Duration.Seconds())
	}
}

func (m *Metrics) payload(kind Kind, n int) {
	if m == nil {
		return
	}
	m.PayloadBytes.WithLabelValues(string(kind)).Observe(float64(n))
}
