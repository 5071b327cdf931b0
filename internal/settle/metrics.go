package settle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the settle coordinator.
type Metrics struct {
	// Checks counts settle checks by result: claimed, superseded or error.
	Checks            *prometheus.CounterVec
	HolisticReviews   *prometheus.CounterVec
	IndividualReviews *prometheus.CounterVec
	BurstSize         prometheus.Histogram
	AbandonedMarkers  prometheus.Counter
}

// NewMetrics registers the coordinator metrics on reg. A nil reg builds
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_settle_checks_total",
			Help: "Total number of settle checks by result",
		}, []string{"result"}),
		HolisticReviews: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_holistic_reviews_total",
			Help: "Total number of holistic reviews by verdict",
		}, []string{"verdict"}),
		IndividualReviews: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_individual_reviews_total",
			Help: "Total number of automatic task reviews by verdict",
		}, []string{"verdict"}),
		BurstSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgate_burst_size",
			Help:    "Number of tasks in each claimed burst",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		AbandonedMarkers: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgate_abandoned_session_markers_total",
			Help: "Total number of stale session markers cleared",
		}),
	}
}

func (m *Metrics) check(result string) {
	if m != nil {
		m.Checks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) holistic(verdict string) {
	if m != nil {
		m.HolisticReviews.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) individual(verdict string) {
	if m != nil {
		m.IndividualReviews.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) burst(n int) {
	if m != nil {
		m.BurstSize.Observe(float64(n))
	}
}

func (m *Metrics) abandoned() {
	if m != nil {
		m.AbandonedMarkers.Inc()
	}
}
