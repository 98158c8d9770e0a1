package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts acquisitions by outcome.
type Metrics struct {
	acquisitions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		acquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sa",
				Name:      "acquisitions_total",
				Help:      "Total number of package acquisitions by outcome.",
			},
			[]string{"outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sa",
				Name:      "acquisition_duration_seconds",
				Help:      "The duration of package acquisitions by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	outcome := r.Outcome.String()
	m.acquisitions.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(r.Duration.Seconds())
}
