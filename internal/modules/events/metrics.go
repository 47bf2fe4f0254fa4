// README: Prometheus metrics derived from domain events.
package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	transitions *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	radius      prometheus.Histogram
	cancels     *prometheus.CounterVec
	penalty     prometheus.Counter
	warnings    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roadside",
			Name:      "order_transitions_total",
			Help:      "Order status transitions by from and to status.",
		}, []string{"from", "to"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roadside",
			Name:      "search_attempts_total",
			Help:      "Search attempts by outcome.",
		}, []string{"outcome"}),
		radius: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "roadside",
			Name:      "search_radius_meters",
			Help:      "Radius used by each search attempt.",
			Buckets:   []float64{1000, 2500, 5000, 10000, 20000, 35000, 50000, 100000},
		}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roadside",
			Name:      "cancellations_total",
			Help:      "Cancellations by reason code.",
		}, []string{"reason"}),
		penalty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roadside",
			Name:      "cancellation_penalty_total",
			Help:      "Sum of cancellation penalties in minor units.",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roadside",
			Name:      "timeout_warnings_total",
			Help:      "Timeouts that only raised a warning, by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.transitions, m.attempts, m.radius, m.cancels, m.penalty, m.warnings)
	return m
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Handle(_ context.Context, e Event) error {
	switch e.Kind {
	case KindStatusChanged:
		from := e.From
		if from == "" {
			from = "none"
		}
		m.transitions.WithLabelValues(from, e.To).Inc()
	case KindSearchAttempted:
		m.attempts.WithLabelValues(e.Outcome).Inc()
		m.radius.Observe(float64(e.Radius))
	case KindCancelled:
		m.cancels.WithLabelValues(e.ReasonCode).Inc()
		if e.Penalty > 0 {
			m.penalty.Add(float64(e.Penalty))
		}
	case KindTimeoutWarning:
		m.warnings.WithLabelValues(e.Status).Inc()
	}
	return nil
}
