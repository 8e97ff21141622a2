package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is an Emitter backed by Prometheus counters and histograms.
type Prometheus struct {
	outcomes  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	breaker   *prometheus.GaugeVec
}

// NewPrometheus creates a Prometheus emitter and registers its collectors
// with the given registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "operation_outcomes_total",
			Help:      "Operation outcomes by event name and outcome.",
		}, []string{"event", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of instrumented operations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"event"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aegis",
			Name:      "circuit_breaker_open",
			Help:      "1 when the circuit breaker for an operation is open.",
		}, []string{"event"}),
	}
	reg.MustRegister(p.outcomes, p.durations, p.breaker)
	return p
}

// Emit implements Emitter.
func (p *Prometheus) Emit(event string, outcome Outcome, duration time.Duration, _ map[string]string) {
	p.outcomes.WithLabelValues(event, string(outcome)).Inc()
	if duration > 0 {
		p.durations.WithLabelValues(event).Observe(duration.Seconds())
	}
	switch outcome {
	case OutcomeBreakerOpen:
		p.breaker.WithLabelValues(event).Set(1)
	case OutcomeSuccess:
		p.breaker.WithLabelValues(event).Set(0)
	}
}
