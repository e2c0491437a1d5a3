package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics contains Prometheus metrics for the tally trigger scheduler.
type SchedulerMetrics struct {
	TriggersPublished prometheus.Counter
	TriggerFailures   *prometheus.CounterVec
	LastTrigger       prometheus.Gauge
}

// NewSchedulerMetrics creates and registers scheduler metrics.
func NewSchedulerMetrics(namespace string) *SchedulerMetrics {
	m := &SchedulerMetrics{
		TriggersPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "triggers_published_total",
				Help:      "Tally run requests published",
			},
		),
		TriggerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "trigger_failures_total",
				Help:      "Tally run requests that could not be published",
			},
			[]string{"reason"},
		),
		LastTrigger: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "last_trigger_timestamp_seconds",
				Help:      "Unix time of the last published tally run request",
			},
		),
	}

	MustRegister(
		m.TriggersPublished,
		m.TriggerFailures,
		m.LastTrigger,
	)

	return m
}
