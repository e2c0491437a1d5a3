package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the RabbitMQ client carrying tally triggers.
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PushDuration      *prometheus.HistogramVec
	ConnectionStatus  prometheus.Gauge
	MessagesConsumed  *prometheus.CounterVec
}

// NewMQMetrics creates and registers MQ client metrics under the "mq" subsystem.
func NewMQMetrics(namespace string) *MQMetrics {
	counter := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "mq", Name: name, Help: help}
	}

	m := &MQMetrics{
		MessagesPushed: prometheus.NewCounterVec(
			counter("messages_pushed_total", "Tally triggers confirmed by the broker"),
			[]string{"queue"},
		),
		PushFailures: prometheus.NewCounterVec(
			counter("push_failures_total", "Push attempts that failed, by reason"),
			[]string{"queue", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			counter("reconnect_attempts_total", "Broker reconnection attempts"),
		),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_duration_seconds",
				Help:      "Time from publish to broker confirmation",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"queue"},
		),
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "connected",
			Help:      "1 while the broker channel is usable, 0 otherwise",
		}),
		MessagesConsumed: prometheus.NewCounterVec(
			counter("messages_consumed_total", "Tally triggers delivered to the consumer"),
			[]string{"queue"},
		),
	}

	MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.ReconnectAttempts,
		m.PushDuration,
		m.ConnectionStatus,
		m.MessagesConsumed,
	)

	return m
}
