package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics contains Prometheus metrics for the HTTP gateway.
type GatewayMetrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	GRPCClientCalls      *prometheus.CounterVec
	GRPCClientDuration   *prometheus.HistogramVec
}

// NewGatewayMetrics creates and registers gateway metrics.
func NewGatewayMetrics(namespace string) *GatewayMetrics {
	m := &GatewayMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		GRPCClientCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc_client",
				Name:      "calls_total",
				Help:      "Total number of gRPC calls to the fleet backend",
			},
			[]string{"method", "status"}, // status: success or the gRPC code name
		),
		GRPCClientDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc_client",
				Name:      "call_duration_seconds",
				Help:      "Duration of gRPC calls to the fleet backend",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.GRPCClientCalls,
		m.GRPCClientDuration,
	)

	return m
}
