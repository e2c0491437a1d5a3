package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the fleet backend service.
type BackendMetrics struct {
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	GRPCRequestsInFlight  *prometheus.GaugeVec
	EngineDuration        *prometheus.HistogramVec
	CacheRequestsTotal    *prometheus.CounterVec
	DevicesRanked         prometheus.Gauge
	AnomalousDevices      prometheus.Gauge
	TallyRunsTotal        prometheus.Counter
	TallyBatteriesUpdated prometheus.Counter
	TriggerMessagesTotal  *prometheus.CounterVec
	DBOperationsTotal     *prometheus.CounterVec
	DBOperationDuration   *prometheus.HistogramVec
}

// NewBackendMetrics creates and registers backend service metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	m := &BackendMetrics{
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "status"}, // status: success, invalid, not_found, error
		),
		GRPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		GRPCRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_in_flight",
				Help:      "Number of gRPC requests currently being processed",
			},
			[]string{"method"},
		),
		EngineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "compute_duration_seconds",
				Help:      "Duration of ranking engine computations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"}, // operation: candidates, cycle_counts
		),
		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "cache_requests_total",
				Help:      "Ranking candidate cache lookups",
			},
			[]string{"result"}, // result: hit, miss, error
		),
		DevicesRanked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "devices_ranked",
				Help:      "Devices with readings in the last computed summary window",
			},
		),
		AnomalousDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "anomalous_devices",
				Help:      "Devices flagged anomalous in the last computed summary window",
			},
		),
		TallyRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "runs_total",
				Help:      "Completed cycle tally runs",
			},
		),
		TallyBatteriesUpdated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "batteries_updated_total",
				Help:      "Cycle tally entries created or incremented",
			},
		),
		TriggerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of tally trigger messages consumed",
			},
			[]string{"queue", "status"}, // status: success, error, invalid
		),
		DBOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "status"}, // operation: first_last, buckets, readings, ...
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	MustRegister(
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.GRPCRequestsInFlight,
		m.EngineDuration,
		m.CacheRequestsTotal,
		m.DevicesRanked,
		m.AnomalousDevices,
		m.TallyRunsTotal,
		m.TallyBatteriesUpdated,
		m.TriggerMessagesTotal,
		m.DBOperationsTotal,
		m.DBOperationDuration,
	)

	return m
}
