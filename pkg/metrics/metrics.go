// Package metrics provides Prometheus metrics collection for the fleet dashboard services.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by the services.
const Namespace = "fleet_dash"

// healthTimeout bounds one HealthCheck call.
const healthTimeout = 2 * time.Second

// Registry is the process-wide registry. The metric constructors register
// into it, so each set is created once per process.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// HealthCheck reports whether a dependency of the process is usable.
type HealthCheck func(ctx context.Context) error

// Handler serves the registry in the Prometheus or OpenMetrics format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewServeMux returns a mux serving /metrics and /health. /health answers
// "ok" when check passes (or is nil) and 503 otherwise.
func NewServeMux(check HealthCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				http.Error(w, "unavailable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// MustRegister registers collectors with the global registry and panics on conflict.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}
