// Package observability exposes the Prometheus registry of the API process:
// HTTP traffic plus snapshot recomputation.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry. It satisfies ledger.RecomputeObserver.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	inFlight        prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	recomputeDuration *prometheus.HistogramVec
	snapshotRows      *prometheus.CounterVec
	deltaFallbacks    *prometheus.CounterVec
}

// NewMetrics builds the registry with Go runtime, process, HTTP and ledger
// collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)
	return &Metrics{
		registry: registry,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldstore_http_request_duration_seconds",
			Help:    "HTTP request duration per route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		recomputeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldstore_ledger_recompute_duration_seconds",
			Help:    "Snapshot recomputation time by applied strategy.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"strategy"}),
		snapshotRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_ledger_snapshot_rows_total",
			Help: "Snapshot rows rewritten by recomputation.",
		}, []string{"strategy"}),
		deltaFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_ledger_delta_fallback_total",
			Help: "Edits where delta propagation was rejected in favour of a full re-walk.",
		}, []string{"reason"}),
	}
}

// Handler serves the registry. A nil Metrics answers 503.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count, latency and concurrency of HTTP requests, keyed
// by the chi route pattern so ids never become label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveRecompute records one snapshot recomputation.
func (m *Metrics) ObserveRecompute(strategy string, elapsed time.Duration, rowsChanged int) {
	if m == nil {
		return
	}
	m.recomputeDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	if rowsChanged > 0 {
		m.snapshotRows.WithLabelValues(strategy).Add(float64(rowsChanged))
	}
}

// DeltaFallback counts a rejected delta propagation.
func (m *Metrics) DeltaFallback(reason string) {
	if m == nil {
		return
	}
	m.deltaFallbacks.WithLabelValues(reason).Inc()
}

// Registerer lets other packages add collectors to the same endpoint.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
