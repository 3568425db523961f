// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway collectors on a private registry so tests can
// construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	RequestsSubmitted prometheus.Counter
	RequestsResolved  *prometheus.CounterVec
	RequestsPending   prometheus.Gauge

	RefundsCreated *prometheus.CounterVec
	RefundsClaimed prometheus.Counter

	OracleDispatches *prometheus.CounterVec
	SweeperExpired   prometheus.Counter
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RequestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "decryption",
			Name:      "requests_submitted_total",
			Help:      "Decryption requests accepted.",
		}),
		RequestsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "decryption",
			Name:      "requests_resolved_total",
			Help:      "Decryption requests resolved by terminal status.",
		}, []string{"status"}),
		RequestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "decryption",
			Name:      "requests_pending",
			Help:      "Decryption requests currently pending.",
		}),
		RefundsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "refunds",
			Name:      "created_total",
			Help:      "Refund records created by kind.",
		}, []string{"kind"}),
		RefundsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "refunds",
			Name:      "claimed_total",
			Help:      "Refund records claimed.",
		}),
		OracleDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "oracle",
			Name:      "dispatches_total",
			Help:      "Oracle dispatch attempts by outcome.",
		}, []string{"outcome"}),
		SweeperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Requests expired by the timeout sweeper.",
		}),
	}

	registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.RequestsSubmitted,
		m.RequestsResolved,
		m.RequestsPending,
		m.RefundsCreated,
		m.RefundsClaimed,
		m.OracleDispatches,
		m.SweeperExpired,
	)
	return m
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps next with request counting and latency observation
// under the given route label.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
