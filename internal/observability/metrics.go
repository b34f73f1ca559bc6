// Package observability holds the Prometheus registry and the collectors
// shared across the HTTP layer and the domain services.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus collectors.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ledgerSyncs     *prometheus.CounterVec
	driftIssues     *prometheus.CounterVec
	decisions       *prometheus.CounterVec
}

// NewMetrics initialises the registry and the base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billfold_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billfold_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	ledgerSyncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billfold_ledger_syncs_total",
		Help: "Ledger sync operations partitioned by document kind and outcome.",
	}, []string{"kind", "outcome"})
	driftIssues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billfold_drift_issues_total",
		Help: "Paid-status drift findings partitioned by issue kind.",
	}, []string{"kind"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billfold_approval_decisions_total",
		Help: "Approval decisions partitioned by decision.",
	}, []string{"decision"})
	registry.MustRegister(requests, duration, ledgerSyncs, driftIssues, decisions)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		ledgerSyncs:     ledgerSyncs,
		driftIssues:     driftIssues,
		decisions:       decisions,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latencies per chi route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveLedgerSync counts one sync result.
func (m *Metrics) ObserveLedgerSync(kind, outcome string) {
	if m == nil {
		return
	}
	m.ledgerSyncs.WithLabelValues(kind, outcome).Inc()
}

// ObserveDriftIssues counts drift findings per kind.
func (m *Metrics) ObserveDriftIssues(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.driftIssues.WithLabelValues(kind).Add(float64(count))
}

// ObserveDecision counts one approval decision.
func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
