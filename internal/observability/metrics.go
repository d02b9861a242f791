package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	postingsTotal     *prometheus.CounterVec
	reversalsTotal    prometheus.Counter
	consumptionsTotal prometheus.Counter
	findingsTotal     *prometheus.CounterVec
	batchRunsTotal    *prometheus.CounterVec
}

// NewMetrics initialises the registry and base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_ledger_postings_total",
		Help: "Journal entries posted, by reference kind.",
	}, []string{"ref_kind"})
	reversals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_ledger_reversals_total",
		Help: "Reversal entries generated.",
	})
	consumptions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_inventory_consumptions_total",
		Help: "Inventory consumptions recorded.",
	})
	findings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_reconcile_findings_total",
		Help: "Reconciliation findings, by kind.",
	}, []string{"kind"})
	batchRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_batch_runs_total",
		Help: "Batch runs finished, by final status.",
	}, []string{"status"})
	registry.MustRegister(requests, duration, postings, reversals, consumptions, findings, batchRuns)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		postingsTotal:     postings,
		reversalsTotal:    reversals,
		consumptionsTotal: consumptions,
		findingsTotal:     findings,
		batchRunsTotal:    batchRuns,
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

// Middleware records metrics for every HTTP request.
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

// RecordPosting counts a posted journal entry.
func (m *Metrics) RecordPosting(refKind string) {
	if m == nil {
		return
	}
	m.postingsTotal.WithLabelValues(refKind).Inc()
}

// RecordReversal counts a reversal entry.
func (m *Metrics) RecordReversal() {
	if m == nil {
		return
	}
	m.reversalsTotal.Inc()
}

// RecordConsumption counts an inventory consumption.
func (m *Metrics) RecordConsumption() {
	if m == nil {
		return
	}
	m.consumptionsTotal.Inc()
}

// RecordFinding counts a reconciliation finding.
func (m *Metrics) RecordFinding(kind string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(kind).Inc()
}

// RecordBatchRun counts a finished batch run.
func (m *Metrics) RecordBatchRun(status string) {
	if m == nil {
		return
	}
	m.batchRunsTotal.WithLabelValues(status).Inc()
}

// Registerer exposes the registry for custom collectors.
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
