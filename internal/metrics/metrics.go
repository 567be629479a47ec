// Package metrics exposes Prometheus collectors for the scanner master and
// workers.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	scannerDocumentsTotal        prometheus.Counter
	scannerRecordsSkippedTotal   prometheus.Counter
	scannerBytesDecodedTotal     prometheus.Counter
	scannerDispatchFailuresTotal prometheus.Counter
	scannerBackpressureSeconds   prometheus.Histogram
	scannerEnginePending         prometheus.Gauge
	scannerOutputDeliveriesTotal *prometheus.CounterVec
	scannerOutputsDeliveredTotal prometheus.Counter
	scannerWorkItemsTotal        *prometheus.CounterVec

	masterSessionsActive        prometheus.Gauge
	masterLeasesTotal           *prometheus.CounterVec
	masterOutputsAcceptedTotal  prometheus.Counter
	masterOutputsPersistedTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		scannerDocumentsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanner_documents_total",
			Help: "Documents extracted from archives and dispatched to scan engines.",
		})

		scannerRecordsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanner_records_skipped_total",
			Help: "Archive segments or records discarded as incomplete, malformed or unnormalizable.",
		})

		scannerBytesDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanner_bytes_decoded_total",
			Help: "Decompressed archive bytes read.",
		})

		scannerDispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanner_dispatch_failures_total",
			Help: "Document batches a scan engine refused; the work is lost.",
		})

		scannerBackpressureSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_backpressure_wait_seconds",
			Help:    "Time dispatch spent blocked on the pending-batch ceiling.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		})

		scannerEnginePending = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_engine_pending_batches",
			Help: "Largest pending-batch depth observed across scan engines.",
		})

		scannerOutputDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_output_deliveries_total",
				Help: "Output batch deliveries to the master, labeled by status.",
			},
			[]string{"status"},
		)

		scannerOutputsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanner_outputs_delivered_total",
			Help: "Individual outputs accepted by the master.",
		})

		scannerWorkItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_work_items_total",
				Help: "Work items handled by this worker, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		masterSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "master_sessions_active",
			Help: "Worker sessions currently registered.",
		})

		masterLeasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_leases_total",
				Help: "Work lease requests, labeled by result.",
			},
			[]string{"result"},
		)

		masterOutputsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "master_outputs_accepted_total",
			Help: "Outputs decoded from worker deliveries and queued for persistence.",
		})

		masterOutputsPersistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_outputs_persisted_total",
				Help: "Outputs written to the output sink, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// AddDocuments counts documents handed to the dispatch governor.
func AddDocuments(n int) {
	Init()
	scannerDocumentsTotal.Add(float64(n))
}

// AddSkipped counts discarded records.
func AddSkipped(n int) {
	Init()
	scannerRecordsSkippedTotal.Add(float64(n))
}

// AddBytesDecoded counts decompressed bytes.
func AddBytesDecoded(n int64) {
	Init()
	scannerBytesDecodedTotal.Add(float64(n))
}

// ObserveDispatchFailures counts batches refused by scan engines.
func ObserveDispatchFailures(n int) {
	Init()
	scannerDispatchFailuresTotal.Add(float64(n))
}

// ObserveBackpressure records one completed backpressure wait.
func ObserveBackpressure(wait time.Duration) {
	Init()
	scannerBackpressureSeconds.Observe(wait.Seconds())
}

// SetEnginePending records the latest max pending depth.
func SetEnginePending(depth int) {
	Init()
	scannerEnginePending.Set(float64(depth))
}

// ObserveOutputDelivery records one delivery attempt of size outputs.
func ObserveOutputDelivery(ok bool, size int) {
	Init()
	if !ok {
		scannerOutputDeliveriesTotal.WithLabelValues("failed").Inc()
		return
	}
	scannerOutputDeliveriesTotal.WithLabelValues("ok").Inc()
	scannerOutputsDeliveredTotal.Add(float64(size))
}

// ObserveWorkItem counts a finished work item by outcome.
func ObserveWorkItem(outcome string) {
	Init()
	scannerWorkItemsTotal.WithLabelValues(outcome).Inc()
}

// SetSessions records the number of live worker sessions.
func SetSessions(n int) {
	Init()
	masterSessionsActive.Set(float64(n))
}

// ObserveLease counts a lease request by result.
func ObserveLease(result string) {
	Init()
	masterLeasesTotal.WithLabelValues(result).Inc()
}

// AddOutputsAccepted counts outputs queued for persistence.
func AddOutputsAccepted(n int) {
	Init()
	masterOutputsAcceptedTotal.Add(float64(n))
}

// ObserveOutputPersisted counts one persistence attempt.
func ObserveOutputPersisted(ok bool) {
	Init()
	status := "ok"
	if !ok {
		status = "failed"
	}
	masterOutputsPersistedTotal.WithLabelValues(status).Inc()
}

// AddOutputsDropped counts outputs that never reached the output queue.
func AddOutputsDropped(n int) {
	Init()
	masterOutputsPersistedTotal.WithLabelValues("dropped").Add(float64(n))
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
