// Package metrics provides Prometheus instrumentation for the stake engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsCredited counts deposits credited, partitioned by outcome
	// ("created" for a new stake, "replay" for an idempotent no-op).
	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_deposits_credited_total",
		Help: "Deposit credit operations by outcome",
	}, []string{"outcome"})

	// AccrualPayouts counts individual stake accruals applied.
	AccrualPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_accrual_payouts_total",
		Help: "Daily accrual payouts applied to stakes",
	})

	// AccrualFailures counts per-stake accrual failures (isolated, retried
	// on the next run).
	AccrualFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_accrual_failures_total",
		Help: "Per-stake accrual failures",
	})

	// AccrualRunDuration tracks how long a full accrual run takes.
	AccrualRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stake_accrual_run_duration_seconds",
		Help:    "Daily accrual run duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DistributionRuns counts distribution runs by terminal reason.
	DistributionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_distribution_runs_total",
		Help: "Distribution runs by terminal reason",
	}, []string{"reason"})

	// DistributionSweeps counts per-user unlock transfers written.
	DistributionSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_distribution_sweeps_total",
		Help: "Per-user unlock transfers written by distribution runs",
	})

	// LeaseConflicts counts distribution runs rejected because another
	// runner holds a live lease.
	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_distribution_lease_conflicts_total",
		Help: "Distribution runs rejected by a live job lease",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stake_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stake_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
