// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	recordsTotal               *prometheus.CounterVec
	filesTotal                 *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec
	divergence                 *prometheus.GaugeVec
	retriesTotal               *prometheus.CounterVec
	scheduleSkipsTotal         *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_records_total",
				Help: "Records processed by the loader, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		filesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_files_total",
				Help: "Files considered by the uploader, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_stage_duration_seconds",
				Help:    "Duration of orchestrator stages.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"platform", "stage"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_runs_total",
				Help: "Orchestrator runs, labeled by platform, mode and final state.",
			},
			[]string{"platform", "mode", "state"},
		)

		divergence = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reconciler_divergence",
				Help: "Divergence found by the last verification sweep, labeled by kind.",
			},
			[]string{"platform", "kind"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_retries_total",
				Help: "Transient failures retried, labeled by operation.",
			},
			[]string{"op"},
		)

		scheduleSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_schedule_skips_total",
				Help: "Scheduled ticks skipped, labeled by cadence and reason.",
			},
			[]string{"cadence", "reason"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_rate_limit_delay_seconds",
				Help:    "Time object store transfers waited on the rate limiter, labeled by platform.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"platform"},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveRecord counts one loader outcome.
func ObserveRecord(platform, outcome string) {
	Init()
	recordsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveFile counts one uploader outcome.
func ObserveFile(platform, outcome string) {
	Init()
	filesTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveStage records how long a stage took.
func ObserveStage(platform, stage string, d time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(platform, stage).Observe(d.Seconds())
}

// ObserveRun counts a finished orchestrator run.
func ObserveRun(platform, mode, state string) {
	Init()
	runsTotal.WithLabelValues(platform, mode, state).Inc()
}

// SetDivergence publishes the latest sweep counts.
func SetDivergence(platform string, missing, orphaned, dangling int) {
	Init()
	divergence.WithLabelValues(platform, "missing_uploads").Set(float64(missing))
	divergence.WithLabelValues(platform, "orphaned_entries").Set(float64(orphaned))
	divergence.WithLabelValues(platform, "dangling_entries").Set(float64(dangling))
}

// ObserveRetry counts one retried transient failure.
func ObserveRetry(op string) {
	Init()
	retriesTotal.WithLabelValues(op).Inc()
}

// ObserveScheduleSkip counts a scheduled tick that did not run.
func ObserveScheduleSkip(cadence, reason string) {
	Init()
	scheduleSkipsTotal.WithLabelValues(cadence, reason).Inc()
}

// ObserveRateLimitDelay records time spent waiting for a transfer token.
func ObserveRateLimitDelay(platform string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(platform).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}
