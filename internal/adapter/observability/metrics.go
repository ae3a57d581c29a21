// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by task type.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of generation jobs enqueued",
		},
		[]string{"task_type"},
	)
	// JobsRunning is a gauge of the number of currently running jobs by task type.
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running on a worker",
		},
		[]string{"task_type"},
	)
	// JobsCompletedTotal counts jobs completed by task type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"task_type"},
	)
	// JobsFailedTotal counts jobs that ended in error, by task type.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that ended in error",
		},
		[]string{"task_type"},
	)
	// JobDurationSeconds records elapsed wall-clock time from submit to
	// terminal state, by task type.
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Generation job duration in seconds, submit to terminal state",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160, 300},
		},
		[]string{"task_type"},
	)

	// RouterDecisionsTotal counts routing decisions by outcome
	// (routed, routed_batch, no_available_worker).
	RouterDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_decisions_total",
			Help: "Total number of router decisions by outcome",
		},
		[]string{"outcome"},
	)

	// WorkerQueueLength is a gauge of each worker's last-observed queue
	// depth, set on every probe cycle.
	WorkerQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_queue_length",
			Help: "Most recently probed queue length for a worker",
		},
		[]string{"worker_id"},
	)
	// WorkerHealthy is a gauge of each worker's last-observed health (1 healthy, 0 not).
	WorkerHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_healthy",
			Help: "Most recently probed health state for a worker (1=healthy, 0=unhealthy)",
		},
		[]string{"worker_id"},
	)
	// ProbeLatencySeconds records worker health probe round-trip latency.
	ProbeLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_probe_latency_seconds",
			Help:    "Worker health probe round-trip latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"worker_id"},
	)

	// AggregatorEventsTotal counts client events published by the progress
	// aggregator, by event type.
	AggregatorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_events_total",
			Help: "Total number of client events published by the progress aggregator",
		},
		[]string{"event_type"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(RouterDecisionsTotal)
	prometheus.MustRegister(WorkerQueueLength)
	prometheus.MustRegister(WorkerHealthy)
	prometheus.MustRegister(ProbeLatencySeconds)
	prometheus.MustRegister(AggregatorEventsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given task type.
func EnqueueJob(taskType string) {
	JobsEnqueuedTotal.WithLabelValues(taskType).Inc()
}

// StartRunningJob increments the running-jobs gauge for the given task type.
func StartRunningJob(taskType string) {
	JobsRunning.WithLabelValues(taskType).Inc()
}

// CompleteJob marks a job complete: decrements the running gauge, increments completed.
func CompleteJob(taskType string) {
	JobsRunning.WithLabelValues(taskType).Dec()
	JobsCompletedTotal.WithLabelValues(taskType).Inc()
}

// FailJob marks a job failed: decrements the running gauge, increments failed.
func FailJob(taskType string) {
	JobsRunning.WithLabelValues(taskType).Dec()
	JobsFailedTotal.WithLabelValues(taskType).Inc()
}

// ObserveJobDuration records the elapsed time of a terminal job.
func ObserveJobDuration(taskType string, seconds float64) {
	JobDurationSeconds.WithLabelValues(taskType).Observe(seconds)
}

// RecordRouterDecision records one routing outcome.
func RecordRouterDecision(outcome string) {
	RouterDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordWorkerProbe records the result of one worker health probe.
func RecordWorkerProbe(workerID string, healthy bool, queueLength int, latencySeconds float64) {
	h := 0.0
	if healthy {
		h = 1.0
	}
	WorkerHealthy.WithLabelValues(workerID).Set(h)
	WorkerQueueLength.WithLabelValues(workerID).Set(float64(queueLength))
	ProbeLatencySeconds.WithLabelValues(workerID).Observe(latencySeconds)
}

// RecordAggregatorEvent records one client event published by the progress aggregator.
func RecordAggregatorEvent(eventType string) {
	AggregatorEventsTotal.WithLabelValues(eventType).Inc()
}
