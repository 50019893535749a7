package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	gradingRunsTotal    *prometheus.CounterVec
	gradingPhaseSeconds *prometheus.HistogramVec
	gradingInFlight     prometheus.Gauge
	gradingQueueDepth   prometheus.Gauge
	progressSubscribers prometheus.Gauge
	progressEventsTotal *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpLatencySeconds  *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used by the grading
// pipeline and the HTTP layer.
func RegisterMetrics() {
	registerOnce.Do(func() {
		gradingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_runs_total",
			Help: "Total number of grading pipeline runs by terminal status.",
		}, []string{"status"})

		gradingPhaseSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_phase_duration_seconds",
			Help:    "Duration distribution of individual grading phases.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"phase"})

		gradingInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_runs_in_flight",
			Help: "Number of grading pipeline runs currently executing.",
		})

		gradingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_queue_depth",
			Help: "Number of grading requests waiting for an admission slot.",
		})

		progressSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_progress_subscribers",
			Help: "Number of connected progress stream observers.",
		})

		progressEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_progress_events_total",
			Help: "Total number of progress events published by type.",
		}, []string{"type"})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_http_requests_total",
			Help: "Total number of grading API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_http_latency_seconds",
			Help:    "Latency distribution for grading API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(
			gradingRunsTotal,
			gradingPhaseSeconds,
			gradingInFlight,
			gradingQueueDepth,
			progressSubscribers,
			progressEventsTotal,
			httpRequestsTotal,
			httpLatencySeconds,
		)
	})
}

// GradingRuns exposes the terminal status counter for pipeline runs.
func GradingRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRunsTotal
}

// PhaseDuration exposes the per-phase duration histogram.
func PhaseDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingPhaseSeconds
}

// RunsInFlight exposes the in-flight pipeline gauge.
func RunsInFlight() prometheus.Gauge {
	RegisterMetrics()
	return gradingInFlight
}

// QueueDepth exposes the admission queue depth gauge.
func QueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return gradingQueueDepth
}

// ProgressSubscribers exposes the connected observer gauge.
func ProgressSubscribers() prometheus.Gauge {
	RegisterMetrics()
	return progressSubscribers
}

// ProgressEvents exposes the published event counter.
func ProgressEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return progressEventsTotal
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}
