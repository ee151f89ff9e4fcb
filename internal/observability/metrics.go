package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorCount      *prometheus.CounterVec

	matcherResults    *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	jobsInFlight      prometheus.Gauge
	jobsScheduled     *prometheus.CounterVec
	notificationFails *prometheus.CounterVec
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		errorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP errors by route, method and error code.",
		}, []string{"route", "method", "code"}),
		matcherResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mechanic_matcher_results_total",
			Help: "Matcher outcomes by tier; tier=none for misses.",
		}, []string{"tier"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assignment_transitions_total",
			Help: "Assignment state machine operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reassignment_job_runs_total",
			Help: "Reassignment job executions by result.",
		}, []string{"result"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reassignment_jobs_in_flight",
			Help: "Reassignment jobs currently executing in this process.",
		}),
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reassignment_jobs_scheduled_total",
			Help: "Reassignment jobs enqueued by backoff attempt.",
		}, []string{"attempt"}),
		notificationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Swallowed notification failures by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.errorCount,
		m.matcherResults,
		m.transitions,
		m.jobRuns,
		m.jobsInFlight,
		m.jobsScheduled,
		m.notificationFails,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errorCount.WithLabelValues(path, method, code).Inc()
}

// RecordMatch counts a matcher decision.
func (m *Metrics) RecordMatch(tier string) {
	if m == nil {
		return
	}
	if tier == "" {
		tier = "none"
	}
	m.matcherResults.WithLabelValues(tier).Inc()
}

// RecordTransition counts a state machine operation result.
func (m *Metrics) RecordTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// RecordJobRun counts a finished reassignment job.
func (m *Metrics) RecordJobRun(result string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(result).Inc()
}

// JobStarted and JobFinished track in-flight jobs.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
}

// RecordJobScheduled counts an enqueued reassignment job.
func (m *Metrics) RecordJobScheduled(attempt int) {
	if m == nil {
		return
	}
	m.jobsScheduled.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// RecordNotificationFailure counts a swallowed notification error.
func (m *Metrics) RecordNotificationFailure(kind string) {
	if m == nil {
		return
	}
	m.notificationFails.WithLabelValues(kind).Inc()
}
