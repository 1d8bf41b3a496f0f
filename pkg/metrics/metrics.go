package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Run metrics
	RunsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_runs_finished_total",
			Help: "Total number of workflow run drives by resulting status",
		},
		[]string{"status"},
	)

	RunDriveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_run_drive_duration_seconds",
			Help:    "Time spent driving a run until it stops, suspends or fails",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	// Node metrics
	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"node_type"},
	)

	// Trigger metrics
	TriggersMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_triggers_matched_total",
			Help: "Total number of trigger matches that started a run",
		},
		[]string{"trigger_type"},
	)

	TriggersSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_triggers_skipped_total",
			Help: "Total number of trigger matches skipped, by reason",
		},
		[]string{"trigger_type", "reason"},
	)

	// Scheduler metrics
	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_scheduler_ticks_total",
			Help: "Total number of scheduler loop iterations",
		},
		[]string{"loop"},
	)

	SchedulerResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_scheduler_resumes_total",
			Help: "Total number of waiting runs resumed by the scheduler",
		},
		[]string{"outcome"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type", "outcome"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_consumed_total",
			Help: "Total number of events consumed",
		},
		[]string{"topic"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)
)

// RecordHTTPRequest records an HTTP request and its duration
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordRun records the outcome of one run drive
func RecordRun(status string, duration float64) {
	RunsFinishedTotal.WithLabelValues(status).Inc()
	RunDriveDuration.WithLabelValues(status).Observe(duration)
}

// RecordNodeExecution records a node execution
func RecordNodeExecution(nodeType, status string, duration float64) {
	NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(duration)
}

func RecordTriggerMatched(triggerType string) {
	TriggersMatchedTotal.WithLabelValues(triggerType).Inc()
}

func RecordTriggerSkipped(triggerType, reason string) {
	TriggersSkippedTotal.WithLabelValues(triggerType, reason).Inc()
}

func RecordSchedulerTick(loop string) {
	SchedulerTicksTotal.WithLabelValues(loop).Inc()
}

func RecordSchedulerResume(outcome string) {
	SchedulerResumesTotal.WithLabelValues(outcome).Inc()
}

func RecordEventPublished(eventType, outcome string) {
	EventsPublished.WithLabelValues(eventType, outcome).Inc()
}

func RecordEventConsumed(topic string) {
	EventsConsumed.WithLabelValues(topic).Inc()
}

func RecordCacheHit(cache string) {
	CacheHits.WithLabelValues(cache).Inc()
}

func RecordCacheMiss(cache string) {
	CacheMisses.WithLabelValues(cache).Inc()
}
