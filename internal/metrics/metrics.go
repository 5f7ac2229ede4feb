// Package metrics provides Prometheus metrics for the conveyor service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total pipeline runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// RunsActive tracks currently running pipelines.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Number of currently running pipelines",
		},
	)

	// RunDuration tracks pipeline run duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// StepsTotal counts steps executed by final status.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Total number of steps executed by final status",
		},
		[]string{"status"}, // "completed", "failed", "skipped"
	)

	// StepDuration tracks step execution duration.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// StepRetries tracks retry attempts per step.
	StepRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "engine",
			Name:      "step_retries",
			Help:      "Number of retry attempts per step",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// EventsTotal counts lifecycle events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of lifecycle events emitted",
		},
		[]string{"type"},
	)

	// JobsTotal counts queue jobs by final status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total number of queue jobs by final status",
		},
		[]string{"kind", "status"},
	)

	// QueueWaiting tracks jobs waiting in the queue.
	QueueWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "queue",
			Name:      "waiting_jobs",
			Help:      "Number of jobs waiting to be claimed",
		},
	)

	// QueueActive tracks jobs currently held by workers.
	QueueActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "queue",
			Name:      "active_jobs",
			Help:      "Number of jobs currently executing",
		},
	)

	// JobRetries counts queue-level job retries.
	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "queue",
			Name:      "job_retries_total",
			Help:      "Total number of queue-level job retries",
		},
	)

	// DeadLetters tracks jobs parked in the dead-letter store.
	DeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "monitor",
			Name:      "dead_letters",
			Help:      "Number of jobs in the dead-letter store",
		},
	)

	// AlertsTotal counts alerts raised by category and severity.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "monitor",
			Name:      "alerts_total",
			Help:      "Total number of alerts raised",
		},
		[]string{"category", "severity"},
	)

	// HealthState reports the monitor's last classification
	// (0 = healthy, 1 = degraded, 2 = critical).
	HealthState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "monitor",
			Name:      "health_state",
			Help:      "Current health classification (0 healthy, 1 degraded, 2 critical)",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event-stream connections.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of open SSE connections",
		},
	)
)
