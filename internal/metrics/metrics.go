// Package metrics provides Prometheus metrics for the workflow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opflow"

var (
	// RunsTotal counts runs reaching a terminal or recoverable status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "failed_recoverable", "cancelled"
	)

	// RunsActive tracks runs currently driven by a worker.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Number of runs currently executing",
		},
	)

	// RunDuration tracks active run time at completion.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Active run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodeAttempts counts node attempts by outcome.
	NodeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "node_attempts_total",
			Help:      "Total number of node attempts by status",
		},
		[]string{"status"}, // "completed", "failed", "timed_out"
	)

	// NodeDuration tracks node attempt duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Node attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// RunConflicts counts CAS losses on run updates.
	RunConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "run_conflicts_total",
			Help:      "Total number of run updates rejected by revision check",
		},
	)

	// EventsAppended counts persisted run events by type.
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "events_total",
			Help:      "Total number of run events appended",
		},
		[]string{"type"},
	)

	// ScheduleFires counts schedule-triggered run submissions.
	ScheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Total number of schedule fires by kind and result",
		},
		[]string{"kind", "result"}, // result: "submitted", "error"
	)

	// ScheduleTickDuration tracks scheduler tick latency.
	ScheduleTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TriggerEvaluations counts chat trigger evaluations.
	TriggerEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "evaluations_total",
			Help:      "Total number of chat message evaluations by outcome",
		},
		[]string{"outcome"}, // "activated", "matched", "no_match", "error"
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
