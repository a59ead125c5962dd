// Package metrics provides Prometheus metrics for the thistle service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks finished runs by trigger and terminal status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "run",
			Name:      "runs_total",
			Help:      "Total number of integrity runs by trigger and status",
		},
		[]string{"trigger", "mode", "status"},
	)

	// RunDuration tracks wall-clock run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of integrity runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"trigger", "mode"},
	)

	// RunsInFlight tracks runs currently executing on this replica
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "thistle",
			Subsystem: "run",
			Name:      "in_flight",
			Help:      "Number of runs currently executing",
		},
	)

	// EvaluatorFailures tracks evaluator modules that failed inside a run
	EvaluatorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "evaluator",
			Name:      "failures_total",
			Help:      "Total number of failed evaluator modules",
		},
		[]string{"module"},
	)

	// IssuesDetected tracks findings produced by evaluators
	IssuesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "evaluator",
			Name:      "issues_total",
			Help:      "Total number of issues detected by type and severity",
		},
		[]string{"issue_type", "severity"},
	)

	// IssuesWritten tracks reconciler writes by action
	IssuesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "reconcile",
			Name:      "issues_total",
			Help:      "Total number of reconciled issues by action",
		},
		[]string{"action"},
	)

	// FetchPages tracks table API pages fetched
	FetchPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "source",
			Name:      "pages_total",
			Help:      "Total number of table API pages fetched",
		},
		[]string{"entity", "status"},
	)

	// FetchDuration tracks table API request duration
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "source",
			Name:      "request_duration_seconds",
			Help:      "Duration of table API requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"entity"},
	)

	// Retries tracks retried operations by the component that retried
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of retried attempts",
		},
		[]string{"operation"},
	)

	// EventsPublished tracks Kafka events by topic and outcome
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "kafka",
			Name:      "events_total",
			Help:      "Total number of published events",
		},
		[]string{"topic", "status"},
	)
)
