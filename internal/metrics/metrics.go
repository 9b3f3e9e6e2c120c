package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classification metrics
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_classifications_total",
			Help: "Total number of prompt classifications",
		},
		[]string{"complexity", "task_type"},
	)

	ClassificationDefaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baran_classification_defaults_total",
			Help: "Classifications that fell back to (simple, general)",
		},
	)

	// Routing metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_routing_decisions_total",
			Help: "Total number of routing decisions",
		},
		[]string{"backend", "reason"},
	)

	RoutingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_routing_fallbacks_total",
			Help: "Decisions that walked a fallback chain past the top scorer",
		},
		[]string{"backend"},
	)

	RoutingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baran_routing_failures_total",
			Help: "Routing attempts that found no healthy backend",
		},
	)

	RoutingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "baran_routing_duration_seconds",
			Help:    "Time spent scoring and selecting a backend",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01},
		},
	)

	// Backend health metrics
	BackendHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "baran_backend_health",
			Help: "Cached backend health (0=unknown 1=online 2=degraded 3=offline)",
		},
		[]string{"backend"},
	)

	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_health_probes_total",
			Help: "Health probe outcomes per backend",
		},
		[]string{"backend", "outcome"},
	)

	// Execution metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_tasks_executed_total",
			Help: "Task executions by type and terminal state",
		},
		[]string{"task_type", "state"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baran_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_task_retries_total",
			Help: "Fallback retries during task dispatch",
		},
		[]string{"backend"},
	)

	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_workflows_started_total",
			Help: "Total number of workflow runs started",
		},
		[]string{"template"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_workflows_completed_total",
			Help: "Total number of workflow runs finished",
		},
		[]string{"template", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baran_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"template"},
	)

	// Dispatch metrics
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baran_backend_requests_total",
			Help: "Dispatch outcomes per backend",
		},
		[]string{"backend", "outcome"},
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baran_backend_latency_seconds",
			Help:    "Observed backend latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "baran_circuit_breaker_state",
			Help: "Dispatch breaker state per backend (0=closed 1=half-open 2=open)",
		},
		[]string{"backend"},
	)
)

// RecordClassification updates the classification counters.
func RecordClassification(complexity, taskType string, defaulted bool) {
	ClassificationsTotal.WithLabelValues(complexity, taskType).Inc()
	if defaulted {
		ClassificationDefaults.Inc()
	}
}

// RecordRoutingDecision updates the decision counters and timing.
func RecordRoutingDecision(backend, reason string, fellBack bool, elapsed time.Duration) {
	RoutingDecisions.WithLabelValues(backend, reason).Inc()
	if fellBack {
		RoutingFallbacks.WithLabelValues(backend).Inc()
	}
	RoutingDuration.Observe(elapsed.Seconds())
}

// RecordHealthProbe records one probe outcome and the resulting cached state.
func RecordHealthProbe(backend, outcome string, state int) {
	HealthProbes.WithLabelValues(backend, outcome).Inc()
	BackendHealth.WithLabelValues(backend).Set(float64(state))
}

// RecordBackendResult records a dispatch outcome and observed latency.
func RecordBackendResult(backend string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	BackendRequests.WithLabelValues(backend, outcome).Inc()
	BackendLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// RecordTaskOutcome records a task reaching a terminal state.
func RecordTaskOutcome(taskType, state string, elapsed time.Duration) {
	TasksExecuted.WithLabelValues(taskType, state).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

// RecordWorkflowOutcome records a finished run.
func RecordWorkflowOutcome(template, status string, elapsed time.Duration) {
	WorkflowsCompleted.WithLabelValues(template, status).Inc()
	WorkflowDuration.WithLabelValues(template).Observe(elapsed.Seconds())
}
