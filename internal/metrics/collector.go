// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Metrics Collector
// =============================================================================

// Collector records engine metrics in the default Prometheus registry.
// Label sets stay bounded: statuses, error kinds, and operation names,
// never task or step IDs.
type Collector struct {
	// Checkpoint metrics
	checkpointsSaved     *prometheus.CounterVec
	checkpointBytes      *prometheus.HistogramVec
	checkpointCompressed *prometheus.CounterVec

	// Step metrics
	stepExecutionsTotal *prometheus.CounterVec
	stepDuration        prometheus.Histogram

	// Task metrics
	taskTransitions *prometheus.CounterVec

	// Retry metrics
	retryAttempts  *prometheus.CounterVec
	retryExhausted *prometheus.CounterVec

	// Circuit breaker metrics
	circuitTransitions *prometheus.CounterVec
	circuitRejections  *prometheus.CounterVec

	// Garbage collection metrics
	gcRuns     *prometheus.CounterVec
	gcDeleted  *prometheus.CounterVec
	gcDuration prometheus.Histogram

	// Store metrics
	storeOpDuration *prometheus.HistogramVec
	storeOpErrors   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector under the given namespace
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Checkpoint metrics
	c.checkpointsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Total number of checkpoints persisted",
		},
		[]string{"kind"}, // kind: step, task
	)

	c.checkpointBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_bytes",
			Help:      "Uncompressed checkpoint payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"kind"},
	)

	c.checkpointCompressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_compressions_total",
			Help:      "Total number of checkpoints with at least one compressed field",
		},
		[]string{"kind"},
	)

	// Step metrics
	c.stepExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step executions by outcome",
		},
		[]string{"status"}, // status: completed, failed
	)

	c.stepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds, including retries",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// Task metrics
	c.taskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_state_transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// Retry metrics
	c.retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts by error kind",
		},
		[]string{"error_kind"},
	)

	c.retryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Total number of operations that exhausted their retry budget",
		},
		[]string{"error_kind"},
	)

	// Circuit breaker metrics
	c.circuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"operation", "from_state", "to_state"},
	)

	c.circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_rejections_total",
			Help:      "Total number of executions rejected by an open circuit",
		},
		[]string{"operation"},
	)

	// Garbage collection metrics
	c.gcRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_runs_total",
			Help:      "Total number of garbage collection runs",
		},
		[]string{"status"}, // status: success, failed
	)

	c.gcDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_deleted_total",
			Help:      "Total number of records deleted by garbage collection",
		},
		[]string{"resource"}, // resource: task, step
	)

	c.gcDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "Garbage collection run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Store metrics
	c.storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Checkpoint store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	c.storeOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of failed checkpoint store operations",
		},
		[]string{"backend", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// Checkpoint Metrics
// =============================================================================

// RecordCheckpointSaved records a persisted checkpoint and its payload size
func (c *Collector) RecordCheckpointSaved(kind string, payloadBytes int, compressed bool) {
	c.checkpointsSaved.WithLabelValues(kind).Inc()
	c.checkpointBytes.WithLabelValues(kind).Observe(float64(payloadBytes))
	if compressed {
		c.checkpointCompressed.WithLabelValues(kind).Inc()
	}
}

// =============================================================================
// Step and Task Metrics
// =============================================================================

// RecordStepExecution records a finished step execution
func (c *Collector) RecordStepExecution(status string, duration time.Duration) {
	c.stepExecutionsTotal.WithLabelValues(status).Inc()
	c.stepDuration.Observe(duration.Seconds())
}

// RecordTaskTransition records a task state transition
func (c *Collector) RecordTaskTransition(fromState, toState string) {
	c.taskTransitions.WithLabelValues(fromState, toState).Inc()
}

// =============================================================================
// Retry and Circuit Breaker Metrics
// =============================================================================

// RecordRetryAttempt records a single retry attempt
func (c *Collector) RecordRetryAttempt(errorKind string) {
	c.retryAttempts.WithLabelValues(errorKind).Inc()
}

// RecordRetryExhausted records an operation that ran out of attempts
func (c *Collector) RecordRetryExhausted(errorKind string) {
	c.retryExhausted.WithLabelValues(errorKind).Inc()
}

// RecordCircuitTransition records a circuit breaker state change
func (c *Collector) RecordCircuitTransition(operation, fromState, toState string) {
	c.circuitTransitions.WithLabelValues(operation, fromState, toState).Inc()
}

// RecordCircuitRejection records an execution refused by an open circuit
func (c *Collector) RecordCircuitRejection(operation string) {
	c.circuitRejections.WithLabelValues(operation).Inc()
}

// =============================================================================
// Garbage Collection Metrics
// =============================================================================

// RecordGCRun records a garbage collection run
func (c *Collector) RecordGCRun(status string, duration time.Duration) {
	c.gcRuns.WithLabelValues(status).Inc()
	c.gcDuration.Observe(duration.Seconds())
}

// RecordGCDeleted records records removed by garbage collection
func (c *Collector) RecordGCDeleted(resource string, count int) {
	if count <= 0 {
		return
	}
	c.gcDeleted.WithLabelValues(resource).Add(float64(count))
}

// =============================================================================
// Store Metrics
// =============================================================================

// RecordStoreOperation records a checkpoint store call
func (c *Collector) RecordStoreOperation(backend, operation string, duration time.Duration, success bool) {
	c.storeOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if !success {
		c.storeOpErrors.WithLabelValues(backend, operation).Inc()
	}
}
