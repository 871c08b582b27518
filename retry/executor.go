package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// Execution Contract
// =============================================================================

// Operation is one unit of retryable work. It must be safe to invoke
// more than once: every retry calls it again with the same context.
type Operation func(ctx context.Context) (any, error)

// Options identifies the step being executed and tunes how its outcome
// is persisted.
type Options struct {
	// TaskID and StepName identify the step; together they form the
	// circuit breaker key
	TaskID   string
	StepName string

	// StepIndex is the step's position within the task
	StepIndex int

	// Input and Context are recorded in the step checkpoint
	Input   any
	Context any

	// Policy overrides the executor's retry policy for this call
	Policy *Policy

	// Classifier overrides the executor's error classifier for this call
	Classifier Classifier

	// SaveOnSuccess and SaveOnFailure control checkpoint persistence;
	// nil means save
	SaveOnSuccess *bool
	SaveOnFailure *bool

	// TransformOutput rewrites the operation's output before it is
	// checkpointed and returned
	TransformOutput func(output any) any

	// ParentCheckpointID links the new checkpoint to its predecessor
	ParentCheckpointID string

	// TaskStartedAt, when set, stamps the checkpoint with the elapsed
	// task time
	TaskStartedAt time.Time

	// Tags and Metadata annotate the checkpoint
	Tags     []string
	Metadata map[string]any
}

// Result is the business outcome of one step execution. Infrastructure
// problems surface as the error return of ExecuteWithRetry instead.
type Result struct {
	// Success reports whether any attempt returned without error
	Success bool `json:"success"`

	// Output is the successful attempt's return value
	Output any `json:"output,omitempty"`

	// Error is the final attempt's failure
	Error *types.StepError `json:"error,omitempty"`

	// ErrorKind is the classification that selected the retry config
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`

	// Retries counts the attempts beyond the first
	Retries int `json:"retries"`

	// Duration spans the first attempt through the final outcome,
	// including the delays between attempts
	Duration time.Duration `json:"duration"`

	// Checkpoint is the persisted record of this outcome, when saving
	// was enabled
	Checkpoint *types.StepCheckpoint `json:"checkpoint,omitempty"`

	// CircuitBreakerTripped is true when the call was rejected by an
	// open circuit or the final failure opened it
	CircuitBreakerTripped bool `json:"circuit_breaker_tripped"`
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs operations under retry policies and per-step circuit
// breakers, checkpointing each outcome.
type Executor struct {
	checkpoints *checkpoint.Manager
	breakers    *Registry
	policy      Policy
	classifier  Classifier
	dispatcher  *events.Dispatcher
	metrics     *metrics.Collector
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithPolicy sets the default retry policy.
func WithPolicy(p Policy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithClassifier sets the default error classifier.
func WithClassifier(c Classifier) ExecutorOption {
	return func(e *Executor) { e.classifier = c }
}

// WithBreakers shares a circuit breaker registry with other components.
func WithBreakers(r *Registry) ExecutorOption {
	return func(e *Executor) { e.breakers = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithDispatcher emits step events on the given dispatcher instead of
// the checkpoint manager's.
func WithDispatcher(d *events.Dispatcher) ExecutorOption {
	return func(e *Executor) { e.dispatcher = d }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = c }
}

// NewExecutor creates an executor that persists outcomes through the
// given checkpoint manager. A nil manager disables persistence, leaving
// only the retry and circuit breaking behavior.
func NewExecutor(checkpoints *checkpoint.Manager, opts ...ExecutorOption) *Executor {
	e := &Executor{
		checkpoints: checkpoints,
		policy:      DefaultPolicy(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	base := e.logger
	e.logger = base.With(zap.String("component", "retry_executor"))

	if e.classifier == nil {
		e.classifier = DefaultClassifier()
	}
	if e.dispatcher == nil && checkpoints != nil {
		e.dispatcher = checkpoints.Dispatcher()
	}
	if e.breakers == nil {
		e.breakers = NewRegistry(DefaultBreakerConfig(),
			WithRegistryLogger(base),
			WithRegistryDispatcher(e.dispatcher),
			WithRegistryMetrics(e.metrics),
		)
	}
	return e
}

// Breakers returns the circuit breaker registry backing this executor.
func (e *Executor) Breakers() *Registry {
	return e.breakers
}

// ExecuteWithRetry runs op until it succeeds, its retry budget is
// exhausted, or its circuit opens. The error kind of each failure is
// classified anew and selects the retry config for the next decision,
// so an operation that flips from a network error to a validation
// error stops retrying at once.
//
// The returned Result carries the business outcome, including circuit
// rejections. The error return is reserved for invalid arguments,
// checkpoint persistence failures, and context cancellation during a
// retry delay.
func (e *Executor) ExecuteWithRetry(ctx context.Context, op Operation, opts *Options) (*Result, error) {
	if op == nil {
		return nil, fmt.Errorf("operation is required: %w", store.ErrInvalidInput)
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.TaskID == "" {
		return nil, fmt.Errorf("task id is required: %w", store.ErrInvalidInput)
	}
	if opts.StepName == "" {
		return nil, fmt.Errorf("step name is required: %w", store.ErrInvalidInput)
	}

	key := CircuitKey(opts.TaskID, opts.StepName)
	breaker := e.breakers.GetOrCreate(key)
	if !breaker.Allow() {
		if e.metrics != nil {
			e.metrics.RecordCircuitRejection(opts.StepName)
		}
		e.logger.Warn("step rejected by open circuit",
			zap.String("task_id", opts.TaskID),
			zap.String("step", opts.StepName),
		)
		return &Result{
			Error:                 types.NewStepError(types.ErrorKindUnknown, "circuit breaker open for "+key).WithCode("circuit_open"),
			ErrorKind:             types.ErrorKindUnknown,
			CircuitBreakerTripped: true,
		}, nil
	}

	policy := e.policy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	classifier := e.classifier
	if opts.Classifier != nil {
		classifier = opts.Classifier
	}

	e.emit(events.Event{
		Type:      events.StepStarted,
		TaskID:    opts.TaskID,
		StepIndex: opts.StepIndex,
		StepName:  opts.StepName,
	})

	var (
		start           = time.Now()
		retries         int
		lastErr         *types.StepError
		lastKind        types.ErrorKind
		attemptDuration time.Duration
	)

	for attempt := 0; ; attempt++ {
		attemptStart := time.Now()
		output, err := op(ctx)
		attemptDuration = time.Since(attemptStart)

		if err == nil {
			breaker.RecordSuccess()
			if opts.TransformOutput != nil {
				output = opts.TransformOutput(output)
			}

			res := &Result{
				Success:  true,
				Output:   output,
				Retries:  retries,
				Duration: time.Since(start),
			}
			if e.checkpoints != nil && saveEnabled(opts.SaveOnSuccess) {
				cp, saveErr := e.saveCheckpoint(ctx, opts, output, nil, attemptDuration, retries)
				if saveErr != nil {
					return nil, saveErr
				}
				res.Checkpoint = cp
			}
			if e.metrics != nil {
				e.metrics.RecordStepExecution(string(types.StepStatusCompleted), res.Duration)
			}
			completed := events.Event{
				Type:      events.StepCompleted,
				TaskID:    opts.TaskID,
				StepIndex: opts.StepIndex,
				StepName:  opts.StepName,
				Data:      map[string]any{"retries": retries},
			}
			if res.Checkpoint != nil {
				completed.CheckpointID = res.Checkpoint.ID
			}
			e.emit(completed)
			e.logger.Debug("step completed",
				zap.String("task_id", opts.TaskID),
				zap.String("step", opts.StepName),
				zap.Int("retries", retries),
				zap.Duration("duration", res.Duration),
			)
			return res, nil
		}

		lastKind = classifier.Classify(err)
		if !lastKind.Valid() {
			lastKind = types.ErrorKindUnknown
		}
		lastErr = types.StepErrorFrom(err, lastKind)

		// The config for the freshly classified kind decides whether
		// this failure is retryable at all.
		active := policy.For(lastKind)
		opened := breaker.RecordFailure()
		exhausted := attempt >= active.MaxAttempts

		if exhausted || opened {
			if exhausted && e.metrics != nil {
				e.metrics.RecordRetryExhausted(string(lastKind))
			}
			break
		}

		retries++
		if e.metrics != nil {
			e.metrics.RecordRetryAttempt(string(lastKind))
		}
		delay := active.Delay(attempt)
		e.emit(events.Event{
			Type:      events.StepRetrying,
			TaskID:    opts.TaskID,
			StepIndex: opts.StepIndex,
			StepName:  opts.StepName,
			Data: map[string]any{
				"attempt":    retries,
				"delay_ms":   delay.Milliseconds(),
				"error_kind": string(lastKind),
				"error":      lastErr.Message,
			},
		})
		e.logger.Warn("retrying step",
			zap.String("task_id", opts.TaskID),
			zap.String("step", opts.StepName),
			zap.Int("attempt", retries),
			zap.String("error_kind", string(lastKind)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry delay interrupted: %w", err)
		}
	}

	res := &Result{
		Error:                 lastErr,
		ErrorKind:             lastKind,
		Retries:               retries,
		Duration:              time.Since(start),
		CircuitBreakerTripped: breaker.State() == StateOpen,
	}
	if e.checkpoints != nil && saveEnabled(opts.SaveOnFailure) {
		cp, saveErr := e.saveCheckpoint(ctx, opts, nil, lastErr, attemptDuration, retries)
		if saveErr != nil {
			return nil, saveErr
		}
		res.Checkpoint = cp
	}
	if e.metrics != nil {
		e.metrics.RecordStepExecution(string(types.StepStatusFailed), res.Duration)
	}
	failed := events.Event{
		Type:      events.StepFailed,
		TaskID:    opts.TaskID,
		StepIndex: opts.StepIndex,
		StepName:  opts.StepName,
		Data: map[string]any{
			"error":      lastErr.Error(),
			"error_kind": string(lastKind),
			"retries":    retries,
		},
	}
	if res.Checkpoint != nil {
		failed.CheckpointID = res.Checkpoint.ID
	}
	e.emit(failed)
	e.logger.Error("step failed",
		zap.String("task_id", opts.TaskID),
		zap.String("step", opts.StepName),
		zap.Int("retries", retries),
		zap.String("error_kind", string(lastKind)),
		zap.Bool("circuit_tripped", res.CircuitBreakerTripped),
		zap.Error(lastErr),
	)
	return res, nil
}

func (e *Executor) saveCheckpoint(ctx context.Context, opts *Options, output any, stepErr *types.StepError, attemptDuration time.Duration, retries int) (*types.StepCheckpoint, error) {
	co := &checkpoint.CreateOptions{
		ParentID:   opts.ParentCheckpointID,
		Error:      stepErr,
		Duration:   attemptDuration,
		RetryCount: retries,
		Tags:       opts.Tags,
		Custom:     opts.Metadata,
	}
	if !opts.TaskStartedAt.IsZero() {
		co.Elapsed = time.Since(opts.TaskStartedAt)
	}
	return e.checkpoints.CreateStepCheckpoint(ctx, opts.TaskID, opts.StepIndex, opts.StepName, opts.Input, output, opts.Context, co)
}

func (e *Executor) emit(ev events.Event) {
	if e.dispatcher != nil {
		e.dispatcher.Emit(ev)
	}
}

// saveEnabled treats a nil flag as true.
func saveEnabled(flag *bool) bool {
	return flag == nil || *flag
}

// sleepContext waits out the delay unless the context ends first. A
// cancelled context wins even when the delay is zero.
func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
