package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/resume"
	"github.com/BaSui01/stepflow/retry"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// ErrTaskNotRunning reports a step execution against a task whose
// status does not permit it.
var ErrTaskNotRunning = errors.New("task is not running")

// =============================================================================
// System
// =============================================================================

// System is the constructed engine facade: one store, one event
// dispatcher, and the checkpoint, retry and resume managers wired
// together. Every dependency is owned explicitly; there is no global
// state, so independent Systems can coexist in one process.
type System struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       store.Store
	dispatcher  *events.Dispatcher
	metrics     *metrics.Collector
	checkpoints *checkpoint.Manager
	retries     *retry.Executor
	resumes     *resume.Manager
	now         func() time.Time

	ownsStore bool
	gcCancel  context.CancelFunc
	gcDone    chan struct{}
	closeOnce sync.Once
}

// Option customizes a System.
type Option func(*System)

// WithLogger sets the logger; the default is built from the config's
// log section.
func WithLogger(logger *zap.Logger) Option {
	return func(s *System) { s.logger = logger }
}

// WithStore injects a pre-built store. The caller keeps ownership:
// Close does not close injected stores.
func WithStore(st store.Store) Option {
	return func(s *System) { s.store = st }
}

// WithDispatcher shares an existing event dispatcher instead of
// creating one.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(s *System) { s.dispatcher = d }
}

// WithMetrics wires a metrics collector through every component. The
// collector registers in the process-wide Prometheus registry, so the
// caller constructs exactly one and passes it in.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *System) { s.metrics = c }
}

// WithClock overrides the time source for checkpointing, resumption
// and garbage collection; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

// New builds a System from the configuration. A nil cfg uses defaults.
func New(cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}

	s := &System{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = config.BuildLogger(cfg.Log)
	}
	base := s.logger
	s.logger = base.With(zap.String("component", "engine"))

	if s.dispatcher == nil {
		s.dispatcher = events.NewDispatcher(base)
	}

	backendLabel := "external"
	if s.store == nil {
		st, err := store.New(cfg.Storage.ToStoreConfig(), base)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		s.store = st
		s.ownsStore = true
		backendLabel = cfg.Storage.Type
	}
	backing := instrumentStore(s.store, backendLabel, s.metrics)

	ckptOpts := []checkpoint.Option{
		checkpoint.WithLogger(base),
		checkpoint.WithDispatcher(s.dispatcher),
		checkpoint.WithMetrics(s.metrics),
		checkpoint.WithCompressionThreshold(cfg.Engine.Checkpoint.CompressionThreshold),
		checkpoint.WithGCRateLimit(cfg.Engine.GC.RatePerSecond),
	}
	if s.now != nil {
		ckptOpts = append(ckptOpts, checkpoint.WithClock(s.now))
	}
	s.checkpoints = checkpoint.NewManager(backing, ckptOpts...)

	s.retries = retry.NewExecutor(s.checkpoints,
		retry.WithLogger(base),
		retry.WithDispatcher(s.dispatcher),
		retry.WithMetrics(s.metrics),
		retry.WithPolicy(retryPolicyFromConfig(cfg.Engine.Retry)),
		retry.WithBreakers(retry.NewRegistry(breakerConfigFromConfig(cfg.Engine.Breaker),
			retry.WithRegistryLogger(base),
			retry.WithRegistryDispatcher(s.dispatcher),
			retry.WithRegistryMetrics(s.metrics),
		)),
	)

	resumeOpts := []resume.Option{resume.WithLogger(base)}
	if s.now != nil {
		resumeOpts = append(resumeOpts, resume.WithClock(s.now))
	}
	s.resumes = resume.NewManager(s.checkpoints, s.retries, resumeOpts...)

	if cfg.Engine.GC.Enabled {
		gcCtx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		s.gcDone = make(chan struct{})
		go s.runGC(gcCtx, cfg.Engine.GC.Interval, gcPolicyFromConfig(cfg.Engine.GC))
	}

	s.logger.Info("engine initialized",
		zap.String("storage", cfg.Storage.Type),
		zap.Bool("breaker_enabled", cfg.Engine.Breaker.Enabled),
		zap.Bool("gc_enabled", cfg.Engine.GC.Enabled),
	)
	return s, nil
}

// retryPolicyFromConfig tunes the default retry band from the config
// while keeping the built-in per-kind placements: logic and validation
// never retry, permission retries once, network retries most.
func retryPolicyFromConfig(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.Default = retry.Config{
		Strategy:     retry.StrategyExponential,
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.BackoffFactor,
		Jitter:       cfg.Jitter,
	}
	return p
}

func breakerConfigFromConfig(cfg config.BreakerConfig) retry.BreakerConfig {
	if !cfg.Enabled {
		// A threshold no workload reaches keeps every circuit closed.
		return retry.BreakerConfig{
			FailureThreshold: math.MaxInt32,
			FailureWindow:    time.Minute,
		}
	}
	return retry.BreakerConfig{
		FailureThreshold:  cfg.FailureThreshold,
		FailureWindow:     cfg.Window,
		ResetTimeout:      cfg.Cooldown,
		HalfOpenMaxProbes: cfg.HalfOpenProbes,
		SuccessThreshold:  cfg.HalfOpenSuccesses,
	}
}

// gcPolicyFromConfig maps the config to a cleanup policy. A
// non-positive configured MaxAge disables the age pass: the background
// loop must never mass-delete because a field was left unset. Callers
// wanting the delete-everything sweep invoke Cleanup directly.
func gcPolicyFromConfig(cfg config.GCConfig) checkpoint.CleanupPolicy {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = -1
	}
	return checkpoint.CleanupPolicy{
		MaxAge:        maxAge,
		MaxCount:      cfg.MaxCount,
		KeepCompleted: cfg.KeepCompleted,
	}
}

func (s *System) runGC(ctx context.Context, interval time.Duration, policy checkpoint.CleanupPolicy) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.checkpoints.CleanupOldCheckpoints(ctx, policy); err != nil && ctx.Err() == nil {
				s.logger.Warn("background checkpoint cleanup failed", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// Task Lifecycle
// =============================================================================

// StartTask creates a task checkpoint and moves it to running.
func (s *System) StartTask(ctx context.Context, name string, totalSteps int, taskCtx any, opts *checkpoint.TaskOptions) (*types.TaskCheckpoint, error) {
	task, err := s.checkpoints.CreateTaskCheckpoint(ctx, name, totalSteps, taskCtx, opts)
	if err != nil {
		return nil, err
	}

	running := types.TaskStatusRunning
	task, err = s.checkpoints.UpdateTaskCheckpoint(ctx, task.ID, &checkpoint.TaskPatch{Status: &running})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task started",
		zap.String("task_id", task.ID),
		zap.String("name", name),
		zap.Int("total_steps", totalSteps),
	)
	return task, nil
}

// CompleteTask marks a task completed.
func (s *System) CompleteTask(ctx context.Context, taskID string) (*types.TaskCheckpoint, error) {
	return s.transitionTask(ctx, taskID, types.TaskStatusCompleted)
}

// FailTask marks a task failed.
func (s *System) FailTask(ctx context.Context, taskID string) (*types.TaskCheckpoint, error) {
	return s.transitionTask(ctx, taskID, types.TaskStatusFailed)
}

// PauseTask marks a running task paused.
func (s *System) PauseTask(ctx context.Context, taskID string) (*types.TaskCheckpoint, error) {
	return s.transitionTask(ctx, taskID, types.TaskStatusPaused)
}

// CancelTask marks a task cancelled. Cancellation is cooperative: the
// status changes immediately, an in-flight operation keeps running
// until it observes its context or the task status itself.
func (s *System) CancelTask(ctx context.Context, taskID string) (*types.TaskCheckpoint, error) {
	return s.transitionTask(ctx, taskID, types.TaskStatusCancelled)
}

func (s *System) transitionTask(ctx context.Context, taskID string, status types.TaskStatus) (*types.TaskCheckpoint, error) {
	st := status
	return s.checkpoints.UpdateTaskCheckpoint(ctx, taskID, &checkpoint.TaskPatch{Status: &st})
}

// =============================================================================
// Step Execution
// =============================================================================

// StepOptions carries the optional knobs of one wrapped step execution.
type StepOptions struct {
	// Input overrides the recorded input; the task's current context is
	// used when nil
	Input any

	// Policy and Classifier override the executor's defaults for this
	// step only
	Policy     *retry.Policy
	Classifier retry.Classifier

	// SaveOnSuccess / SaveOnFailure disable checkpoint persistence when
	// set to false; nil means save
	SaveOnSuccess *bool
	SaveOnFailure *bool

	// TransformOutput rewrites the output before it is checkpointed and
	// threaded into the task context
	TransformOutput func(output any) any

	// Tags and Metadata annotate the step checkpoint
	Tags     []string
	Metadata map[string]any
}

// ExecuteStep runs one operation through the retry executor on behalf
// of a running task: the resulting checkpoint is appended to the task,
// CurrentStepIndex advances, the output becomes the task's context and
// retries roll up onto the task total. A step failure is reported in
// the Result, never as an error; the task stays running so the caller
// decides between FailTask and another attempt.
func (s *System) ExecuteStep(ctx context.Context, taskID string, stepIndex int, stepName string, op retry.Operation, opts *StepOptions) (*retry.Result, error) {
	if opts == nil {
		opts = &StepOptions{}
	}

	task, err := s.checkpoints.GetTaskCheckpoint(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if task.Status != types.TaskStatusRunning {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotRunning)
	}

	var taskCtx any
	if err := task.UnmarshalContext(&taskCtx); err != nil {
		return nil, fmt.Errorf("failed to decode task %s context: %w", taskID, err)
	}
	input := opts.Input
	if input == nil {
		input = taskCtx
	}

	parentID := ""
	if n := len(task.StepCheckpoints); n > 0 {
		parentID = task.StepCheckpoints[n-1]
	}
	var startedAt time.Time
	if task.StartedAt != nil {
		startedAt = *task.StartedAt
	}

	res, err := s.retries.ExecuteWithRetry(ctx, op, &retry.Options{
		TaskID:             taskID,
		StepName:           stepName,
		StepIndex:          stepIndex,
		Input:              input,
		Context:            taskCtx,
		Policy:             opts.Policy,
		Classifier:         opts.Classifier,
		SaveOnSuccess:      opts.SaveOnSuccess,
		SaveOnFailure:      opts.SaveOnFailure,
		TransformOutput:    opts.TransformOutput,
		ParentCheckpointID: parentID,
		TaskStartedAt:      startedAt,
		Tags:               opts.Tags,
		Metadata:           opts.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if res.Checkpoint != nil {
		if err := s.checkpoints.AddStepToTask(ctx, taskID, res.Checkpoint.ID); err != nil {
			return nil, err
		}
	}

	idx := stepIndex
	patch := &checkpoint.TaskPatch{CurrentStepIndex: &idx, AddRetries: res.Retries}
	if res.Success && res.Output != nil {
		patch.Context = res.Output
	}
	if _, err := s.checkpoints.UpdateTaskCheckpoint(ctx, taskID, patch); err != nil {
		return nil, err
	}

	return res, nil
}

// =============================================================================
// Resumption and Progress
// =============================================================================

// ResumeTask replays a task from the given step index.
func (s *System) ResumeTask(ctx context.Context, taskID string, fromStepIndex int, exec resume.StepExecutor) (*types.TaskCheckpoint, error) {
	task, err := s.checkpoints.GetTaskCheckpoint(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return s.resumes.ResumeTask(ctx, task, fromStepIndex, exec)
}

// ResumeFromCheckpoint replays a task from the step the checkpoint
// recorded.
func (s *System) ResumeFromCheckpoint(ctx context.Context, checkpointID string, exec resume.StepExecutor) (*types.TaskCheckpoint, error) {
	return s.resumes.ResumeFromCheckpoint(ctx, checkpointID, exec)
}

// EnableAutoResume lists interrupted tasks and notifies OnInterrupted
// listeners; it resumes nothing itself.
func (s *System) EnableAutoResume(ctx context.Context) ([]*types.TaskCheckpoint, error) {
	return s.resumes.EnableAutoResume(ctx)
}

// OnInterrupted registers a handler for interrupted tasks discovered by
// EnableAutoResume. Returns an unsubscribe function.
func (s *System) OnInterrupted(h resume.InterruptedHandler) func() {
	return s.resumes.OnInterrupted(h)
}

// Progress projects a task's completion state; (nil, nil) for unknown
// tasks.
func (s *System) Progress(ctx context.Context, taskID string) (*resume.Progress, error) {
	return s.resumes.Progress(ctx, taskID)
}

// =============================================================================
// Events and Maintenance
// =============================================================================

// On subscribes a handler to an event type (or events.Wildcard) and
// returns an unsubscribe function.
func (s *System) On(t events.Type, h events.Handler) func() {
	return s.dispatcher.Subscribe(t, h)
}

// Cleanup runs one garbage collection pass with the given policy and
// returns the number of records removed.
func (s *System) Cleanup(ctx context.Context, policy checkpoint.CleanupPolicy) (int, error) {
	return s.checkpoints.CleanupOldCheckpoints(ctx, policy)
}

// Checkpoints exposes the checkpoint manager.
func (s *System) Checkpoints() *checkpoint.Manager {
	return s.checkpoints
}

// Executor exposes the retry executor.
func (s *System) Executor() *retry.Executor {
	return s.retries
}

// Resumer exposes the resume manager.
func (s *System) Resumer() *resume.Manager {
	return s.resumes
}

// Store exposes the backing store.
func (s *System) Store() store.Store {
	return s.store
}

// Close stops the background GC loop and closes the store when the
// System created it. Safe to call more than once.
func (s *System) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.gcCancel != nil {
			s.gcCancel()
			<-s.gcDone
		}
		if s.ownsStore {
			if err := s.store.Close(); err != nil {
				closeErr = fmt.Errorf("failed to close checkpoint store: %w", err)
			}
		}
		s.logger.Info("engine closed")
	})
	return closeErr
}
