package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// ErrInvalidTransition reports a task status change the lifecycle
// machine does not permit.
var ErrInvalidTransition = errors.New("invalid task status transition")

const defaultGCConcurrency = 8

// =============================================================================
// Checkpoint Manager
// =============================================================================

// Manager persists step and task checkpoints, handling payload
// serialization, integrity checksums, threshold-based compression, and
// event emission. Checkpoints returned from any method always carry
// uncompressed payloads; compression is a storage concern.
type Manager struct {
	store      store.Store
	dispatcher *events.Dispatcher
	metrics    *metrics.Collector
	logger     *zap.Logger
	threshold  int
	gcParallel int
	gcLimiter  *rate.Limiter
	now        func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithDispatcher shares an existing event dispatcher instead of creating
// a private one.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithCompressionThreshold overrides the payload size in bytes above
// which checkpoint fields are compressed. Zero or negative disables
// compression.
func WithCompressionThreshold(n int) Option {
	return func(m *Manager) { m.threshold = n }
}

// WithGCConcurrency caps parallel task deletions during cleanup.
func WithGCConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.gcParallel = n
		}
	}
}

// WithGCRateLimit throttles cleanup deletions to perSecond operations.
// Zero or negative leaves cleanup unthrottled.
func WithGCRateLimit(perSecond float64) Option {
	return func(m *Manager) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			m.gcLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a checkpoint manager on top of the given store.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		threshold:  DefaultCompressionThreshold,
		gcParallel: defaultGCConcurrency,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "checkpoint_manager"))
	if m.dispatcher == nil {
		m.dispatcher = events.NewDispatcher(m.logger)
	}
	return m
}

// On subscribes a handler to engine events and returns an unsubscribe
// function.
func (m *Manager) On(t events.Type, h events.Handler) func() {
	return m.dispatcher.Subscribe(t, h)
}

// Dispatcher exposes the event bus so collaborating components emit on
// the same fan-out the manager uses.
func (m *Manager) Dispatcher() *events.Dispatcher {
	return m.dispatcher
}

func (m *Manager) emit(e events.Event) {
	m.dispatcher.Emit(e)
}

// =============================================================================
// Step Checkpoints
// =============================================================================

// CreateOptions carries the optional details of a step checkpoint.
type CreateOptions struct {
	// ParentID links to the previous checkpoint in the task
	ParentID string

	// Error marks the checkpoint failed and records the cause
	Error *types.StepError

	// Duration is how long the step's final attempt ran
	Duration time.Duration

	// Elapsed is cumulative time since the task started
	Elapsed time.Duration

	// RetryCount is the number of retries consumed before this outcome
	RetryCount int

	// Tags and Custom are caller-defined annotations
	Tags   []string
	Custom map[string]any
}

// CreateStepCheckpoint serializes the {input, output, context} triple,
// computes its checksum over the uncompressed encoding, compresses each
// field when the serialized triple exceeds the threshold, and persists
// the record. Failed steps (opts.Error set) record no output. Emits
// checkpoint:created, plus checkpoint:compressed when compression
// triggered. Only store failures return an error.
func (m *Manager) CreateStepCheckpoint(ctx context.Context, taskID string, stepIndex int, stepName string, input, output, taskCtx any, opts *CreateOptions) (*types.StepCheckpoint, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required: %w", store.ErrInvalidInput)
	}
	if stepName == "" {
		return nil, fmt.Errorf("step name is required: %w", store.ErrInvalidInput)
	}
	if opts == nil {
		opts = &CreateOptions{}
	}
	if opts.Error != nil {
		output = nil
	}

	inputBytes, err := encodeField(input)
	if err != nil {
		return nil, err
	}
	outputBytes, err := encodeField(output)
	if err != nil {
		return nil, err
	}
	ctxBytes, err := encodeField(taskCtx)
	if err != nil {
		return nil, err
	}

	checksum, err := checksumPayload(inputBytes, outputBytes, ctxBytes)
	if err != nil {
		return nil, err
	}

	now := m.now()
	status := types.StepStatusCompleted
	if opts.Error != nil {
		status = types.StepStatusFailed
	}

	cp := &types.StepCheckpoint{
		ID:        newStepCheckpointID(now),
		ParentID:  opts.ParentID,
		TaskID:    taskID,
		StepIndex: stepIndex,
		StepName:  stepName,
		Input:     inputBytes,
		Output:    outputBytes,
		Context:   ctxBytes,
		Status:    status,
		Metadata: types.StepMetadata{
			CreatedAt:  now,
			UpdatedAt:  now,
			Duration:   opts.Duration,
			Elapsed:    opts.Elapsed,
			RetryCount: opts.RetryCount,
			IsRetry:    opts.RetryCount > 0,
			Error:      opts.Error,
			Tags:       opts.Tags,
			Custom:     opts.Custom,
		},
		Checksum: checksum,
	}
	stampProvenance(ctx, cp)

	size := payloadSize(inputBytes, outputBytes, ctxBytes)
	record := cp
	if m.threshold > 0 && size > m.threshold {
		record = cp.Clone()
		record.IsCompressed = true
		if record.Input, err = compressField(inputBytes); err != nil {
			return nil, err
		}
		if record.Output, err = compressField(outputBytes); err != nil {
			return nil, err
		}
		if record.Context, err = compressField(ctxBytes); err != nil {
			return nil, err
		}
	}

	if err := m.store.SaveStep(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save step checkpoint: %w", err)
	}

	if m.metrics != nil {
		m.metrics.RecordCheckpointSaved("step", size, record.IsCompressed)
	}
	m.logger.Debug("step checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("task_id", taskID),
		zap.Int("step_index", stepIndex),
		zap.String("status", string(status)),
		zap.Int("payload_bytes", size),
		zap.Bool("compressed", record.IsCompressed),
	)

	m.emit(events.Event{
		Type:         events.CheckpointCreated,
		TaskID:       taskID,
		StepIndex:    stepIndex,
		StepName:     stepName,
		CheckpointID: cp.ID,
		Data:         map[string]any{"status": string(status)},
	})
	if record.IsCompressed {
		m.emit(events.Event{
			Type:         events.CheckpointCompressed,
			TaskID:       taskID,
			StepIndex:    stepIndex,
			StepName:     stepName,
			CheckpointID: cp.ID,
			Data:         map[string]any{"payload_bytes": size},
		})
	}

	return cp, nil
}

// GetStepCheckpoint loads a step checkpoint, transparently
// decompressing its payload. A missing checkpoint returns (nil, nil).
// Emits checkpoint:restored on a hit.
func (m *Manager) GetStepCheckpoint(ctx context.Context, id string) (*types.StepCheckpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("checkpoint id is required: %w", store.ErrInvalidInput)
	}

	cp, err := m.store.GetStep(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load step checkpoint: %w", err)
	}

	if err := m.decompressCheckpoint(cp); err != nil {
		return nil, err
	}
	m.verifyChecksum(cp)

	m.emit(events.Event{
		Type:         events.CheckpointRestored,
		TaskID:       cp.TaskID,
		StepIndex:    cp.StepIndex,
		StepName:     cp.StepName,
		CheckpointID: cp.ID,
	})

	return cp, nil
}

// ListCheckpointsForTask returns all step checkpoints of a task in
// ascending step order, payloads decompressed.
func (m *Manager) ListCheckpointsForTask(ctx context.Context, taskID string) ([]*types.StepCheckpoint, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required: %w", store.ErrInvalidInput)
	}

	steps, err := m.store.ListStepsByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step checkpoints: %w", err)
	}
	for _, cp := range steps {
		if err := m.decompressCheckpoint(cp); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// GetLatestCheckpoint returns the most recent step checkpoint of a
// task, or (nil, nil) when the task has none.
func (m *Manager) GetLatestCheckpoint(ctx context.Context, taskID string) (*types.StepCheckpoint, error) {
	steps, err := m.ListCheckpointsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, nil
	}
	return steps[len(steps)-1], nil
}

// DeleteCheckpoint removes a step checkpoint. Deleting a missing
// checkpoint is a no-op, which keeps cleanup idempotent. Emits
// checkpoint:deleted on an actual delete.
func (m *Manager) DeleteCheckpoint(ctx context.Context, id string) error {
	err := m.store.DeleteStep(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete step checkpoint: %w", err)
	}

	m.emit(events.Event{Type: events.CheckpointDeleted, CheckpointID: id})
	return nil
}

func (m *Manager) decompressCheckpoint(cp *types.StepCheckpoint) error {
	if !cp.IsCompressed {
		return nil
	}

	input, err := decompressField(cp.Input)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	output, err := decompressField(cp.Output)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	taskCtx, err := decompressField(cp.Context)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}

	cp.Input, cp.Output, cp.Context = input, output, taskCtx
	cp.IsCompressed = false
	return nil
}

// verifyChecksum compares the stored digest against the decompressed
// payload. A mismatch is logged, not fatal: the caller still gets the
// data and decides what to trust.
func (m *Manager) verifyChecksum(cp *types.StepCheckpoint) {
	if cp.Checksum == "" {
		return
	}
	sum, err := checksumPayload(cp.Input, cp.Output, cp.Context)
	if err != nil || sum != cp.Checksum {
		m.logger.Warn("checkpoint checksum mismatch",
			zap.String("checkpoint_id", cp.ID),
			zap.String("task_id", cp.TaskID),
		)
	}
}

// =============================================================================
// Task Checkpoints
// =============================================================================

// TaskOptions carries the optional details of a task checkpoint.
type TaskOptions struct {
	// Description is optional free text
	Description string
}

// CreateTaskCheckpoint creates a pending task checkpoint with
// CurrentStepIndex -1 and emits task:started.
func (m *Manager) CreateTaskCheckpoint(ctx context.Context, name string, totalSteps int, taskCtx any, opts *TaskOptions) (*types.TaskCheckpoint, error) {
	if name == "" {
		return nil, fmt.Errorf("task name is required: %w", store.ErrInvalidInput)
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("total steps must be positive: %w", store.ErrInvalidInput)
	}
	if opts == nil {
		opts = &TaskOptions{}
	}

	ctxBytes, err := encodeField(taskCtx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	task := &types.TaskCheckpoint{
		ID:               uuid.New().String(),
		Name:             name,
		Description:      opts.Description,
		Status:           types.TaskStatusPending,
		CurrentStepIndex: -1,
		TotalSteps:       totalSteps,
		StepCheckpoints:  []string{},
		Context:          ctxBytes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task checkpoint: %w", err)
	}

	if m.metrics != nil {
		m.metrics.RecordCheckpointSaved("task", len(ctxBytes), false)
	}
	m.logger.Info("task checkpoint created",
		zap.String("task_id", task.ID),
		zap.String("name", name),
		zap.Int("total_steps", totalSteps),
	)

	m.emit(events.Event{
		Type:   events.TaskStarted,
		TaskID: task.ID,
		Data:   map[string]any{"name": name, "total_steps": totalSteps},
	})

	return task, nil
}

// GetTaskCheckpoint loads a task checkpoint. A missing task returns
// (nil, nil).
func (m *Manager) GetTaskCheckpoint(ctx context.Context, id string) (*types.TaskCheckpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is required: %w", store.ErrInvalidInput)
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load task checkpoint: %w", err)
	}
	return task, nil
}

// TaskPatch is a merge-patch for UpdateTaskCheckpoint; nil fields leave
// the record untouched.
type TaskPatch struct {
	// Status moves the task through its lifecycle machine; invalid
	// transitions are rejected
	Status *types.TaskStatus

	// CurrentStepIndex repositions the step cursor (>= -1)
	CurrentStepIndex *int

	// TotalSteps adjusts the planned step count
	TotalSteps *int

	// Description replaces the free text
	Description *string

	// Context, when non-nil, is serialized and replaces the task context
	Context any

	// AddRetries accumulates onto TotalRetries
	AddRetries int

	// ResumedFrom records resume provenance; only the first resume
	// sticks
	ResumedFrom string
}

// UpdateTaskCheckpoint applies a merge-patch to a task checkpoint and
// bumps UpdatedAt. Status changes are validated against the lifecycle
// machine; reaching a terminal status stamps CompletedAt, and entering
// running stamps StartedAt once. Emits task:completed, task:failed, or
// task:paused on the matching transition.
func (m *Manager) UpdateTaskCheckpoint(ctx context.Context, id string, patch *TaskPatch) (*types.TaskCheckpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is required: %w", store.ErrInvalidInput)
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load task checkpoint: %w", err)
	}
	if patch == nil {
		return task, nil
	}

	now := m.now()
	var fromStatus types.TaskStatus
	statusChanged := false

	if patch.Status != nil && *patch.Status != task.Status {
		next := *patch.Status
		if !task.Status.CanTransitionTo(next) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, next)
		}
		fromStatus = task.Status
		task.Status = next
		statusChanged = true

		switch {
		case next == types.TaskStatusRunning && task.StartedAt == nil:
			ts := now
			task.StartedAt = &ts
		case next.IsTerminal():
			ts := now
			task.CompletedAt = &ts
		}
	}

	if patch.CurrentStepIndex != nil {
		if *patch.CurrentStepIndex < -1 {
			return nil, fmt.Errorf("current step index must be >= -1: %w", store.ErrInvalidInput)
		}
		task.CurrentStepIndex = *patch.CurrentStepIndex
	}
	if patch.TotalSteps != nil && *patch.TotalSteps > 0 {
		task.TotalSteps = *patch.TotalSteps
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Context != nil {
		ctxBytes, err := encodeField(patch.Context)
		if err != nil {
			return nil, err
		}
		task.Context = ctxBytes
	}
	if patch.AddRetries > 0 {
		task.TotalRetries += patch.AddRetries
	}
	if patch.ResumedFrom != "" && !task.WasResumed {
		task.WasResumed = true
		task.ResumedFromCheckpointID = patch.ResumedFrom
	}

	task.UpdatedAt = now

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task checkpoint: %w", err)
	}

	if statusChanged {
		if m.metrics != nil {
			m.metrics.RecordTaskTransition(string(fromStatus), string(task.Status))
		}
		switch task.Status {
		case types.TaskStatusCompleted:
			m.emit(events.Event{Type: events.TaskCompleted, TaskID: task.ID})
		case types.TaskStatusFailed:
			m.emit(events.Event{Type: events.TaskFailed, TaskID: task.ID})
		case types.TaskStatusPaused:
			m.emit(events.Event{Type: events.TaskPaused, TaskID: task.ID})
		}
	}

	return task, nil
}

// AddStepToTask appends a step checkpoint id to the task's execution
// history. Unlike reads, a missing task is an error here: appending to
// a task that does not exist means the caller lost track of it.
func (m *Manager) AddStepToTask(ctx context.Context, taskID, checkpointID string) error {
	if taskID == "" || checkpointID == "" {
		return fmt.Errorf("task id and checkpoint id are required: %w", store.ErrInvalidInput)
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task checkpoint: %w", err)
	}

	task.StepCheckpoints = append(task.StepCheckpoints, checkpointID)
	task.UpdatedAt = m.now()

	if err := m.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save task checkpoint: %w", err)
	}
	return nil
}

// ListInterruptedTasks returns tasks left running or paused, the
// candidates for resumption.
func (m *Manager) ListInterruptedTasks(ctx context.Context) ([]*types.TaskCheckpoint, error) {
	tasks, err := m.store.ListTasks(ctx, store.InterruptedFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task checkpoint and cascades to its step
// checkpoints, returning the number of steps removed. Deleting a
// missing task is a no-op. Emits checkpoint:deleted on an actual
// delete.
func (m *Manager) DeleteTask(ctx context.Context, id string) (int, error) {
	removed, err := m.store.DeleteTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete task checkpoint: %w", err)
	}

	m.emit(events.Event{
		Type:   events.CheckpointDeleted,
		TaskID: id,
		Data:   map[string]any{"steps_removed": removed},
	})
	return removed, nil
}

// newStepCheckpointID builds ids that sort roughly by creation time: a
// nanosecond timestamp prefix plus a uuid suffix for uniqueness within
// the same nanosecond.
func newStepCheckpointID(now time.Time) string {
	return fmt.Sprintf("ckpt_%d_%s", now.UnixNano(), uuid.New().String()[:8])
}

// stampProvenance records trace and run identifiers carried by the
// context in the checkpoint's custom metadata. The caller's Custom map
// is copied before the first write.
func stampProvenance(ctx context.Context, cp *types.StepCheckpoint) {
	traceID, hasTrace := types.TraceID(ctx)
	runID, hasRun := types.RunID(ctx)
	if !hasTrace && !hasRun {
		return
	}

	custom := make(map[string]any, len(cp.Metadata.Custom)+2)
	for k, v := range cp.Metadata.Custom {
		custom[k] = v
	}
	if hasTrace {
		custom["trace_id"] = traceID
	}
	if hasRun {
		custom["run_id"] = runID
	}
	cp.Metadata.Custom = custom
}
