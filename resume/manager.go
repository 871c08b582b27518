package resume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/retry"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// Step Executor Contract
// =============================================================================

// StepExecutor supplies the work for each step of a task being
// replayed. Step implementations live outside the engine; the replay
// loop only orchestrates them and records what they do.
type StepExecutor interface {
	// StepName returns the name used for checkpoints and circuit keys.
	StepName(stepIndex int) string

	// ExecuteStep runs one step. Input is the previous step's output,
	// or the restored task state for the first replayed step.
	ExecuteStep(ctx context.Context, stepIndex int, input any) (any, error)
}

// StepExecutorFunc adapts a bare function to StepExecutor. Steps are
// named step_<index>.
type StepExecutorFunc func(ctx context.Context, stepIndex int, input any) (any, error)

func (f StepExecutorFunc) StepName(stepIndex int) string {
	return fmt.Sprintf("step_%d", stepIndex)
}

func (f StepExecutorFunc) ExecuteStep(ctx context.Context, stepIndex int, input any) (any, error) {
	return f(ctx, stepIndex, input)
}

// =============================================================================
// Resume Manager
// =============================================================================

// InterruptedHandler is notified of one interrupted task found by
// EnableAutoResume.
type InterruptedHandler func(task *types.TaskCheckpoint)

// Manager replays interrupted tasks from their durable checkpoints,
// routing every step through the retry executor.
type Manager struct {
	checkpoints *checkpoint.Manager
	executor    *retry.Executor
	dispatcher  *events.Dispatcher
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.RWMutex
	listeners map[string]InterruptedHandler
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithDispatcher emits resume events on the given dispatcher instead
// of the checkpoint manager's.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a resume manager on top of the given checkpoint
// manager and retry executor.
func NewManager(checkpoints *checkpoint.Manager, executor *retry.Executor, opts ...Option) *Manager {
	m := &Manager{
		checkpoints: checkpoints,
		executor:    executor,
		now:         time.Now,
		listeners:   make(map[string]InterruptedHandler),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "resume_manager"))

	if m.dispatcher == nil && checkpoints != nil {
		m.dispatcher = checkpoints.Dispatcher()
	}
	return m
}

// OnInterrupted registers a handler invoked for each interrupted task
// EnableAutoResume discovers. Returns an unsubscribe function.
func (m *Manager) OnInterrupted(h InterruptedHandler) func() {
	id := uuid.New().String()

	m.mu.Lock()
	m.listeners[id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// ResumeFromCheckpoint replays a task starting at the step the given
// checkpoint recorded. The checkpoint's own step is re-executed, so
// resuming from a failed checkpoint retries exactly the step that
// failed.
func (m *Manager) ResumeFromCheckpoint(ctx context.Context, checkpointID string, exec StepExecutor) (*types.TaskCheckpoint, error) {
	if checkpointID == "" {
		return nil, fmt.Errorf("checkpoint id is required: %w", store.ErrInvalidInput)
	}

	cp, err := m.checkpoints.GetStepCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("resume checkpoint %s: %w", checkpointID, store.ErrNotFound)
	}

	task, err := m.checkpoints.GetTaskCheckpoint(ctx, cp.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s owning checkpoint %s: %w", cp.TaskID, checkpointID, store.ErrNotFound)
	}

	return m.resume(ctx, task, cp.StepIndex, checkpointID, exec)
}

// ResumeTask replays a task from the given step index through its last
// step. The task must be in a state that can transition to running;
// terminal tasks cannot be resumed.
func (m *Manager) ResumeTask(ctx context.Context, task *types.TaskCheckpoint, fromStepIndex int, exec StepExecutor) (*types.TaskCheckpoint, error) {
	return m.resume(ctx, task, fromStepIndex, "", exec)
}

// resume drives the replay loop. A step failure marks the task failed
// and stops; the replay never re-retries a step beyond what the retry
// executor already did. The returned task reflects the final state; a
// non-nil error means infrastructure trouble, not step failure.
func (m *Manager) resume(ctx context.Context, task *types.TaskCheckpoint, fromStepIndex int, provenance string, exec StepExecutor) (*types.TaskCheckpoint, error) {
	if task == nil {
		return nil, fmt.Errorf("task is required: %w", store.ErrInvalidInput)
	}
	if exec == nil {
		return nil, fmt.Errorf("step executor is required: %w", store.ErrInvalidInput)
	}
	if fromStepIndex < 0 || fromStepIndex >= task.TotalSteps {
		return nil, fmt.Errorf("resume step index %d outside task's %d steps: %w", fromStepIndex, task.TotalSteps, store.ErrInvalidInput)
	}
	taskID := task.ID

	prev, err := m.precedingCheckpoint(ctx, taskID, fromStepIndex)
	if err != nil {
		return nil, err
	}

	// The replay state comes from the last checkpoint before the resume
	// point: its output if the step produced one, its recorded context
	// otherwise. With no prior checkpoint the task's own context is the
	// starting state.
	var state any
	if prev != nil {
		if err := prev.UnmarshalOutput(&state); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s output: %w", prev.ID, err)
		}
		if state == nil {
			if err := prev.UnmarshalContext(&state); err != nil {
				return nil, fmt.Errorf("failed to decode checkpoint %s context: %w", prev.ID, err)
			}
		}
		if provenance == "" {
			provenance = prev.ID
		}
	} else if err := task.UnmarshalContext(&state); err != nil {
		return nil, fmt.Errorf("failed to decode task %s context: %w", taskID, err)
	}

	running := types.TaskStatusRunning
	patch := &checkpoint.TaskPatch{Status: &running, ResumedFrom: provenance}
	if state != nil {
		patch.Context = state
	}
	task, err = m.checkpoints.UpdateTaskCheckpoint(ctx, taskID, patch)
	if err != nil {
		return nil, fmt.Errorf("cannot resume task %s: %w", taskID, err)
	}

	m.emit(events.Event{
		Type:         events.TaskResumed,
		TaskID:       taskID,
		StepIndex:    fromStepIndex,
		CheckpointID: provenance,
		Data:         map[string]any{"from_step_index": fromStepIndex},
	})
	m.logger.Info("resuming task",
		zap.String("task_id", taskID),
		zap.Int("from_step_index", fromStepIndex),
		zap.Int("total_steps", task.TotalSteps),
	)

	input := state
	parentID := ""
	if prev != nil {
		parentID = prev.ID
	}
	var startedAt time.Time
	if task.StartedAt != nil {
		startedAt = *task.StartedAt
	}

	for i := fromStepIndex; i < task.TotalSteps; i++ {
		res, err := m.executor.ExecuteWithRetry(ctx,
			func(ctx context.Context) (any, error) {
				return exec.ExecuteStep(ctx, i, input)
			},
			&retry.Options{
				TaskID:             taskID,
				StepName:           exec.StepName(i),
				StepIndex:          i,
				Input:              input,
				Context:            state,
				ParentCheckpointID: parentID,
				TaskStartedAt:      startedAt,
			},
		)
		if err != nil {
			return nil, err
		}

		if res.Checkpoint != nil {
			if err := m.checkpoints.AddStepToTask(ctx, taskID, res.Checkpoint.ID); err != nil {
				return nil, err
			}
			parentID = res.Checkpoint.ID
		}

		idx := i
		patch := &checkpoint.TaskPatch{CurrentStepIndex: &idx, AddRetries: res.Retries}

		if !res.Success {
			failed := types.TaskStatusFailed
			patch.Status = &failed
			task, err = m.checkpoints.UpdateTaskCheckpoint(ctx, taskID, patch)
			if err != nil {
				return nil, err
			}
			m.logger.Warn("resumed task failed",
				zap.String("task_id", taskID),
				zap.Int("step_index", i),
				zap.Bool("circuit_tripped", res.CircuitBreakerTripped),
				zap.Error(res.Error),
			)
			return task, nil
		}

		input = res.Output
		state = res.Output
		if state != nil {
			patch.Context = state
		}
		task, err = m.checkpoints.UpdateTaskCheckpoint(ctx, taskID, patch)
		if err != nil {
			return nil, err
		}
	}

	completed := types.TaskStatusCompleted
	task, err = m.checkpoints.UpdateTaskCheckpoint(ctx, taskID, &checkpoint.TaskPatch{Status: &completed})
	if err != nil {
		return nil, err
	}
	m.logger.Info("task resumed to completion",
		zap.String("task_id", taskID),
		zap.Int("steps_replayed", task.TotalSteps-fromStepIndex),
	)
	return task, nil
}

// precedingCheckpoint returns the latest checkpoint recorded for a step
// before the given index, or nil when none exists.
func (m *Manager) precedingCheckpoint(ctx context.Context, taskID string, beforeIndex int) (*types.StepCheckpoint, error) {
	list, err := m.checkpoints.ListCheckpointsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].StepIndex < beforeIndex {
			return list[i], nil
		}
	}
	return nil, nil
}

// EnableAutoResume queries interrupted tasks and notifies registered
// listeners for each. It never resumes anything itself: step
// implementations are external, so resumption needs a caller-supplied
// executor.
func (m *Manager) EnableAutoResume(ctx context.Context) ([]*types.TaskCheckpoint, error) {
	tasks, err := m.checkpoints.ListInterruptedTasks(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	handlers := make([]InterruptedHandler, 0, len(m.listeners))
	for _, h := range m.listeners {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, task := range tasks {
		for _, h := range handlers {
			h(task)
		}
	}

	m.logger.Info("auto-resume discovery finished", zap.Int("interrupted_tasks", len(tasks)))
	return tasks, nil
}

// Progress is a read-side projection of one task's completion state.
type Progress struct {
	TaskID         string           `json:"task_id"`
	Status         types.TaskStatus `json:"status"`
	CompletedSteps int              `json:"completed_steps"`
	TotalSteps     int              `json:"total_steps"`
	Percentage     float64          `json:"percentage"`

	// Elapsed spans the task's start to its completion, or to now for
	// tasks still in flight
	Elapsed time.Duration `json:"elapsed"`

	// EstimatedRemaining is avgStepDuration x remainingSteps, zero until
	// at least one step has completed
	EstimatedRemaining time.Duration `json:"estimated_remaining"`

	TotalRetries int  `json:"total_retries"`
	WasResumed   bool `json:"was_resumed"`

	// CircuitStates maps step names to their circuit state for this
	// task's breakers
	CircuitStates map[string]string `json:"circuit_states,omitempty"`
}

// Progress projects a task's completion state without side effects.
// Returns (nil, nil) for unknown tasks.
func (m *Manager) Progress(ctx context.Context, taskID string) (*Progress, error) {
	task, err := m.checkpoints.GetTaskCheckpoint(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	list, err := m.checkpoints.ListCheckpointsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	completedIdx := make(map[int]struct{})
	var durSum time.Duration
	var durCount int
	for _, cp := range list {
		if cp.Status != types.StepStatusCompleted {
			continue
		}
		completedIdx[cp.StepIndex] = struct{}{}
		durSum += cp.Metadata.Duration
		durCount++
	}

	p := &Progress{
		TaskID:         task.ID,
		Status:         task.Status,
		CompletedSteps: len(completedIdx),
		TotalSteps:     task.TotalSteps,
		TotalRetries:   task.TotalRetries,
		WasResumed:     task.WasResumed,
	}
	if task.TotalSteps > 0 {
		p.Percentage = float64(p.CompletedSteps) / float64(task.TotalSteps) * 100
	}
	if task.StartedAt != nil {
		end := m.now()
		if task.CompletedAt != nil {
			end = *task.CompletedAt
		}
		p.Elapsed = end.Sub(*task.StartedAt)
	}
	if remaining := task.TotalSteps - p.CompletedSteps; remaining > 0 && durCount > 0 {
		avg := durSum / time.Duration(durCount)
		p.EstimatedRemaining = avg * time.Duration(remaining)
	}
	if m.executor != nil {
		states := m.executor.Breakers().StatesForTask(taskID)
		if len(states) > 0 {
			p.CircuitStates = make(map[string]string, len(states))
			for step, st := range states {
				p.CircuitStates[step] = st.String()
			}
		}
	}
	return p, nil
}

func (m *Manager) emit(ev events.Event) {
	if m.dispatcher != nil {
		m.dispatcher.Emit(ev)
	}
}
