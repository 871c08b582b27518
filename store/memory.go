package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// MemoryStore is an in-memory Store for development and testing. All
// data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	steps  map[string]*types.StepCheckpoint
	tasks  map[string]*types.TaskCheckpoint
	closed bool
	logger *zap.Logger
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		steps:  make(map[string]*types.StepCheckpoint),
		tasks:  make(map[string]*types.TaskCheckpoint),
		logger: logger.With(zap.String("component", "memory_store")),
	}
}

// SaveStep creates or replaces a step checkpoint record.
func (s *MemoryStore) SaveStep(ctx context.Context, step *types.StepCheckpoint) error {
	if step == nil || step.ID == "" {
		return fmt.Errorf("step checkpoint: %w", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.steps[step.ID] = step.Clone()
	return nil
}

// GetStep returns a step checkpoint, or ErrNotFound.
func (s *MemoryStore) GetStep(ctx context.Context, id string) (*types.StepCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	step, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("step checkpoint %s: %w", id, ErrNotFound)
	}
	return step.Clone(), nil
}

// ListStepsByTask returns all step checkpoints of a task, ascending by
// step index.
func (s *MemoryStore) ListStepsByTask(ctx context.Context, taskID string) ([]*types.StepCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var steps []*types.StepCheckpoint
	for _, step := range s.steps {
		if step.TaskID == taskID {
			steps = append(steps, step.Clone())
		}
	}
	sortSteps(steps)
	return steps, nil
}

// DeleteStep removes a step checkpoint.
func (s *MemoryStore) DeleteStep(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.steps[id]; !ok {
		return fmt.Errorf("step checkpoint %s: %w", id, ErrNotFound)
	}
	delete(s.steps, id)
	return nil
}

// SaveTask creates or replaces a task checkpoint record.
func (s *MemoryStore) SaveTask(ctx context.Context, task *types.TaskCheckpoint) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task checkpoint: %w", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask returns a task checkpoint, or ErrNotFound.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*types.TaskCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task checkpoint %s: %w", id, ErrNotFound)
	}
	return task.Clone(), nil
}

// ListTasks returns task checkpoints matching the filter.
func (s *MemoryStore) ListTasks(ctx context.Context, filter *TaskFilter) ([]*types.TaskCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var tasks []*types.TaskCheckpoint
	for _, task := range s.tasks {
		if filter.Matches(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	sortTasks(tasks, filter)
	return pageTasks(tasks, filter), nil
}

// DeleteTask removes a task and cascades to its step checkpoints.
func (s *MemoryStore) DeleteTask(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	if _, ok := s.tasks[id]; !ok {
		return 0, fmt.Errorf("task checkpoint %s: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)

	deleted := 0
	for stepID, step := range s.steps {
		if step.TaskID == id {
			delete(s.steps, stepID)
			deleted++
		}
	}
	return deleted, nil
}

// Stats returns record counts.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		Tasks:         int64(len(s.tasks)),
		Steps:         int64(len(s.steps)),
		TasksByStatus: make(map[types.TaskStatus]int64),
	}
	for _, task := range s.tasks {
		stats.TasksByStatus[task.Status]++
	}
	return stats, nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store. Further calls return ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.steps = nil
	s.tasks = nil
	s.logger.Debug("memory store closed")
	return nil
}

var _ Store = (*MemoryStore)(nil)
