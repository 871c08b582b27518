package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

const (
	tasksIndexFile = "tasks.json"
	stepsIndexFile = "steps.json"
)

// FileStore is a file-backed Store for single-node deployments.
// Records are cached in memory and flushed to JSON index files with an
// atomic write-then-rename on every mutation.
type FileStore struct {
	baseDir string
	steps   map[string]*types.StepCheckpoint
	tasks   map[string]*types.TaskCheckpoint
	mu      sync.RWMutex
	closed  bool
	logger  *zap.Logger
}

// NewFileStore creates a file store rooted at baseDir, loading any
// records a previous process left behind.
func NewFileStore(baseDir string, logger *zap.Logger) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory: %w", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &FileStore{
		baseDir: baseDir,
		steps:   make(map[string]*types.StepCheckpoint),
		tasks:   make(map[string]*types.TaskCheckpoint),
		logger:  logger.With(zap.String("component", "file_store")),
	}

	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("load checkpoints from disk: %w", err)
	}

	s.logger.Debug("file store opened",
		zap.String("base_dir", baseDir),
		zap.Int("tasks", len(s.tasks)),
		zap.Int("steps", len(s.steps)),
	)
	return s, nil
}

func (s *FileStore) loadFromDisk() error {
	if err := loadIndex(filepath.Join(s.baseDir, tasksIndexFile), &s.tasks); err != nil {
		return err
	}
	if err := loadIndex(filepath.Join(s.baseDir, stepsIndexFile), &s.steps); err != nil {
		return err
	}
	if s.tasks == nil {
		s.tasks = make(map[string]*types.TaskCheckpoint)
	}
	if s.steps == nil {
		s.steps = make(map[string]*types.StepCheckpoint)
	}
	return nil
}

func loadIndex[T any](path string, dst *map[string]T) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// writeIndex persists v atomically: write a temp file, then rename over
// the target so readers never observe a partial file.
func writeIndex(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func (s *FileStore) flushTasks() error {
	return writeIndex(filepath.Join(s.baseDir, tasksIndexFile), s.tasks)
}

func (s *FileStore) flushSteps() error {
	return writeIndex(filepath.Join(s.baseDir, stepsIndexFile), s.steps)
}

// SaveStep creates or replaces a step checkpoint record.
func (s *FileStore) SaveStep(ctx context.Context, step *types.StepCheckpoint) error {
	if step == nil || step.ID == "" {
		return fmt.Errorf("step checkpoint: %w", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.steps[step.ID] = step.Clone()
	if err := s.flushSteps(); err != nil {
		return fmt.Errorf("persist step checkpoint: %w", err)
	}
	return nil
}

// GetStep returns a step checkpoint, or ErrNotFound.
func (s *FileStore) GetStep(ctx context.Context, id string) (*types.StepCheckpoint, error) {
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
func (s *FileStore) ListStepsByTask(ctx context.Context, taskID string) ([]*types.StepCheckpoint, error) {
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
func (s *FileStore) DeleteStep(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.steps[id]; !ok {
		return fmt.Errorf("step checkpoint %s: %w", id, ErrNotFound)
	}
	delete(s.steps, id)
	if err := s.flushSteps(); err != nil {
		return fmt.Errorf("persist step deletion: %w", err)
	}
	return nil
}

// SaveTask creates or replaces a task checkpoint record.
func (s *FileStore) SaveTask(ctx context.Context, task *types.TaskCheckpoint) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task checkpoint: %w", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.tasks[task.ID] = task.Clone()
	if err := s.flushTasks(); err != nil {
		return fmt.Errorf("persist task checkpoint: %w", err)
	}
	return nil
}

// GetTask returns a task checkpoint, or ErrNotFound.
func (s *FileStore) GetTask(ctx context.Context, id string) (*types.TaskCheckpoint, error) {
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
func (s *FileStore) ListTasks(ctx context.Context, filter *TaskFilter) ([]*types.TaskCheckpoint, error) {
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
func (s *FileStore) DeleteTask(ctx context.Context, id string) (int, error) {
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

	if err := s.flushTasks(); err != nil {
		return deleted, fmt.Errorf("persist task deletion: %w", err)
	}
	if deleted > 0 {
		if err := s.flushSteps(); err != nil {
			return deleted, fmt.Errorf("persist step deletions: %w", err)
		}
	}
	return deleted, nil
}

// Stats returns record counts.
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
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

// Ping checks if the store directory is still writable.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	probe := filepath.Join(s.baseDir, ".ping")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("store directory not writable: %w", err)
	}
	return os.Remove(probe)
}

// Close flushes both indexes and closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.flushTasks(); err != nil {
		return err
	}
	return s.flushSteps()
}

var _ Store = (*FileStore)(nil)
