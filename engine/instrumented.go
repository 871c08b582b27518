package engine

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// instrumentedStore decorates a Store with per-operation latency and
// error recording. Not-found answers count as successes: a miss is a
// lookup result, not a store failure.
type instrumentedStore struct {
	inner   store.Store
	backend string
	metrics *metrics.Collector
}

var _ store.Store = (*instrumentedStore)(nil)

// instrumentStore wraps the store when a collector is present; without
// one the store passes through untouched.
func instrumentStore(s store.Store, backend string, c *metrics.Collector) store.Store {
	if c == nil {
		return s
	}
	return &instrumentedStore{inner: s, backend: backend, metrics: c}
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	ok := err == nil || errors.Is(err, store.ErrNotFound)
	s.metrics.RecordStoreOperation(s.backend, op, time.Since(start), ok)
}

func (s *instrumentedStore) SaveStep(ctx context.Context, step *types.StepCheckpoint) error {
	start := time.Now()
	err := s.inner.SaveStep(ctx, step)
	s.observe("save_step", start, err)
	return err
}

func (s *instrumentedStore) GetStep(ctx context.Context, id string) (*types.StepCheckpoint, error) {
	start := time.Now()
	cp, err := s.inner.GetStep(ctx, id)
	s.observe("get_step", start, err)
	return cp, err
}

func (s *instrumentedStore) ListStepsByTask(ctx context.Context, taskID string) ([]*types.StepCheckpoint, error) {
	start := time.Now()
	steps, err := s.inner.ListStepsByTask(ctx, taskID)
	s.observe("list_steps", start, err)
	return steps, err
}

func (s *instrumentedStore) DeleteStep(ctx context.Context, id string) error {
	start := time.Now()
	err := s.inner.DeleteStep(ctx, id)
	s.observe("delete_step", start, err)
	return err
}

func (s *instrumentedStore) SaveTask(ctx context.Context, task *types.TaskCheckpoint) error {
	start := time.Now()
	err := s.inner.SaveTask(ctx, task)
	s.observe("save_task", start, err)
	return err
}

func (s *instrumentedStore) GetTask(ctx context.Context, id string) (*types.TaskCheckpoint, error) {
	start := time.Now()
	task, err := s.inner.GetTask(ctx, id)
	s.observe("get_task", start, err)
	return task, err
}

func (s *instrumentedStore) ListTasks(ctx context.Context, filter *store.TaskFilter) ([]*types.TaskCheckpoint, error) {
	start := time.Now()
	tasks, err := s.inner.ListTasks(ctx, filter)
	s.observe("list_tasks", start, err)
	return tasks, err
}

func (s *instrumentedStore) DeleteTask(ctx context.Context, id string) (int, error) {
	start := time.Now()
	n, err := s.inner.DeleteTask(ctx, id)
	s.observe("delete_task", start, err)
	return n, err
}

func (s *instrumentedStore) Stats(ctx context.Context) (*store.Stats, error) {
	start := time.Now()
	stats, err := s.inner.Stats(ctx)
	s.observe("stats", start, err)
	return stats, err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.observe("ping", start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
