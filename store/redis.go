package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/tlsutil"
	"github.com/BaSui01/stepflow/types"
)

// RedisStore is a Redis-based Store. Records are stored as JSON strings
// with sorted sets as secondary indexes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) stepKey(id string) string {
	return s.keyPrefix + "step:data:" + id
}

func (s *RedisStore) taskStepsKey(taskID string) string {
	return s.keyPrefix + "step:task:" + taskID
}

func (s *RedisStore) taskKey(id string) string {
	return s.keyPrefix + "task:data:" + id
}

func (s *RedisStore) statusKey(status types.TaskStatus) string {
	return s.keyPrefix + "task:status:" + string(status)
}

func (s *RedisStore) allTasksKey() string {
	return s.keyPrefix + "task:all"
}

// SaveStep creates or replaces a step checkpoint record.
func (s *RedisStore) SaveStep(ctx context.Context, step *types.StepCheckpoint) error {
	if step == nil || step.ID == "" {
		return fmt.Errorf("step checkpoint: %w", ErrInvalidInput)
	}

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step checkpoint: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.stepKey(step.ID), data, 0)
	pipe.ZAdd(ctx, s.taskStepsKey(step.TaskID), redis.Z{
		Score:  float64(step.StepIndex),
		Member: step.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save step checkpoint: %w", err)
	}
	return nil
}

// GetStep returns a step checkpoint, or ErrNotFound.
func (s *RedisStore) GetStep(ctx context.Context, id string) (*types.StepCheckpoint, error) {
	data, err := s.client.Get(ctx, s.stepKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("step checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get step checkpoint: %w", err)
	}

	var step types.StepCheckpoint
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("unmarshal step checkpoint: %w", err)
	}
	return &step, nil
}

// ListStepsByTask returns all step checkpoints of a task, ascending by
// step index.
func (s *RedisStore) ListStepsByTask(ctx context.Context, taskID string) ([]*types.StepCheckpoint, error) {
	ids, err := s.client.ZRange(ctx, s.taskStepsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list step ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stepKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch step checkpoints: %w", err)
	}

	steps := make([]*types.StepCheckpoint, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record: record was deleted mid-scan.
			continue
		}
		var step types.StepCheckpoint
		if err := json.Unmarshal([]byte(raw), &step); err != nil {
			return nil, fmt.Errorf("unmarshal step checkpoint: %w", err)
		}
		steps = append(steps, &step)
	}
	sortSteps(steps)
	return steps, nil
}

// DeleteStep removes a step checkpoint and its index entry.
func (s *RedisStore) DeleteStep(ctx context.Context, id string) error {
	step, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.stepKey(id))
	pipe.ZRem(ctx, s.taskStepsKey(step.TaskID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete step checkpoint: %w", err)
	}
	return nil
}

// SaveTask creates or replaces a task checkpoint record and maintains
// the status and creation-time indexes.
func (s *RedisStore) SaveTask(ctx context.Context, task *types.TaskCheckpoint) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task checkpoint: %w", ErrInvalidInput)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task checkpoint: %w", err)
	}

	// Old record needed to clean a stale status index entry.
	old, _ := s.GetTask(ctx, task.ID)

	score := float64(task.CreatedAt.UnixNano())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, 0)
	if old != nil && old.Status != task.Status {
		pipe.ZRem(ctx, s.statusKey(old.Status), task.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(task.Status), redis.Z{Score: score, Member: task.ID})
	pipe.ZAdd(ctx, s.allTasksKey(), redis.Z{Score: score, Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task checkpoint: %w", err)
	}
	return nil
}

// GetTask returns a task checkpoint, or ErrNotFound.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*types.TaskCheckpoint, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task checkpoint: %w", err)
	}

	var task types.TaskCheckpoint
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task checkpoint: %w", err)
	}
	return &task, nil
}

// ListTasks returns task checkpoints matching the filter. Status
// filters narrow via the status indexes; remaining predicates apply
// after fetch.
func (s *RedisStore) ListTasks(ctx context.Context, filter *TaskFilter) ([]*types.TaskCheckpoint, error) {
	var ids []string
	var err error

	if filter != nil && len(filter.Statuses) > 0 {
		seen := make(map[string]bool)
		for _, status := range filter.Statuses {
			members, zerr := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
			if zerr != nil {
				return nil, fmt.Errorf("list tasks by status: %w", zerr)
			}
			for _, id := range members {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	} else {
		ids, err = s.client.ZRange(ctx, s.allTasksKey(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list task ids: %w", err)
		}
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch task checkpoints: %w", err)
	}

	var tasks []*types.TaskCheckpoint
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var task types.TaskCheckpoint
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task checkpoint: %w", err)
		}
		if filter.Matches(&task) {
			tasks = append(tasks, &task)
		}
	}
	sortTasks(tasks, filter)
	return pageTasks(tasks, filter), nil
}

// DeleteTask removes a task, its index entries, and all of its step
// checkpoints.
func (s *RedisStore) DeleteTask(ctx context.Context, id string) (int, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}

	stepIDs, err := s.client.ZRange(ctx, s.taskStepsKey(id), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list step ids for deletion: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.taskKey(id))
	pipe.ZRem(ctx, s.allTasksKey(), id)
	pipe.ZRem(ctx, s.statusKey(task.Status), id)
	for _, stepID := range stepIDs {
		pipe.Del(ctx, s.stepKey(stepID))
	}
	pipe.Del(ctx, s.taskStepsKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete task checkpoint: %w", err)
	}
	return len(stepIDs), nil
}

// Stats returns record counts derived from the indexes.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	tasks, err := s.client.ZCard(ctx, s.allTasksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	stats := &Stats{
		Tasks:         tasks,
		TasksByStatus: make(map[types.TaskStatus]int64),
	}

	for _, status := range []types.TaskStatus{
		types.TaskStatusPending, types.TaskStatusRunning, types.TaskStatusPaused,
		types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled,
	} {
		n, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("count tasks by status: %w", err)
		}
		if n > 0 {
			stats.TasksByStatus[status] = n
		}
	}

	// Steps have no global index; count by scanning record keys.
	var cursor uint64
	pattern := s.keyPrefix + "step:data:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 512).Result()
		if err != nil {
			return nil, fmt.Errorf("count steps: %w", err)
		}
		stats.Steps += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stats, nil
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
