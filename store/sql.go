package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/types"
)

// stepRecord is the step_checkpoints row model. Queryable fields are
// real columns; the full checkpoint travels in the payload.
type stepRecord struct {
	ID        string    `gorm:"column:id;primaryKey;size:128"`
	TaskID    string    `gorm:"column:task_id;size:128;index:idx_step_checkpoints_task,priority:1"`
	StepIndex int       `gorm:"column:step_index;index:idx_step_checkpoints_task,priority:2"`
	Status    string    `gorm:"column:status;size:32"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
	Payload   []byte    `gorm:"column:payload"`
}

func (stepRecord) TableName() string { return "step_checkpoints" }

// taskRecord is the task_checkpoints row model.
type taskRecord struct {
	ID        string    `gorm:"column:id;primaryKey;size:128"`
	Name      string    `gorm:"column:name;size:255"`
	Status    string    `gorm:"column:status;size:32;index:idx_task_checkpoints_status"`
	CreatedAt time.Time `gorm:"column:created_at;index:idx_task_checkpoints_created"`
	UpdatedAt time.Time `gorm:"column:updated_at;index:idx_task_checkpoints_updated"`
	Payload   []byte    `gorm:"column:payload"`
}

func (taskRecord) TableName() string { return "task_checkpoints" }

// SQLStore persists checkpoints in a relational database through GORM.
// PostgreSQL, MySQL and SQLite are supported.
type SQLStore struct {
	manager *database.Manager
	logger  *zap.Logger
}

// NewSQLStore opens the configured database and prepares the schema
// when auto-migration is enabled.
func NewSQLStore(cfg DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	poolCfg := database.DefaultPoolConfig()
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}

	manager, err := database.NewManager(db, poolCfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&stepRecord{}, &taskRecord{}); err != nil {
			manager.Close()
			return nil, fmt.Errorf("auto-migrate checkpoint schema: %w", err)
		}
	}

	return &SQLStore{
		manager: manager,
		logger:  logger.With(zap.String("component", "sql_store")),
	}, nil
}

func toStepRecord(step *types.StepCheckpoint) (*stepRecord, error) {
	payload, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("marshal step checkpoint: %w", err)
	}
	return &stepRecord{
		ID:        step.ID,
		TaskID:    step.TaskID,
		StepIndex: step.StepIndex,
		Status:    string(step.Status),
		CreatedAt: step.Metadata.CreatedAt,
		UpdatedAt: step.Metadata.UpdatedAt,
		Payload:   payload,
	}, nil
}

func (r *stepRecord) toCheckpoint() (*types.StepCheckpoint, error) {
	var step types.StepCheckpoint
	if err := json.Unmarshal(r.Payload, &step); err != nil {
		return nil, fmt.Errorf("unmarshal step checkpoint: %w", err)
	}
	return &step, nil
}

func toTaskRecord(task *types.TaskCheckpoint) (*taskRecord, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task checkpoint: %w", err)
	}
	return &taskRecord{
		ID:        task.ID,
		Name:      task.Name,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
		Payload:   payload,
	}, nil
}

func (r *taskRecord) toCheckpoint() (*types.TaskCheckpoint, error) {
	var task types.TaskCheckpoint
	if err := json.Unmarshal(r.Payload, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task checkpoint: %w", err)
	}
	return &task, nil
}

// SaveStep creates or replaces a step checkpoint row.
func (s *SQLStore) SaveStep(ctx context.Context, step *types.StepCheckpoint) error {
	if step == nil || step.ID == "" {
		return fmt.Errorf("step checkpoint: %w", ErrInvalidInput)
	}

	rec, err := toStepRecord(step)
	if err != nil {
		return err
	}

	err = s.manager.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("save step checkpoint: %w", err)
	}
	return nil
}

// GetStep returns a step checkpoint, or ErrNotFound.
func (s *SQLStore) GetStep(ctx context.Context, id string) (*types.StepCheckpoint, error) {
	var rec stepRecord
	err := s.manager.DB().WithContext(ctx).Take(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("step checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get step checkpoint: %w", err)
	}
	return rec.toCheckpoint()
}

// ListStepsByTask returns all step checkpoints of a task, ascending by
// step index.
func (s *SQLStore) ListStepsByTask(ctx context.Context, taskID string) ([]*types.StepCheckpoint, error) {
	var recs []stepRecord
	err := s.manager.DB().WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("step_index ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list step checkpoints: %w", err)
	}

	steps := make([]*types.StepCheckpoint, 0, len(recs))
	for i := range recs {
		step, err := recs[i].toCheckpoint()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, nil
	}
	return steps, nil
}

// DeleteStep removes a step checkpoint.
func (s *SQLStore) DeleteStep(ctx context.Context, id string) error {
	res := s.manager.DB().WithContext(ctx).Delete(&stepRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete step checkpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("step checkpoint %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveTask creates or replaces a task checkpoint row.
func (s *SQLStore) SaveTask(ctx context.Context, task *types.TaskCheckpoint) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task checkpoint: %w", ErrInvalidInput)
	}

	rec, err := toTaskRecord(task)
	if err != nil {
		return err
	}

	err = s.manager.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("save task checkpoint: %w", err)
	}
	return nil
}

// GetTask returns a task checkpoint, or ErrNotFound.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*types.TaskCheckpoint, error) {
	var rec taskRecord
	err := s.manager.DB().WithContext(ctx).Take(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task checkpoint: %w", err)
	}
	return rec.toCheckpoint()
}

// ListTasks returns task checkpoints matching the filter. Predicates,
// ordering and paging are pushed into SQL.
func (s *SQLStore) ListTasks(ctx context.Context, filter *TaskFilter) ([]*types.TaskCheckpoint, error) {
	q := s.manager.DB().WithContext(ctx).Model(&taskRecord{})

	sortBy := SortByCreatedAt
	desc := false
	if filter != nil {
		if len(filter.Statuses) > 0 {
			statuses := make([]string, len(filter.Statuses))
			for i, st := range filter.Statuses {
				statuses[i] = string(st)
			}
			q = q.Where("status IN ?", statuses)
		}
		if filter.NameContains != "" {
			q = q.Where("name LIKE ?", "%"+filter.NameContains+"%")
		}
		if !filter.CreatedAfter.IsZero() {
			q = q.Where("created_at > ?", filter.CreatedAfter)
		}
		if !filter.CreatedBefore.IsZero() {
			q = q.Where("created_at < ?", filter.CreatedBefore)
		}
		if !filter.UpdatedBefore.IsZero() {
			q = q.Where("updated_at < ?", filter.UpdatedBefore)
		}
		if filter.SortBy != "" {
			sortBy = filter.SortBy
		}
		desc = filter.SortDesc
	}

	var column string
	switch sortBy {
	case SortByUpdatedAt:
		column = "updated_at"
	case SortByName:
		column = "name"
	default:
		column = "created_at"
	}
	direction := "ASC"
	if desc {
		direction = "DESC"
	}
	q = q.Order(fmt.Sprintf("%s %s", column, direction))

	if filter != nil {
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
	}

	var recs []taskRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list task checkpoints: %w", err)
	}

	tasks := make([]*types.TaskCheckpoint, 0, len(recs))
	for i := range recs {
		task, err := recs[i].toCheckpoint()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks, nil
}

// DeleteTask removes a task row and its step checkpoint rows in one
// transaction.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) (int, error) {
	var stepsDeleted int64
	err := s.manager.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&taskRecord{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete task checkpoint: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("task checkpoint %s: %w", id, ErrNotFound)
		}

		res = tx.Delete(&stepRecord{}, "task_id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete step checkpoints: %w", res.Error)
		}
		stepsDeleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(stepsDeleted), nil
}

// Stats returns row counts grouped by task status.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	db := s.manager.DB().WithContext(ctx)

	stats := &Stats{TasksByStatus: make(map[types.TaskStatus]int64)}

	if err := db.Model(&taskRecord{}).Count(&stats.Tasks).Error; err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if err := db.Model(&stepRecord{}).Count(&stats.Steps).Error; err != nil {
		return nil, fmt.Errorf("count steps: %w", err)
	}

	var rows []struct {
		Status string
		Count  int64
	}
	err := db.Model(&taskRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	for _, row := range rows {
		stats.TasksByStatus[types.TaskStatus(row.Status)] = row.Count
	}
	return stats, nil
}

// Ping checks if the store is healthy.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.manager.Ping(ctx)
}

// Close closes the store.
func (s *SQLStore) Close() error {
	return s.manager.Close()
}

var _ Store = (*SQLStore)(nil)
