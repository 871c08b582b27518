package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// Checkpoint Garbage Collection
// =============================================================================

// CleanupPolicy controls one garbage collection run. The age pass and
// the count pass are independent; either can be disabled.
type CleanupPolicy struct {
	// MaxAge deletes whole tasks not updated within the window. Zero
	// makes every task old enough; negative skips the age pass.
	MaxAge time.Duration

	// MaxCount caps each surviving task's step history to its most
	// recent MaxCount checkpoints. Zero or negative disables capping.
	MaxCount int

	// KeepCompleted exempts completed tasks from age-based deletion.
	// Count capping still applies to them.
	KeepCompleted bool

	// CompressAfter gzip-compresses surviving step checkpoints older
	// than this, whatever their payload size. Zero or negative skips
	// the compression pass.
	CompressAfter time.Duration
}

// agePassStatuses is every lifecycle state except completed.
var agePassStatuses = []types.TaskStatus{
	types.TaskStatusPending,
	types.TaskStatusRunning,
	types.TaskStatusPaused,
	types.TaskStatusFailed,
	types.TaskStatusCancelled,
}

// CleanupOldCheckpoints prunes the store in up to three passes: whole
// tasks beyond MaxAge, per-task histories beyond MaxCount, and late
// compression of cold step checkpoints. Returns the number of records
// removed, task and step checkpoints alike. Runs are idempotent;
// records already gone are skipped without error, so an interrupted
// run can simply be repeated.
func (m *Manager) CleanupOldCheckpoints(ctx context.Context, policy CleanupPolicy) (int, error) {
	start := m.now()
	deleted, err := m.runCleanup(ctx, policy)

	if m.metrics != nil {
		status := "success"
		if err != nil {
			status = "failed"
		}
		m.metrics.RecordGCRun(status, m.now().Sub(start))
	}
	if err != nil {
		return deleted, err
	}

	m.logger.Info("checkpoint cleanup finished",
		zap.Int("deleted", deleted),
		zap.Duration("max_age", policy.MaxAge),
		zap.Int("max_count", policy.MaxCount),
		zap.Bool("keep_completed", policy.KeepCompleted),
	)
	return deleted, nil
}

func (m *Manager) runCleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	total := 0

	if policy.MaxAge >= 0 {
		n, err := m.cleanupByAge(ctx, policy)
		total += n
		if err != nil {
			return total, err
		}
	}

	if policy.MaxCount > 0 || policy.CompressAfter > 0 {
		n, err := m.cleanupSurvivors(ctx, policy)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// cleanupByAge deletes whole tasks, cascading to their steps, with a
// bounded concurrent fan-out.
func (m *Manager) cleanupByAge(ctx context.Context, policy CleanupPolicy) (int, error) {
	cutoff := m.now().Add(-policy.MaxAge)
	filter := &store.TaskFilter{UpdatedBefore: &cutoff}
	if policy.KeepCompleted {
		filter.Statuses = agePassStatuses
	}

	tasks, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks for cleanup: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var taskCount, stepCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.gcParallel)

	for _, task := range tasks {
		id := task.ID
		g.Go(func() error {
			if m.gcLimiter != nil {
				if err := m.gcLimiter.Wait(gctx); err != nil {
					return err
				}
			}
			removed, err := m.DeleteTask(gctx, id)
			if err != nil {
				return err
			}
			taskCount.Add(1)
			stepCount.Add(int64(removed))
			return nil
		})
	}

	err = g.Wait()
	deleted := int(taskCount.Load() + stepCount.Load())

	if m.metrics != nil {
		m.metrics.RecordGCDeleted("task", int(taskCount.Load()))
		m.metrics.RecordGCDeleted("step", int(stepCount.Load()))
	}
	if err != nil {
		return deleted, fmt.Errorf("age-based cleanup aborted: %w", err)
	}
	return deleted, nil
}

// cleanupSurvivors walks the remaining tasks once, capping step
// histories and compressing cold checkpoints in the same sweep.
func (m *Manager) cleanupSurvivors(ctx context.Context, policy CleanupPolicy) (int, error) {
	tasks, err := m.store.ListTasks(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks for cleanup: %w", err)
	}

	deleted := 0
	for _, task := range tasks {
		if policy.MaxCount > 0 {
			n, err := m.capTaskHistory(ctx, task, policy.MaxCount)
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		if policy.CompressAfter > 0 {
			if err := m.compressColdSteps(ctx, task.ID, policy.CompressAfter); err != nil {
				return deleted, err
			}
		}
	}

	if m.metrics != nil {
		m.metrics.RecordGCDeleted("step", deleted)
	}
	return deleted, nil
}

// capTaskHistory deletes the oldest step checkpoints beyond maxCount
// and truncates the task's id list to the most recent maxCount entries.
func (m *Manager) capTaskHistory(ctx context.Context, task *types.TaskCheckpoint, maxCount int) (int, error) {
	excess := len(task.StepCheckpoints) - maxCount
	if excess <= 0 {
		return 0, nil
	}

	deleted := 0
	for _, id := range task.StepCheckpoints[:excess] {
		if m.gcLimiter != nil {
			if err := m.gcLimiter.Wait(ctx); err != nil {
				return deleted, err
			}
		}
		err := m.store.DeleteStep(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to delete step checkpoint %s: %w", id, err)
		}
		deleted++
		m.emit(events.Event{Type: events.CheckpointDeleted, TaskID: task.ID, CheckpointID: id})
	}

	task.StepCheckpoints = append([]string(nil), task.StepCheckpoints[excess:]...)
	task.UpdatedAt = m.now()
	if err := m.store.SaveTask(ctx, task); err != nil {
		return deleted, fmt.Errorf("failed to truncate task history: %w", err)
	}

	m.logger.Debug("task history capped",
		zap.String("task_id", task.ID),
		zap.Int("removed", excess),
		zap.Int("kept", maxCount),
	)
	return deleted, nil
}

// compressColdSteps rewrites uncompressed step checkpoints older than
// the window with gzip-compressed payloads. The checksum is untouched:
// it was computed over the uncompressed triple and stays verifiable
// after this rewrite.
func (m *Manager) compressColdSteps(ctx context.Context, taskID string, window time.Duration) error {
	cutoff := m.now().Add(-window)

	steps, err := m.store.ListStepsByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to list step checkpoints for compression: %w", err)
	}

	for _, cp := range steps {
		if cp.IsCompressed || !cp.Metadata.CreatedAt.Before(cutoff) {
			continue
		}

		if cp.Input, err = compressField(cp.Input); err != nil {
			return err
		}
		if cp.Output, err = compressField(cp.Output); err != nil {
			return err
		}
		if cp.Context, err = compressField(cp.Context); err != nil {
			return err
		}
		cp.IsCompressed = true
		cp.Metadata.UpdatedAt = m.now()

		if err := m.store.SaveStep(ctx, cp); err != nil {
			return fmt.Errorf("failed to save compressed checkpoint %s: %w", cp.ID, err)
		}

		m.emit(events.Event{
			Type:         events.CheckpointCompressed,
			TaskID:       cp.TaskID,
			StepIndex:    cp.StepIndex,
			StepName:     cp.StepName,
			CheckpointID: cp.ID,
		})
	}
	return nil
}
