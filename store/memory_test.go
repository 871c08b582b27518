package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/stepflow/types"
)

func testStep(id, taskID string, index int) *types.StepCheckpoint {
	now := time.Now()
	return &types.StepCheckpoint{
		ID:        id,
		TaskID:    taskID,
		StepIndex: index,
		StepName:  fmt.Sprintf("step-%d", index),
		Input:     []byte(`{"n":1}`),
		Output:    []byte(`{"ok":true}`),
		Status:    types.StepStatusCompleted,
		Metadata: types.StepMetadata{
			CreatedAt: now,
			UpdatedAt: now,
		},
		Checksum: "deadbeef",
	}
}

func testTask(id, name string, status types.TaskStatus) *types.TaskCheckpoint {
	now := time.Now()
	return &types.TaskCheckpoint{
		ID:               id,
		Name:             name,
		Status:           status,
		CurrentStepIndex: -1,
		TotalSteps:       3,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TestMemoryStore tests the in-memory checkpoint store
func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()

	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetStep", func(t *testing.T) {
		step := testStep("step-1", "task-1", 0)

		if err := store.SaveStep(ctx, step); err != nil {
			t.Fatalf("SaveStep failed: %v", err)
		}

		retrieved, err := store.GetStep(ctx, "step-1")
		if err != nil {
			t.Fatalf("GetStep failed: %v", err)
		}

		if retrieved.StepName != step.StepName {
			t.Errorf("StepName mismatch: got %s, want %s", retrieved.StepName, step.StepName)
		}
		if string(retrieved.Input) != string(step.Input) {
			t.Errorf("Input mismatch: got %s, want %s", retrieved.Input, step.Input)
		}
	})

	t.Run("GetStepNotFound", func(t *testing.T) {
		_, err := store.GetStep(ctx, "no-such-step")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveStepValidation", func(t *testing.T) {
		if err := store.SaveStep(ctx, nil); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput for nil step, got %v", err)
		}
		if err := store.SaveStep(ctx, &types.StepCheckpoint{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput for empty id, got %v", err)
		}
	})

	t.Run("CloneIsolation", func(t *testing.T) {
		step := testStep("iso-step", "task-iso", 0)
		store.SaveStep(ctx, step)

		// Mutating the caller's copy must not leak into the store.
		step.Input[0] = 'X'
		step.StepName = "mutated"

		retrieved, err := store.GetStep(ctx, "iso-step")
		if err != nil {
			t.Fatalf("GetStep failed: %v", err)
		}
		if retrieved.StepName == "mutated" {
			t.Error("Stored step should not see caller mutations")
		}
		if retrieved.Input[0] == 'X' {
			t.Error("Stored input should not see caller mutations")
		}
	})

	t.Run("ListStepsByTask", func(t *testing.T) {
		// Saved out of order on purpose.
		for _, idx := range []int{2, 0, 1} {
			step := testStep(fmt.Sprintf("order-step-%d", idx), "task-order", idx)
			if err := store.SaveStep(ctx, step); err != nil {
				t.Fatalf("SaveStep failed: %v", err)
			}
		}

		steps, err := store.ListStepsByTask(ctx, "task-order")
		if err != nil {
			t.Fatalf("ListStepsByTask failed: %v", err)
		}

		if len(steps) != 3 {
			t.Fatalf("Expected 3 steps, got %d", len(steps))
		}
		for i, step := range steps {
			if step.StepIndex != i {
				t.Errorf("Step %d has index %d, expected ascending order", i, step.StepIndex)
			}
		}
	})

	t.Run("ListStepsByTaskEmpty", func(t *testing.T) {
		steps, err := store.ListStepsByTask(ctx, "no-such-task")
		if err != nil {
			t.Fatalf("ListStepsByTask failed: %v", err)
		}
		if len(steps) != 0 {
			t.Errorf("Expected no steps, got %d", len(steps))
		}
	})

	t.Run("DeleteStep", func(t *testing.T) {
		store.SaveStep(ctx, testStep("del-step", "task-del", 0))

		if err := store.DeleteStep(ctx, "del-step"); err != nil {
			t.Fatalf("DeleteStep failed: %v", err)
		}

		_, err := store.GetStep(ctx, "del-step")
		if !errors.Is(err, ErrNotFound) {
			t.Error("Step should be deleted")
		}

		if err := store.DeleteStep(ctx, "del-step"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound on double delete, got %v", err)
		}
	})

	t.Run("SaveAndGetTask", func(t *testing.T) {
		task := testTask("task-1", "ingest", types.TaskStatusRunning)

		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}

		retrieved, err := store.GetTask(ctx, "task-1")
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}

		if retrieved.Name != task.Name {
			t.Errorf("Name mismatch: got %s, want %s", retrieved.Name, task.Name)
		}
		if retrieved.CurrentStepIndex != -1 {
			t.Errorf("CurrentStepIndex should be -1, got %d", retrieved.CurrentStepIndex)
		}
	})

	t.Run("UpdateTask", func(t *testing.T) {
		task := testTask("task-update", "update-me", types.TaskStatusPending)
		store.SaveTask(ctx, task)

		task.Status = types.TaskStatusRunning
		task.CurrentStepIndex = 1
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask update failed: %v", err)
		}

		retrieved, _ := store.GetTask(ctx, "task-update")
		if retrieved.Status != types.TaskStatusRunning {
			t.Errorf("Status should be running, got %s", retrieved.Status)
		}
		if retrieved.CurrentStepIndex != 1 {
			t.Errorf("CurrentStepIndex should be 1, got %d", retrieved.CurrentStepIndex)
		}
	})

	t.Run("DeleteTaskCascades", func(t *testing.T) {
		store.SaveTask(ctx, testTask("task-cascade", "cascade", types.TaskStatusCompleted))
		for i := 0; i < 3; i++ {
			store.SaveStep(ctx, testStep(fmt.Sprintf("cascade-step-%d", i), "task-cascade", i))
		}

		deleted, err := store.DeleteTask(ctx, "task-cascade")
		if err != nil {
			t.Fatalf("DeleteTask failed: %v", err)
		}
		if deleted != 3 {
			t.Errorf("Expected 3 deleted steps, got %d", deleted)
		}

		if _, err := store.GetTask(ctx, "task-cascade"); !errors.Is(err, ErrNotFound) {
			t.Error("Task should be deleted")
		}
		steps, _ := store.ListStepsByTask(ctx, "task-cascade")
		if len(steps) != 0 {
			t.Errorf("Step checkpoints should be gone, got %d", len(steps))
		}
	})

	t.Run("DeleteTaskNotFound", func(t *testing.T) {
		_, err := store.DeleteTask(ctx, "no-such-task")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}

		if stats.Tasks == 0 {
			t.Error("Expected some tasks in stats")
		}
		if stats.Steps == 0 {
			t.Error("Expected some steps in stats")
		}
		if len(stats.TasksByStatus) == 0 {
			t.Error("Expected per-status counts")
		}
	})
}

func TestMemoryStore_ListTasks(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		id     string
		name   string
		status types.TaskStatus
		age    time.Duration
	}{
		{"lt-1", "etl-orders", types.TaskStatusCompleted, 0},
		{"lt-2", "etl-users", types.TaskStatusRunning, time.Hour},
		{"lt-3", "report-daily", types.TaskStatusPaused, 2 * time.Hour},
		{"lt-4", "report-weekly", types.TaskStatusFailed, 3 * time.Hour},
	}
	for _, s := range seed {
		task := testTask(s.id, s.name, s.status)
		task.CreatedAt = base.Add(-s.age)
		task.UpdatedAt = task.CreatedAt
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}
	}

	t.Run("NilFilterReturnsAll", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, nil)
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 4 {
			t.Errorf("Expected 4 tasks, got %d", len(tasks))
		}
	})

	t.Run("FilterByStatus", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, InterruptedFilter())
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 2 {
			t.Fatalf("Expected 2 interrupted tasks, got %d", len(tasks))
		}
		for _, task := range tasks {
			if !task.Status.IsInterrupted() {
				t.Errorf("Got non-interrupted task: %s", task.Status)
			}
		}
	})

	t.Run("FilterByName", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, &TaskFilter{NameContains: "report"})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 2 {
			t.Errorf("Expected 2 report tasks, got %d", len(tasks))
		}
	})

	t.Run("SortAscendingByDefault", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, &TaskFilter{})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		for i := 1; i < len(tasks); i++ {
			if tasks[i].CreatedAt.Before(tasks[i-1].CreatedAt) {
				t.Error("Tasks should be sorted by created_at ascending")
			}
		}
	})

	t.Run("SortDescending", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, &TaskFilter{SortDesc: true})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if tasks[0].ID != "lt-1" {
			t.Errorf("Expected newest first, got %s", tasks[0].ID)
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, &TaskFilter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 2 {
			t.Errorf("Expected 2 tasks with limit, got %d", len(tasks))
		}
		if tasks[0].ID != "lt-3" {
			t.Errorf("Expected lt-3 at offset 1 ascending, got %s", tasks[0].ID)
		}
	})

	t.Run("OffsetPastEnd", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, &TaskFilter{Offset: 10})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 0 {
			t.Errorf("Expected no tasks, got %d", len(tasks))
		}
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore(nil)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()

	if err := store.SaveStep(ctx, testStep("s", "t", 0)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("SaveStep on closed store: got %v", err)
	}
	if _, err := store.GetStep(ctx, "s"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetStep on closed store: got %v", err)
	}
	if err := store.SaveTask(ctx, testTask("t", "n", types.TaskStatusPending)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("SaveTask on closed store: got %v", err)
	}
	if _, err := store.ListTasks(ctx, nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("ListTasks on closed store: got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Ping on closed store: got %v", err)
	}

	// Close is idempotent.
	if err := store.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}
