package store

import (
	"testing"
	"time"

	"github.com/BaSui01/stepflow/types"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestTaskFilterMatches(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &types.TaskCheckpoint{
		ID:        "t1",
		Name:      "nightly-export",
		Status:    types.TaskStatusRunning,
		CreatedAt: base,
		UpdatedAt: base.Add(time.Hour),
	}

	tests := []struct {
		name   string
		filter *TaskFilter
		want   bool
	}{
		{"nil filter matches", nil, true},
		{"empty filter matches", &TaskFilter{}, true},
		{"status match", &TaskFilter{Statuses: []types.TaskStatus{types.TaskStatusRunning}}, true},
		{"status mismatch", &TaskFilter{Statuses: []types.TaskStatus{types.TaskStatusFailed}}, false},
		{"status list match", &TaskFilter{Statuses: []types.TaskStatus{types.TaskStatusFailed, types.TaskStatusRunning}}, true},
		{"name contains", &TaskFilter{NameContains: "export"}, true},
		{"name missing", &TaskFilter{NameContains: "import"}, false},
		{"created after (before task)", &TaskFilter{CreatedAfter: timePtr(base.Add(-time.Hour))}, true},
		{"created after (after task)", &TaskFilter{CreatedAfter: timePtr(base.Add(time.Hour))}, false},
		{"created before (after task)", &TaskFilter{CreatedBefore: timePtr(base.Add(time.Hour))}, true},
		{"created before (before task)", &TaskFilter{CreatedBefore: timePtr(base.Add(-time.Hour))}, false},
		{"updated before (after update)", &TaskFilter{UpdatedBefore: timePtr(base.Add(2 * time.Hour))}, true},
		{"updated before (before update)", &TaskFilter{UpdatedBefore: timePtr(base)}, false},
		{"combined match", &TaskFilter{
			Statuses:     []types.TaskStatus{types.TaskStatusRunning},
			NameContains: "nightly",
			CreatedAfter: timePtr(base.Add(-time.Minute)),
		}, true},
		{"combined mismatch on one predicate", &TaskFilter{
			Statuses:     []types.TaskStatus{types.TaskStatusRunning},
			NameContains: "weekly",
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(task); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInterruptedFilter(t *testing.T) {
	filter := InterruptedFilter()

	running := &types.TaskCheckpoint{ID: "r", Status: types.TaskStatusRunning}
	paused := &types.TaskCheckpoint{ID: "p", Status: types.TaskStatusPaused}
	completed := &types.TaskCheckpoint{ID: "c", Status: types.TaskStatusCompleted}

	if !filter.Matches(running) {
		t.Error("Interrupted filter should match running tasks")
	}
	if !filter.Matches(paused) {
		t.Error("Interrupted filter should match paused tasks")
	}
	if filter.Matches(completed) {
		t.Error("Interrupted filter should not match completed tasks")
	}
}

func TestSortTasks(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	make3 := func() []*types.TaskCheckpoint {
		return []*types.TaskCheckpoint{
			{ID: "b", Name: "beta", CreatedAt: base.Add(time.Hour), UpdatedAt: base},
			{ID: "a", Name: "alpha", CreatedAt: base, UpdatedAt: base.Add(2 * time.Hour)},
			{ID: "c", Name: "gamma", CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base.Add(time.Hour)},
		}
	}

	t.Run("DefaultCreatedAtAscending", func(t *testing.T) {
		tasks := make3()
		sortTasks(tasks, nil)
		if tasks[0].ID != "a" || tasks[2].ID != "c" {
			t.Errorf("Unexpected order: %s, %s, %s", tasks[0].ID, tasks[1].ID, tasks[2].ID)
		}
	})

	t.Run("UpdatedAtDescending", func(t *testing.T) {
		tasks := make3()
		sortTasks(tasks, &TaskFilter{SortBy: SortByUpdatedAt, SortDesc: true})
		if tasks[0].ID != "a" {
			t.Errorf("Expected most recently updated first, got %s", tasks[0].ID)
		}
	})

	t.Run("ByName", func(t *testing.T) {
		tasks := make3()
		sortTasks(tasks, &TaskFilter{SortBy: SortByName})
		if tasks[0].Name != "alpha" || tasks[2].Name != "gamma" {
			t.Errorf("Unexpected name order: %s, %s, %s", tasks[0].Name, tasks[1].Name, tasks[2].Name)
		}
	})
}

func TestPageTasks(t *testing.T) {
	tasks := []*types.TaskCheckpoint{
		{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}, {ID: "5"},
	}

	t.Run("NoPaging", func(t *testing.T) {
		got := pageTasks(tasks, nil)
		if len(got) != 5 {
			t.Errorf("Expected all 5 tasks, got %d", len(got))
		}
	})

	t.Run("Limit", func(t *testing.T) {
		got := pageTasks(tasks, &TaskFilter{Limit: 2})
		if len(got) != 2 || got[0].ID != "1" {
			t.Errorf("Expected first 2 tasks, got %d starting at %s", len(got), got[0].ID)
		}
	})

	t.Run("LimitAndOffset", func(t *testing.T) {
		got := pageTasks(tasks, &TaskFilter{Limit: 2, Offset: 3})
		if len(got) != 2 || got[0].ID != "4" {
			t.Errorf("Expected tasks 4-5, got %d starting at %s", len(got), got[0].ID)
		}
	})

	t.Run("OffsetBeyondEnd", func(t *testing.T) {
		got := pageTasks(tasks, &TaskFilter{Offset: 10})
		if len(got) != 0 {
			t.Errorf("Expected empty page, got %d", len(got))
		}
	})

	t.Run("LimitPastEnd", func(t *testing.T) {
		got := pageTasks(tasks, &TaskFilter{Limit: 10, Offset: 4})
		if len(got) != 1 || got[0].ID != "5" {
			t.Errorf("Expected last task only, got %d", len(got))
		}
	})
}

func TestSortSteps(t *testing.T) {
	now := time.Now()
	steps := []*types.StepCheckpoint{
		{ID: "s2", StepIndex: 2},
		{ID: "s0-retry", StepIndex: 0, Metadata: types.StepMetadata{CreatedAt: now.Add(time.Second)}},
		{ID: "s1", StepIndex: 1},
		{ID: "s0", StepIndex: 0, Metadata: types.StepMetadata{CreatedAt: now}},
	}

	sortSteps(steps)

	wantOrder := []string{"s0", "s0-retry", "s1", "s2"}
	for i, want := range wantOrder {
		if steps[i].ID != want {
			t.Errorf("Position %d: got %s, want %s", i, steps[i].ID, want)
		}
	}
}
