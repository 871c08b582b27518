package store

import (
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/stepflow/types"
)

// Sort fields accepted by TaskFilter.SortBy.
const (
	SortByCreatedAt = "created_at"
	SortByUpdatedAt = "updated_at"
	SortByName      = "name"
)

// TaskFilter narrows and orders ListTasks results.
type TaskFilter struct {
	// Statuses keeps tasks whose status is in the set (empty = all)
	Statuses []types.TaskStatus `json:"statuses,omitempty"`

	// NameContains keeps tasks whose name contains the substring
	NameContains string `json:"name_contains,omitempty"`

	// CreatedAfter / CreatedBefore bound the creation time
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	// UpdatedBefore keeps tasks last touched before the instant
	UpdatedBefore *time.Time `json:"updated_before,omitempty"`

	// Limit and Offset page the result (0 limit = unbounded)
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// SortBy orders results: created_at (default), updated_at, name
	SortBy string `json:"sort_by,omitempty"`

	// SortDesc reverses the order
	SortDesc bool `json:"sort_desc,omitempty"`
}

// InterruptedFilter matches tasks left mid-flight, the resumability
// candidate set.
func InterruptedFilter() *TaskFilter {
	return &TaskFilter{
		Statuses: []types.TaskStatus{types.TaskStatusRunning, types.TaskStatusPaused},
	}
}

// Matches reports whether the task passes the filter's predicates.
// Paging and sorting are applied separately.
func (f *TaskFilter) Matches(task *types.TaskCheckpoint) bool {
	if f == nil {
		return true
	}

	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if task.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if f.NameContains != "" && !strings.Contains(task.Name, f.NameContains) {
		return false
	}

	if f.CreatedAfter != nil && !task.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !task.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.UpdatedBefore != nil && !task.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}

	return true
}

// sortTasks orders tasks in place according to the filter.
func sortTasks(tasks []*types.TaskCheckpoint, f *TaskFilter) {
	sortBy := SortByCreatedAt
	desc := false
	if f != nil {
		if f.SortBy != "" {
			sortBy = f.SortBy
		}
		desc = f.SortDesc
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		var less bool
		switch sortBy {
		case SortByUpdatedAt:
			less = tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
		case SortByName:
			less = tasks[i].Name < tasks[j].Name
		default:
			less = tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		if desc {
			return !less
		}
		return less
	})
}

// pageTasks applies offset and limit after sorting.
func pageTasks(tasks []*types.TaskCheckpoint, f *TaskFilter) []*types.TaskCheckpoint {
	if f == nil {
		return tasks
	}
	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(tasks) {
		tasks = tasks[:f.Limit]
	}
	return tasks
}

// sortSteps orders step checkpoints ascending by step index, breaking
// ties by creation time so retried steps keep their record order.
func sortSteps(steps []*types.StepCheckpoint) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].StepIndex != steps[j].StepIndex {
			return steps[i].StepIndex < steps[j].StepIndex
		}
		return steps[i].Metadata.CreatedAt.Before(steps[j].Metadata.CreatedAt)
	})
}
