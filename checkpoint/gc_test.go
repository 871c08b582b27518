package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/types"
)

// gcFixture drives the manager through a mutable clock so tests can age
// records deterministically.
type gcFixture struct {
	m   *Manager
	now time.Time
	ctx context.Context
}

func newGCFixture(t *testing.T, opts ...Option) *gcFixture {
	t.Helper()
	f := &gcFixture{
		now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		ctx: context.Background(),
	}

	opts = append(opts, WithClock(func() time.Time { return f.now }))
	m, _ := newTestManager(t, opts...)
	f.m = m
	return f
}

func (f *gcFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// seedTask creates a task with the given number of recorded steps and
// walks it to the target status.
func (f *gcFixture) seedTask(t *testing.T, name string, status types.TaskStatus, steps int) string {
	t.Helper()

	task, err := f.m.CreateTaskCheckpoint(f.ctx, name, steps+1, nil, nil)
	require.NoError(t, err)

	for i := 0; i < steps; i++ {
		cp, err := f.m.CreateStepCheckpoint(f.ctx, task.ID, i, "step", map[string]any{"i": i}, nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, f.m.AddStepToTask(f.ctx, task.ID, cp.ID))
	}

	path := map[types.TaskStatus][]types.TaskStatus{
		types.TaskStatusPending:   nil,
		types.TaskStatusRunning:   {types.TaskStatusRunning},
		types.TaskStatusPaused:    {types.TaskStatusRunning, types.TaskStatusPaused},
		types.TaskStatusCompleted: {types.TaskStatusRunning, types.TaskStatusCompleted},
		types.TaskStatusFailed:    {types.TaskStatusRunning, types.TaskStatusFailed},
		types.TaskStatusCancelled: {types.TaskStatusCancelled},
	}
	for _, next := range path[status] {
		s := next
		_, err := f.m.UpdateTaskCheckpoint(f.ctx, task.ID, &TaskPatch{Status: &s})
		require.NoError(t, err)
	}
	return task.ID
}

func TestCleanup_AgeBasedIsIdempotent(t *testing.T) {
	f := newGCFixture(t)

	f.seedTask(t, "stale-a", types.TaskStatusRunning, 2)
	f.seedTask(t, "stale-b", types.TaskStatusFailed, 1)
	f.advance(time.Hour)

	// MaxAge zero makes every task old enough.
	deleted, err := f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, deleted, "2 tasks + 3 steps")

	deleted, err = f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: 0})
	require.NoError(t, err)
	assert.Zero(t, deleted, "repeat run finds nothing")

	tasks, err := f.m.ListInterruptedTasks(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCleanup_MaxAgeWindow(t *testing.T) {
	f := newGCFixture(t)

	oldID := f.seedTask(t, "old", types.TaskStatusRunning, 1)
	f.advance(48 * time.Hour)
	freshID := f.seedTask(t, "fresh", types.TaskStatusRunning, 1)
	f.advance(time.Hour)

	deleted, err := f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted, "1 task + 1 step")

	gone, err := f.m.GetTaskCheckpoint(f.ctx, oldID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := f.m.GetTaskCheckpoint(f.ctx, freshID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, freshID, kept.ID)
}

func TestCleanup_KeepCompleted(t *testing.T) {
	f := newGCFixture(t)

	doneID := f.seedTask(t, "archived", types.TaskStatusCompleted, 2)
	f.seedTask(t, "abandoned", types.TaskStatusRunning, 2)
	f.advance(time.Hour)

	deleted, err := f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: 0, KeepCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted, "only the running task and its steps")

	kept, err := f.m.GetTaskCheckpoint(f.ctx, doneID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, types.TaskStatusCompleted, kept.Status)
}

func TestCleanup_NegativeMaxAgeSkipsAgePass(t *testing.T) {
	f := newGCFixture(t)

	id := f.seedTask(t, "never-aged", types.TaskStatusRunning, 1)
	f.advance(1000 * time.Hour)

	deleted, err := f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: -1})
	require.NoError(t, err)
	assert.Zero(t, deleted)

	kept, err := f.m.GetTaskCheckpoint(f.ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestCleanup_MaxCountCapsHistory(t *testing.T) {
	f := newGCFixture(t)

	deletedEvents := collectEvents(f.m, events.CheckpointDeleted)

	id := f.seedTask(t, "chatty", types.TaskStatusRunning, 5)
	task, err := f.m.GetTaskCheckpoint(f.ctx, id)
	require.NoError(t, err)
	wantKept := append([]string(nil), task.StepCheckpoints[3:]...)

	deleted, err := f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: -1, MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Len(t, *deletedEvents, 3)

	task, err = f.m.GetTaskCheckpoint(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wantKept, task.StepCheckpoints)

	steps, err := f.m.ListCheckpointsForTask(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 3, steps[0].StepIndex)
	assert.Equal(t, 4, steps[1].StepIndex)

	// Capping an already-capped task removes nothing further.
	deleted, err = f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: -1, MaxCount: 2})
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestCleanup_CompressAfterRewritesColdSteps(t *testing.T) {
	f := newGCFixture(t)
	st := f.m.store

	id := f.seedTask(t, "cold", types.TaskStatusRunning, 1)
	task, err := f.m.GetTaskCheckpoint(f.ctx, id)
	require.NoError(t, err)
	stepID := task.StepCheckpoints[0]

	raw, err := st.GetStep(f.ctx, stepID)
	require.NoError(t, err)
	require.False(t, raw.IsCompressed, "small payload starts uncompressed")
	originalInput := append([]byte(nil), raw.Input...)

	f.advance(2 * time.Hour)
	deleted, err := f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: -1, CompressAfter: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, deleted, "compression deletes nothing")

	raw, err = st.GetStep(f.ctx, stepID)
	require.NoError(t, err)
	assert.True(t, raw.IsCompressed)

	loaded, err := f.m.GetStepCheckpoint(f.ctx, stepID)
	require.NoError(t, err)
	assert.False(t, loaded.IsCompressed)
	assert.Equal(t, originalInput, loaded.Input)

	sum, err := checksumPayload(loaded.Input, loaded.Output, loaded.Context)
	require.NoError(t, err)
	assert.Equal(t, loaded.Checksum, sum, "digest survives late compression")
}

func TestCleanup_ThrottledAndBounded(t *testing.T) {
	f := newGCFixture(t, WithGCConcurrency(2), WithGCRateLimit(1000))

	for i := 0; i < 4; i++ {
		f.seedTask(t, "bulk", types.TaskStatusRunning, 1)
	}
	f.advance(time.Hour)

	deleted, err := f.m.CleanupOldCheckpoints(f.ctx, CleanupPolicy{MaxAge: 0})
	require.NoError(t, err)
	assert.Equal(t, 8, deleted, "4 tasks + 4 steps")
}
