package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/resume"
	"github.com/BaSui01/stepflow/retry"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Server.Enabled = false
	return cfg
}

type engineFixture struct {
	sys    *System
	now    time.Time
	events []events.Event
}

func newEngineFixture(t *testing.T, mutate func(*config.Config)) *engineFixture {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	f := &engineFixture{now: time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)}
	sys, err := New(cfg,
		WithLogger(zap.NewNop()),
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })

	f.sys = sys
	sys.On(events.Wildcard, func(ev events.Event) {
		f.events = append(f.events, ev)
	})
	return f
}

func (f *engineFixture) eventTypes() []events.Type {
	out := make([]events.Type, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestNew_ValidatesConfiguration(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = "bolt"

	_, err := New(cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown storage type")
}

func TestSystem_TaskLifecycle(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "ingest", 2, map[string]any{"source": "s3://bucket"}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
	assert.Equal(t, -1, task.CurrentStepIndex)
	require.NotNil(t, task.StartedAt)

	res, err := f.sys.ExecuteStep(ctx, task.ID, 0, "extract",
		func(ctx context.Context) (any, error) { return "rows", nil }, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Checkpoint)

	res2, err := f.sys.ExecuteStep(ctx, task.ID, 1, "load",
		func(ctx context.Context) (any, error) { return "loaded", nil }, nil)
	require.NoError(t, err)
	assert.True(t, res2.Success)
	require.NotNil(t, res2.Checkpoint)
	assert.JSONEq(t, `"rows"`, string(res2.Checkpoint.Input), "step input follows the previous step's output")

	reloaded, err := f.sys.Checkpoints().GetTaskCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.CurrentStepIndex)
	assert.Len(t, reloaded.StepCheckpoints, 2)

	var taskCtx string
	require.NoError(t, reloaded.UnmarshalContext(&taskCtx))
	assert.Equal(t, "loaded", taskCtx)

	done, err := f.sys.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	require.Equal(t, []events.Type{
		events.TaskStarted,
		events.StepStarted, events.CheckpointCreated, events.StepCompleted,
		events.StepStarted, events.CheckpointCreated, events.StepCompleted,
		events.TaskCompleted,
	}, f.eventTypes())
}

func TestSystem_ExecuteStep_FailureLeavesTaskRunning(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "import", 1, nil, nil)
	require.NoError(t, err)

	res, err := f.sys.ExecuteStep(ctx, task.ID, 0, "validate",
		func(ctx context.Context) (any, error) {
			return nil, types.NewStepError(types.ErrorKindValidation, "invalid schema")
		}, nil)
	require.NoError(t, err, "a step failure is a result, not an error")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindValidation, res.ErrorKind)

	reloaded, err := f.sys.Checkpoints().GetTaskCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, reloaded.Status, "the caller decides whether to fail the task")
	assert.Equal(t, 0, reloaded.CurrentStepIndex)
	assert.Len(t, reloaded.StepCheckpoints, 1)

	failed, err := f.sys.FailTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
}

func TestSystem_ExecuteStep_TaskGuards(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	op := func(ctx context.Context) (any, error) { return nil, nil }

	_, err := f.sys.ExecuteStep(ctx, "no-such-task", 0, "noop", op, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	task, err := f.sys.StartTask(ctx, "guarded", 2, nil, nil)
	require.NoError(t, err)
	_, err = f.sys.PauseTask(ctx, task.ID)
	require.NoError(t, err)

	_, err = f.sys.ExecuteStep(ctx, task.ID, 0, "blocked", op, nil)
	assert.ErrorIs(t, err, ErrTaskNotRunning)

	_, err = f.sys.CancelTask(ctx, task.ID)
	require.NoError(t, err)

	calls := 0
	_, err = f.sys.ExecuteStep(ctx, task.ID, 0, "blocked",
		func(ctx context.Context) (any, error) { calls++; return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrTaskNotRunning)
	assert.Zero(t, calls, "cancellation is observed before the operation runs")
}

func TestSystem_ResumeFlow(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "pipeline", 3, "seed", nil)
	require.NoError(t, err)

	res, err := f.sys.ExecuteStep(ctx, task.ID, 0, "step_0",
		func(ctx context.Context) (any, error) { return "out_a", nil }, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = f.sys.PauseTask(ctx, task.ID)
	require.NoError(t, err)

	var inputs []any
	exec := resume.StepExecutorFunc(func(_ context.Context, stepIndex int, input any) (any, error) {
		inputs = append(inputs, input)
		return fmt.Sprintf("out_%d", stepIndex), nil
	})

	final, err := f.sys.ResumeTask(ctx, task.ID, 1, exec)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, final.Status)
	assert.Equal(t, 2, final.CurrentStepIndex)
	assert.True(t, final.WasResumed)
	assert.Equal(t, []any{"out_a", "out_1"}, inputs)
}

func TestSystem_ResumeFromCheckpoint(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "pipeline", 2, "seed", nil)
	require.NoError(t, err)

	res, err := f.sys.ExecuteStep(ctx, task.ID, 0, "step_0",
		func(ctx context.Context) (any, error) { return "out_0", nil }, nil)
	require.NoError(t, err)
	_, err = f.sys.PauseTask(ctx, task.ID)
	require.NoError(t, err)

	var ran []int
	exec := resume.StepExecutorFunc(func(_ context.Context, stepIndex int, _ any) (any, error) {
		ran = append(ran, stepIndex)
		return stepIndex, nil
	})

	final, err := f.sys.ResumeFromCheckpoint(ctx, res.Checkpoint.ID, exec)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, final.Status)
	assert.Equal(t, []int{0, 1}, ran, "the checkpoint's own step re-executes")
	assert.Equal(t, res.Checkpoint.ID, final.ResumedFromCheckpointID)
}

func TestSystem_AutoResumeDiscovery(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "interrupted", 2, nil, nil)
	require.NoError(t, err)
	_, err = f.sys.PauseTask(ctx, task.ID)
	require.NoError(t, err)

	var seen []string
	f.sys.OnInterrupted(func(task *types.TaskCheckpoint) {
		seen = append(seen, task.ID)
	})

	tasks, err := f.sys.EnableAutoResume(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{task.ID}, seen)

	reloaded, err := f.sys.Checkpoints().GetTaskCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, reloaded.Status, "discovery never resumes by itself")
}

func TestSystem_Progress(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "tracked", 4, nil, nil)
	require.NoError(t, err)

	_, err = f.sys.ExecuteStep(ctx, task.ID, 0, "first",
		func(ctx context.Context) (any, error) { return 1, nil }, nil)
	require.NoError(t, err)

	p, err := f.sys.Progress(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.CompletedSteps)
	assert.Equal(t, 4, p.TotalSteps)
	assert.InDelta(t, 25.0, p.Percentage, 1e-9)
	assert.Equal(t, types.TaskStatusRunning, p.Status)

	missing, err := f.sys.Progress(ctx, "no-such-task")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSystem_Cleanup(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	stale, err := f.sys.StartTask(ctx, "stale", 1, nil, nil)
	require.NoError(t, err)
	_, err = f.sys.FailTask(ctx, stale.ID)
	require.NoError(t, err)

	done, err := f.sys.StartTask(ctx, "done", 1, nil, nil)
	require.NoError(t, err)
	_, err = f.sys.CompleteTask(ctx, done.ID)
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)

	policy := checkpoint.CleanupPolicy{MaxAge: 24 * time.Hour, KeepCompleted: true}
	n, err := f.sys.Cleanup(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := f.sys.Checkpoints().GetTaskCheckpoint(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := f.sys.Checkpoints().GetTaskCheckpoint(ctx, done.ID)
	require.NoError(t, err)
	require.NotNil(t, kept, "completed tasks outlive the age pass")

	n, err = f.sys.Cleanup(ctx, policy)
	require.NoError(t, err)
	assert.Zero(t, n, "a repeated run deletes nothing")
}

func TestSystem_BackgroundGC(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.Config) {
		cfg.Engine.GC.Enabled = true
		cfg.Engine.GC.Interval = 20 * time.Millisecond
		cfg.Engine.GC.MaxAge = 0
		cfg.Engine.GC.MaxCount = 1
	})
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "history", 3, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.sys.ExecuteStep(ctx, task.ID, i, fmt.Sprintf("step_%d", i),
			func(ctx context.Context) (any, error) { return i, nil }, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		reloaded, err := f.sys.Checkpoints().GetTaskCheckpoint(ctx, task.ID)
		if err != nil || reloaded == nil {
			return false
		}
		return len(reloaded.StepCheckpoints) == 1
	}, time.Second, 10*time.Millisecond, "the background loop caps step history")

	reloaded, err := f.sys.Checkpoints().GetTaskCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded, "an unset max age never deletes whole tasks")
}

func TestSystem_BreakerDisabled(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.Config) {
		cfg.Engine.Breaker.Enabled = false
		cfg.Engine.Retry.MaxAttempts = 6
		cfg.Engine.Retry.InitialDelay = 0
	})
	ctx := context.Background()

	task, err := f.sys.StartTask(ctx, "flaky", 1, nil, nil)
	require.NoError(t, err)

	calls := 0
	boom := errors.New("shard sync desync")
	res, err := f.sys.ExecuteStep(ctx, task.ID, 0, "churn",
		func(ctx context.Context) (any, error) { calls++; return nil, boom }, nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 7, calls, "every failure lands on the operation, none on the breaker")
	assert.False(t, res.CircuitBreakerTripped)
	assert.Equal(t, retry.StateClosed, f.sys.Executor().Breakers().State(retry.CircuitKey(task.ID, "churn")))
}

func TestSystem_CloseSemantics(t *testing.T) {
	sys, err := New(testConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	require.NoError(t, sys.Close())
	require.NoError(t, sys.Close(), "close is idempotent")

	_, err = sys.StartTask(context.Background(), "late", 1, nil, nil)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}

func TestSystem_InjectedStoreStaysOpen(t *testing.T) {
	st := store.NewMemoryStore(nil)
	defer st.Close()

	sys, err := New(testConfig(), WithLogger(zap.NewNop()), WithStore(st))
	require.NoError(t, err)
	require.NoError(t, sys.Close())

	assert.NoError(t, st.Ping(context.Background()), "the caller keeps ownership of injected stores")
}

func TestSystem_OnUnsubscribe(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	count := 0
	unsub := f.sys.On(events.TaskStarted, func(events.Event) { count++ })

	_, err := f.sys.StartTask(ctx, "first", 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	unsub()
	_, err = f.sys.StartTask(ctx, "second", 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "unsubscribed handlers see nothing")
}
