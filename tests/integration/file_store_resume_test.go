package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/resume"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

func fileConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "file"
	cfg.Storage.Dir = dir
	cfg.Server.Enabled = false
	cfg.Engine.GC.Enabled = false
	return cfg
}

func newFileSystem(t *testing.T, dir string) *engine.System {
	t.Helper()
	sys, err := engine.New(fileConfig(dir), engine.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })
	return sys
}

// TestResume_AcrossEngineInstances runs half a pipeline in one engine
// instance and finishes it in a fresh instance backed by the same
// directory.
func TestResume_AcrossEngineInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	ctx := context.Background()

	first := newFileSystem(t, dir)

	task, err := first.StartTask(ctx, "nightly-import", 4, map[string]any{"source": "s3"}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := first.ExecuteStep(ctx, task.ID, i, []string{"download", "decode"}[i],
			func(ctx context.Context) (any, error) { return i * 10, nil }, nil)
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	require.NoError(t, first.Close())

	// A new instance on the same directory sees the interrupted task.
	second := newFileSystem(t, dir)

	var notified []*types.TaskCheckpoint
	second.OnInterrupted(func(task *types.TaskCheckpoint) {
		notified = append(notified, task)
	})

	interrupted, err := second.EnableAutoResume(ctx)
	require.NoError(t, err)
	require.Len(t, interrupted, 1)
	require.Len(t, notified, 1)
	assert.Equal(t, task.ID, interrupted[0].ID)
	assert.Equal(t, 1, interrupted[0].CurrentStepIndex)
	assert.Equal(t, types.TaskStatusRunning, interrupted[0].Status)

	var ran []int
	exec := resume.StepExecutorFunc(func(ctx context.Context, stepIndex int, input any) (any, error) {
		ran = append(ran, stepIndex)
		return stepIndex * 10, nil
	})

	done, err := second.ResumeTask(ctx, task.ID, interrupted[0].CurrentStepIndex+1, exec)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	assert.Equal(t, []int{2, 3}, ran, "completed steps must not rerun")
	assert.True(t, done.WasResumed)

	// The checkpoint trail spans both instance lifetimes.
	trail, err := second.Checkpoints().ListCheckpointsForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	for i, cp := range trail {
		assert.Equal(t, i, cp.StepIndex)
		assert.Equal(t, types.StepStatusCompleted, cp.Status)
	}

	progress, err := second.Progress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, progress.CompletedSteps)
	assert.InDelta(t, 100.0, progress.Percentage, 0.01)
}

// TestResume_FromSpecificCheckpoint restores state from a mid-pipeline
// checkpoint in a separate engine instance.
func TestResume_FromSpecificCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	ctx := context.Background()

	first := newFileSystem(t, dir)

	task, err := first.StartTask(ctx, "report-build", 3, nil, nil)
	require.NoError(t, err)

	var mid *types.StepCheckpoint
	for i := 0; i < 2; i++ {
		res, err := first.ExecuteStep(ctx, task.ID, i, []string{"collect", "aggregate"}[i],
			func(ctx context.Context) (any, error) { return "ok", nil }, nil)
		require.NoError(t, err)
		if i == 1 {
			mid = res.Checkpoint
		}
	}
	require.NotNil(t, mid)
	require.NoError(t, first.Close())

	second := newFileSystem(t, dir)

	var ran []int
	exec := resume.StepExecutorFunc(func(ctx context.Context, stepIndex int, input any) (any, error) {
		ran = append(ran, stepIndex)
		return "ok", nil
	})

	done, err := second.ResumeFromCheckpoint(ctx, mid.ID, exec)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	assert.Equal(t, mid.ID, done.ResumedFromCheckpointID)
	assert.Equal(t, []int{1, 2}, ran, "resume re-runs the checkpoint's own step")
}

// TestFileStore_SurvivesReopen checks raw durability underneath the
// engine: records written by one store handle are visible to another.
func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	ctx := context.Background()

	first, err := store.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)

	cp := &types.StepCheckpoint{
		ID:       "ckpt-durable",
		TaskID:   "task-durable",
		StepName: "write",
		Status:   types.StepStatusCompleted,
		Output:   []byte(`"persisted"`),
	}
	require.NoError(t, first.SaveStep(ctx, cp))
	require.NoError(t, first.Close())

	second, err := store.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	got, err := second.GetStep(ctx, "ckpt-durable")
	require.NoError(t, err)
	assert.Equal(t, cp.Output, got.Output)
	assert.Equal(t, types.StepStatusCompleted, got.Status)
}
