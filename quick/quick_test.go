package quick

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

func TestNew_DefaultsToMemory(t *testing.T) {
	sys, err := New(WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })

	ctx := context.Background()
	task, err := sys.StartTask(ctx, "smoke", 1, nil, nil)
	require.NoError(t, err)

	res, err := sys.ExecuteStep(ctx, task.ID, 0, "only",
		func(ctx context.Context) (any, error) { return "ok", nil }, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	done, err := sys.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
}

func TestNew_FileStorage(t *testing.T) {
	dir := t.TempDir()
	sys, err := New(WithFile(dir), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })

	_, err = sys.StartTask(context.Background(), "durable", 1, nil, nil)
	require.NoError(t, err)
}

func TestNew_InjectedStore(t *testing.T) {
	st := store.NewMemoryStore(nil)
	defer st.Close()

	sys, err := New(WithStore(st), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, sys.Close())

	assert.NoError(t, st.Ping(context.Background()), "injected stores outlive the engine")
}

func TestNew_RejectsEmptyRedisAddr(t *testing.T) {
	_, err := New(WithRedis(""), WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis address is required")
}

func TestSplitRedisAddr(t *testing.T) {
	host, port, err := splitRedisAddr("cache.internal:6380", 6379)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal", host)
	assert.Equal(t, 6380, port)

	host, port, err = splitRedisAddr("cache.internal", 6379)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal", host)
	assert.Equal(t, 6379, port)

	_, _, err = splitRedisAddr("cache.internal:notaport", 6379)
	require.Error(t, err)
}

func TestWithGC_EnablesBackgroundLoop(t *testing.T) {
	sys, err := New(
		WithGC(10*time.Millisecond, time.Hour),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	require.NoError(t, sys.Close(), "close joins the loop without hanging")
}
