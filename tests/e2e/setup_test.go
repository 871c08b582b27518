// E2E 测试环境与通用辅助函数。
//
// 提供端到端测试的统一初始化与资源清理逻辑。
//go:build e2e

package e2e

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/testutil"
)

// --- 测试环境 ---

// TestEnv E2E 测试环境
type TestEnv struct {
	Config *config.Config
	Logger *zap.Logger
	System *engine.System

	mu       sync.Mutex
	recorded []events.Event

	ctx    context.Context
	cancel context.CancelFunc
}

// --- 环境设置 ---

// NewTestEnv 创建以内存存储为后端的测试环境
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	return newEnv(t, func(cfg *config.Config) {
		cfg.Storage.Type = "memory"
	})
}

// NewFileTestEnv 创建以文件存储为后端的测试环境，数据落在临时目录
func NewFileTestEnv(t *testing.T, dir string) *TestEnv {
	t.Helper()
	return newEnv(t, func(cfg *config.Config) {
		cfg.Storage.Type = "file"
		cfg.Storage.Dir = dir
	})
}

func newEnv(t *testing.T, mutate func(*config.Config)) *TestEnv {
	t.Helper()

	// 创建上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	// 加载配置
	cfg := config.DefaultConfig()

	// 从环境变量覆盖（用于 CI/CD）
	if envCfg, err := config.LoadFromEnv(); err == nil {
		cfg = envCfg
	}
	cfg.Server.Enabled = false
	cfg.Engine.GC.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	// 创建 logger
	logger, _ := zap.NewDevelopment()

	sys, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		cancel()
		t.Fatalf("Failed to build engine: %v", err)
	}

	env := &TestEnv{
		Config: cfg,
		Logger: logger,
		System: sys,
		ctx:    ctx,
		cancel: cancel,
	}

	// 记录全部事件，供断言使用
	sys.On(events.Wildcard, func(e events.Event) {
		env.mu.Lock()
		env.recorded = append(env.recorded, e)
		env.mu.Unlock()
	})

	// 注册清理函数
	t.Cleanup(func() {
		env.Cleanup()
	})

	return env
}

// Context 返回测试上下文
func (e *TestEnv) Context() context.Context {
	return e.ctx
}

// Cleanup 清理测试环境
func (e *TestEnv) Cleanup() {
	e.cancel()
	if e.System != nil {
		e.System.Close()
	}
	if e.Logger != nil {
		e.Logger.Sync()
	}
}

// Events 返回已记录事件的副本
func (e *TestEnv) Events() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Event, len(e.recorded))
	copy(out, e.recorded)
	return out
}

// EventCount 返回指定类型事件的数量
func (e *TestEnv) EventCount(t events.Type) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.recorded {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// --- 环境检查 ---

// SkipIfNoRedis 如果没有 Redis 则跳过测试
func SkipIfNoRedis(t *testing.T) {
	t.Helper()
	if os.Getenv("STEPFLOW_STORAGE_REDIS_HOST") == "" {
		t.Skip("Skipping test: Redis not configured (set STEPFLOW_STORAGE_REDIS_HOST)")
	}
}

// SkipIfNoPostgres 如果没有 PostgreSQL 则跳过测试
func SkipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("STEPFLOW_STORAGE_DATABASE_HOST") == "" {
		t.Skip("Skipping test: PostgreSQL not configured (set STEPFLOW_STORAGE_DATABASE_HOST)")
	}
}

// SkipIfShort 如果是短测试模式则跳过
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping long-running test in short mode")
	}
}

// --- 测试辅助 ---

// WaitForCondition 等待条件满足
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	if !testutil.WaitFor(condition, timeout) {
		t.Fatalf("Condition not met within %v: %s", timeout, msg)
	}
}
