// =============================================================================
// StepFlow 主入口
// =============================================================================
// 可靠性引擎的运维入口，包含指标暴露、健康检查、后台清理与数据库迁移
//
// 使用方法:
//
//	stepflow serve                        # 启动运维进程（指标 + 健康检查 + GC）
//	stepflow serve --config config.yaml   # 指定配置文件
//	stepflow demo                         # 运行演示流水线，中断后可续跑
//	stepflow cleanup --max-age 168h       # 手动清理过期检查点
//	stepflow migrate up                   # 运行数据库迁移
//	stepflow version                      # 显示版本信息
//	stepflow health                       # 健康检查
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/server"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/internal/tlsutil"
	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "demo":
		runDemo(os.Args[2:])
	case "cleanup":
		runCleanup(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

// runServe starts the maintenance process: background GC against the
// configured store plus the ops endpoints. Interrupted tasks are reported
// but never resumed here, resuming needs the owning process's step
// implementations.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting StepFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	collector := metrics.NewCollector("stepflow", logger)

	sys, err := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithMetrics(collector),
	)
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}
	defer sys.Close()

	sys.OnInterrupted(func(task *types.TaskCheckpoint) {
		logger.Info("interrupted task awaiting resume",
			zap.String("task_id", task.ID),
			zap.String("name", task.Name),
			zap.String("status", string(task.Status)),
			zap.Int("current_step", task.CurrentStepIndex),
		)
	})
	if _, err := sys.EnableAutoResume(context.Background()); err != nil {
		logger.Warn("interrupted task scan failed", zap.Error(err))
	}

	if cfg.Server.Enabled {
		handler := server.NewHandler(logger)
		handler.RegisterCheck(server.NewPingHealthCheck("store", sys.Store().Ping))

		mgr := server.NewManager(handler.Mux(), serverConfigFrom(cfg.Server), logger)
		if err := mgr.Start(); err != nil {
			logger.Fatal("Failed to start ops server", zap.Error(err))
		}
		mgr.WaitForShutdown()
	} else {
		logger.Info("ops server disabled, running headless")
		waitForSignal()
	}

	if otelProviders != nil {
		if err := otelProviders.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}

	logger.Info("StepFlow stopped")
}

// serverConfigFrom maps the config section onto the ops server defaults.
func serverConfigFrom(cfg config.ServerConfig) server.Config {
	sc := server.DefaultConfig()
	if cfg.Addr != "" {
		sc.Addr = cfg.Addr
	}
	if cfg.ReadTimeout > 0 {
		sc.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		sc.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.IdleTimeout > 0 {
		sc.IdleTimeout = cfg.IdleTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.ShutdownTimeout
	}
	return sc
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	<-quit
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(*addr + "/readyz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n%s\n", resp.StatusCode, body)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("StepFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`StepFlow - Checkpoint & Retry Reliability Engine

Usage:
  stepflow <command> [options]

Commands:
  serve     Run the maintenance process (metrics, health, background GC)
  demo      Run a demo pipeline; interrupt it and run again to resume
  cleanup   Delete old checkpoints once and exit
  migrate   Database migration commands
  version   Show version information
  health    Check a running serve process
  help      Show this help message

Options for 'serve' and 'demo':
  --config <path>   Path to configuration file (YAML)

Options for 'cleanup':
  --max-age <dur>        Delete tasks not updated for this long (default 168h)
  --max-count <n>        Keep at most n step checkpoints per task
  --keep-completed       Exempt completed tasks from the age rule (default true)
  --compress-after <dur> Gzip step payloads older than this

Migration subcommands:
  migrate up              Apply all pending migrations
  migrate down            Rollback the last migration
  migrate down-all        Rollback all migrations
  migrate status          Show migration status
  migrate version         Show current migration version
  migrate goto <v>        Migrate to a specific version
  migrate force <v>       Force set migration version

Examples:
  stepflow serve --config /etc/stepflow/config.yaml
  stepflow demo
  stepflow cleanup --max-age 72h
  stepflow migrate up
  stepflow health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 配置加载
// =============================================================================

// loadConfig loads and validates the configuration, exiting on failure.
func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	return cfg
}
