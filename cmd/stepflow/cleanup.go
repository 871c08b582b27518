package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
)

// =============================================================================
// 🧹 cleanup 命令
// =============================================================================

// runCleanup deletes old checkpoints once and exits. A zero --max-age
// deletes every eligible task regardless of age; completed tasks are
// exempt unless --keep-completed=false.
func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	maxAge := fs.Duration("max-age", 168*time.Hour, "Delete tasks not updated for this long (0 = all eligible)")
	maxCount := fs.Int("max-count", 0, "Keep at most n step checkpoints per task (0 = unlimited)")
	keepCompleted := fs.Bool("keep-completed", true, "Exempt completed tasks from the age rule")
	compressAfter := fs.Duration("compress-after", 0, "Gzip step payloads older than this (0 = never)")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	cfg.Engine.GC.Enabled = false

	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	sys, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		os.Exit(1)
	}
	defer sys.Close()

	policy := checkpoint.CleanupPolicy{
		MaxAge:        *maxAge,
		MaxCount:      *maxCount,
		KeepCompleted: *keepCompleted,
		CompressAfter: *compressAfter,
	}

	deleted, err := sys.Cleanup(context.Background(), policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Deleted %d checkpoint records\n", deleted)
}
