package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// runMigrate dispatches migration subcommands. The subcommand and its
// optional numeric argument come first, flags after:
//
//	stepflow migrate up --config config.yaml
//	stepflow migrate goto 2 --db-driver postgres --db-url $DSN
func runMigrate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: stepflow migrate <up|down|down-all|steps|goto|force|version|status|info> [options]")
		os.Exit(1)
	}

	cmdArgs := []string{args[0]}
	rest := args[1:]
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		cmdArgs = append(cmdArgs, rest[0])
		rest = rest[1:]
	}

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbDriver := fs.String("db-driver", "", "Database driver: postgres, mysql, sqlite (default: from config)")
	dbURL := fs.String("db-url", "", "Database connection URL (default: from config)")
	fs.Parse(rest)

	migrator, err := newMigrator(*configPath, *dbDriver, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	if err := cli.Run(context.Background(), cmdArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// newMigrator builds a migrator from explicit flags when both are given,
// otherwise from the configuration's storage section.
func newMigrator(configPath, driver, url string) (migration.Migrator, error) {
	if driver != "" && url != "" {
		return migration.NewMigratorFromURL(driver, url)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if driver != "" {
		cfg.Storage.Database.Driver = driver
	}

	return migration.NewMigratorFromStoreConfig(cfg.Storage.ToStoreConfig().Database)
}
