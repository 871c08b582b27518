package migration

import (
	"fmt"
	"strings"

	"github.com/BaSui01/stepflow/store"
)

// NewMigratorFromStoreConfig creates a migrator from a SQL store
// configuration, reusing its driver name and DSN.
func NewMigratorFromStoreConfig(cfg store.DatabaseConfig) (Migrator, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver is required")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if dbType == DatabaseTypeMySQL {
		dsn = ensureMultiStatements(dsn)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dsn,
	})
}

// NewMigratorFromURL creates a migrator from a database type string and URL
func NewMigratorFromURL(databaseType, databaseURL string) (Migrator, error) {
	dbType, err := ParseDatabaseType(databaseType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  databaseURL,
	})
}

// ensureMultiStatements appends multiStatements=true to a MySQL DSN when
// absent. Migration files contain multiple statements per file.
func ensureMultiStatements(dsn string) string {
	if strings.Contains(dsn, "multiStatements=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&multiStatements=true"
	}
	return dsn + "?multiStatements=true"
}
