// Package store provides durable persistence for step and task
// checkpoints behind a single Store contract.
//
// Supported backends:
// - Memory: for development and testing (default)
// - File: JSON records for single-node deployments
// - Redis: for deployments with an existing Redis
// - SQL: postgres, mysql, or sqlite through gorm
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/stepflow/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// Config is the configuration for all store implementations.
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Database configuration (only used when Type is "sql")
	Database DatabaseConfig `json:"database" yaml:"database"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TLS enables an encrypted connection (TLS 1.2+, AEAD cipher suites)
	TLS bool `json:"tls" yaml:"tls"`
}

// DatabaseConfig contains SQL-specific configuration.
type DatabaseConfig struct {
	// Driver selects the dialect: postgres, mysql, sqlite (pure Go)
	// or sqlite3 (cgo)
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the connection string for the selected driver
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxIdleConns caps idle pooled connections
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns"`

	// MaxOpenConns caps open connections
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// ConnMaxLifetime bounds connection age
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	// AutoMigrate creates the checkpoint tables on open when true
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type:    StoreTypeMemory,
		BaseDir: "./data/checkpoints",
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "stepflow:",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "file:stepflow.db?cache=shared",
			MaxIdleConns: 10,
			MaxOpenConns: 100,
			AutoMigrate:  true,
		},
	}
}

// Stats reports record counts per collection.
type Stats struct {
	// Tasks is the number of task checkpoint records
	Tasks int64 `json:"tasks"`

	// Steps is the number of step checkpoint records
	Steps int64 `json:"steps"`

	// TasksByStatus breaks tasks down by lifecycle status
	TasksByStatus map[types.TaskStatus]int64 `json:"tasks_by_status"`
}

// Store persists step and task checkpoints in two collections. All
// implementations serialize concurrent writes to the same record;
// last writer wins at the record level.
type Store interface {
	// SaveStep creates or replaces a step checkpoint record.
	SaveStep(ctx context.Context, step *types.StepCheckpoint) error

	// GetStep returns a step checkpoint, or ErrNotFound.
	GetStep(ctx context.Context, id string) (*types.StepCheckpoint, error)

	// ListStepsByTask returns all step checkpoints of a task, sorted
	// ascending by step index.
	ListStepsByTask(ctx context.Context, taskID string) ([]*types.StepCheckpoint, error)

	// DeleteStep removes a step checkpoint, or returns ErrNotFound.
	DeleteStep(ctx context.Context, id string) error

	// SaveTask creates or replaces a task checkpoint record.
	SaveTask(ctx context.Context, task *types.TaskCheckpoint) error

	// GetTask returns a task checkpoint, or ErrNotFound.
	GetTask(ctx context.Context, id string) (*types.TaskCheckpoint, error)

	// ListTasks returns task checkpoints matching the filter. A nil
	// filter matches everything.
	ListTasks(ctx context.Context, filter *TaskFilter) ([]*types.TaskCheckpoint, error)

	// DeleteTask removes a task and cascades to its step checkpoints.
	// It returns the number of step checkpoints removed, or ErrNotFound
	// when the task does not exist.
	DeleteTask(ctx context.Context, id string) (int, error)

	// Stats returns record counts.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}
