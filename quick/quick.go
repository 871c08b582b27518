// =============================================================================
// Package quick — One-Line Engine Construction
// =============================================================================
// Provides a convenience entry point for creating a reliability engine with
// minimal boilerplate. Delegates to engine.New and the store factory
// internally.
//
// The package lives under quick/ (not root) so the root package can alias
// it without an import cycle through engine and config.
//
// Usage:
//
//	import "github.com/BaSui01/stepflow/quick"
//
//	sys, err := quick.New()                                // in-memory storage
//	sys, err := quick.New(quick.WithFile("./checkpoints")) // durable on disk
//	sys, err := quick.New(quick.WithRedis("localhost:6379"))
//
// =============================================================================
package quick

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/store"
)

// Option configures the engine created by New.
type Option func(*options)

type options struct {
	cfg    *config.Config
	store  store.Store
	logger *zap.Logger

	// Storage shortcut fields — used when store is nil.
	storageType   string
	fileDir       string
	redisAddr     string
	redisPassword string
	sqlDriver     string
	sqlDSN        string

	gcInterval time.Duration
	gcMaxAge   time.Duration

	retryAttempts int
	retryDelay    time.Duration
}

// WithConfig sets a full configuration. Storage shortcuts and tuning
// options still overlay it.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithStore sets a pre-built checkpoint store. The caller keeps ownership
// and must close it; storage shortcuts are ignored when one is set.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMemory keeps checkpoints in process memory. Nothing survives a
// restart; this is the default.
func WithMemory() Option {
	return func(o *options) { o.storageType = "memory" }
}

// WithFile persists checkpoints as JSON files under the given directory.
func WithFile(dir string) Option {
	return func(o *options) {
		o.storageType = "file"
		o.fileDir = dir
	}
}

// WithRedis persists checkpoints in Redis at addr ("host:port", or a bare
// host using the default port). The password is read from the
// STEPFLOW_STORAGE_REDIS_PASSWORD environment variable.
func WithRedis(addr string) Option {
	return func(o *options) {
		o.storageType = "redis"
		o.redisAddr = addr
		if o.redisPassword == "" {
			o.redisPassword = os.Getenv("STEPFLOW_STORAGE_REDIS_PASSWORD")
		}
	}
}

// WithRedisPassword overrides the password used by WithRedis.
func WithRedisPassword(password string) Option {
	return func(o *options) { o.redisPassword = password }
}

// WithSQL persists checkpoints in a relational database. Driver is one of
// postgres, mysql or sqlite.
func WithSQL(driver, dsn string) Option {
	return func(o *options) {
		o.storageType = "sql"
		o.sqlDriver = driver
		o.sqlDSN = dsn
	}
}

// WithGC enables the background cleanup loop. Tasks older than maxAge are
// deleted every interval; a zero maxAge keeps the configured default.
func WithGC(interval, maxAge time.Duration) Option {
	return func(o *options) {
		o.gcInterval = interval
		o.gcMaxAge = maxAge
	}
}

// WithRetry tunes the default retry budget for error kinds without a
// dedicated policy entry.
func WithRetry(maxAttempts int, initialDelay time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = maxAttempts
		o.retryDelay = initialDelay
	}
}

// WithLogger sets a custom zap logger. Defaults to the logger built from
// the configuration's log section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates an engine.System with minimal configuration.
func New(opts ...Option) (*engine.System, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.Storage.Type = "memory"
	}

	switch o.storageType {
	case "":
	case "memory":
		cfg.Storage.Type = "memory"
	case "file":
		cfg.Storage.Type = "file"
		cfg.Storage.Dir = o.fileDir
	case "redis":
		host, port, err := splitRedisAddr(o.redisAddr, cfg.Storage.Redis.Port)
		if err != nil {
			return nil, err
		}
		cfg.Storage.Type = "redis"
		cfg.Storage.Redis.Host = host
		cfg.Storage.Redis.Port = port
		cfg.Storage.Redis.Password = o.redisPassword
	case "sql":
		cfg.Storage.Type = "sql"
		cfg.Storage.Database.Driver = o.sqlDriver
		cfg.Storage.Database.DSN = o.sqlDSN
	}

	if o.gcInterval > 0 {
		cfg.Engine.GC.Enabled = true
		cfg.Engine.GC.Interval = o.gcInterval
		if o.gcMaxAge > 0 {
			cfg.Engine.GC.MaxAge = o.gcMaxAge
		}
	}
	if o.retryAttempts > 0 {
		cfg.Engine.Retry.MaxAttempts = o.retryAttempts
	}
	if o.retryDelay > 0 {
		cfg.Engine.Retry.InitialDelay = o.retryDelay
	}

	var engineOpts []engine.Option
	if o.logger != nil {
		engineOpts = append(engineOpts, engine.WithLogger(o.logger))
	}
	if o.store != nil {
		engineOpts = append(engineOpts, engine.WithStore(o.store))
	}
	return engine.New(cfg, engineOpts...)
}

// splitRedisAddr accepts "host:port" or a bare host, falling back to the
// configured default port.
func splitRedisAddr(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("redis address is required: use WithRedis(\"host:port\")")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid redis address %q: %w", addr, err)
	}
	return host, port, nil
}
