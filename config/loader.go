// =============================================================================
// StepFlow Configuration Loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("STEPFLOW").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stepflow/store"
)

// =============================================================================
// Core Configuration Structure
// =============================================================================

// Config is the complete StepFlow configuration.
type Config struct {
	// Server configures the operations HTTP server
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Engine configures checkpointing, retries, circuit breaking and GC
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Storage configures the checkpoint store backend
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Log configures structured logging
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the operations HTTP server (/metrics, /healthz).
type ServerConfig struct {
	// Enabled starts the operations server when true
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Addr is the listen address
	Addr string `yaml:"addr" env:"ADDR"`
	// ReadTimeout bounds request reads
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout bounds response writes
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// IdleTimeout bounds keep-alive idle connections
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// EngineConfig groups the reliability engine knobs.
type EngineConfig struct {
	// Checkpoint configures checkpoint persistence
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	// Retry configures the default retry policy
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
	// Breaker configures per-operation circuit breakers
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
	// GC configures background checkpoint cleanup
	GC GCConfig `yaml:"gc" env:"GC"`
}

// CheckpointConfig configures checkpoint persistence.
type CheckpointConfig struct {
	// CompressionThreshold is the serialized payload size in bytes above
	// which checkpoint fields are gzip-compressed
	CompressionThreshold int `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
}

// RetryConfig overrides the default retry policy. Per-error-kind policies
// are configured programmatically on the retry executor.
type RetryConfig struct {
	// MaxAttempts is the retry count after the first attempt
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// InitialDelay is the base delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// MaxDelay caps the computed delay
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// BackoffFactor is the exponential backoff multiplier
	BackoffFactor float64 `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	// Jitter is the random delay perturbation factor in [0, 1]
	Jitter float64 `yaml:"jitter" env:"JITTER"`
}

// BreakerConfig configures the per-operation circuit breakers.
type BreakerConfig struct {
	// Enabled turns circuit breaking on
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// FailureThreshold is the failure count within Window that opens the circuit
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// Window is the sliding window for failure counting
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// Cooldown is how long an open circuit rejects before probing
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	// HalfOpenProbes caps concurrent probe calls while half-open
	HalfOpenProbes int `yaml:"half_open_probes" env:"HALF_OPEN_PROBES"`
	// HalfOpenSuccesses is the consecutive success count that closes the circuit
	HalfOpenSuccesses int `yaml:"half_open_successes" env:"HALF_OPEN_SUCCESSES"`
}

// GCConfig configures background checkpoint cleanup.
type GCConfig struct {
	// Enabled runs the cleanup loop when true
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Interval is the time between cleanup runs
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// MaxAge deletes tasks older than this; 0 keeps everything
	MaxAge time.Duration `yaml:"max_age" env:"MAX_AGE"`
	// MaxCount caps retained checkpoints per task; 0 keeps everything
	MaxCount int `yaml:"max_count" env:"MAX_COUNT"`
	// KeepCompleted exempts completed tasks from age-based deletion
	KeepCompleted bool `yaml:"keep_completed" env:"KEEP_COMPLETED"`
	// RatePerSecond throttles delete operations; 0 disables throttling
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
}

// StorageConfig configures the checkpoint store backend.
type StorageConfig struct {
	// Type selects the backend: memory, file, redis, sql
	Type string `yaml:"type" env:"TYPE"`
	// Dir is the base directory for the file backend
	Dir string `yaml:"dir" env:"DIR"`
	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// Database configuration (only used when Type is "sql")
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// RedisConfig configures the Redis store backend.
type RedisConfig struct {
	// Host is the Redis server host
	Host string `yaml:"host" env:"HOST"`
	// Port is the Redis server port
	Port int `yaml:"port" env:"PORT"`
	// Password is the Redis password (optional)
	Password string `yaml:"password" env:"PASSWORD"`
	// DB is the Redis database number
	DB int `yaml:"db" env:"DB"`
	// PoolSize is the connection pool size
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// KeyPrefix prefixes all Redis keys
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// TLS enables an encrypted connection to the Redis server
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig configures the SQL store backend. A non-empty DSN wins
// over the component fields.
type DatabaseConfig struct {
	// Driver selects the dialect: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is the full connection string; overrides the component fields
	DSN string `yaml:"dsn" env:"DSN"`
	// Host is the database server host
	Host string `yaml:"host" env:"HOST"`
	// Port is the database server port
	Port int `yaml:"port" env:"PORT"`
	// User is the database user
	User string `yaml:"user" env:"USER"`
	// Password is the database password
	Password string `yaml:"password" env:"PASSWORD"`
	// Name is the database name, or the file path for sqlite
	Name string `yaml:"name" env:"NAME"`
	// SSLMode is the postgres SSL mode
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// MaxOpenConns caps open connections
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// MaxIdleConns caps idle pooled connections
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// ConnMaxLifetime bounds connection age
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// AutoMigrate creates the checkpoint tables on open when true
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format is the output format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths lists log sinks
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the calling file and line
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stack traces at error level
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns telemetry on
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName identifies this service in traces and metrics
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the trace sampling ratio in [0, 1]
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Configuration Loader
// =============================================================================

// Loader loads configuration using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "STEPFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Priority: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	// 1. Start from defaults
	cfg := DefaultConfig()

	// 2. Load the file if a path was given
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. Overlay environment variables
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. Run validators
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file falls back to defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv overlays configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from the environment.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// Recurse into nested structs
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue sets a single field from its string representation.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration fields accept "30s" style values
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server addr must be set when the server is enabled")
	}

	if c.Engine.Checkpoint.CompressionThreshold < 0 {
		errs = append(errs, "compression_threshold must not be negative")
	}
	if c.Engine.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry max_attempts must not be negative")
	}
	if c.Engine.Retry.BackoffFactor < 1 {
		errs = append(errs, "retry backoff_factor must be at least 1")
	}
	if c.Engine.Retry.Jitter < 0 || c.Engine.Retry.Jitter > 1 {
		errs = append(errs, "retry jitter must be between 0 and 1")
	}
	if c.Engine.Breaker.Enabled {
		if c.Engine.Breaker.FailureThreshold <= 0 {
			errs = append(errs, "breaker failure_threshold must be positive")
		}
		if c.Engine.Breaker.Window <= 0 {
			errs = append(errs, "breaker window must be positive")
		}
		if c.Engine.Breaker.Cooldown <= 0 {
			errs = append(errs, "breaker cooldown must be positive")
		}
		if c.Engine.Breaker.HalfOpenProbes <= 0 {
			errs = append(errs, "breaker half_open_probes must be positive")
		}
		if c.Engine.Breaker.HalfOpenSuccesses <= 0 {
			errs = append(errs, "breaker half_open_successes must be positive")
		}
	}
	if c.Engine.GC.Enabled && c.Engine.GC.Interval <= 0 {
		errs = append(errs, "gc interval must be positive when gc is enabled")
	}
	if c.Engine.GC.MaxAge < 0 {
		errs = append(errs, "gc max_age must not be negative")
	}
	if c.Engine.GC.MaxCount < 0 {
		errs = append(errs, "gc max_count must not be negative")
	}
	if c.Engine.GC.RatePerSecond < 0 {
		errs = append(errs, "gc rate_per_second must not be negative")
	}

	switch c.Storage.Type {
	case "memory", "file", "redis", "sql":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage type %q", c.Storage.Type))
	}
	if c.Storage.Type == "file" && c.Storage.Dir == "" {
		errs = append(errs, "storage dir must be set for the file backend")
	}
	if c.Storage.Type == "sql" && c.Storage.Database.EffectiveDSN() == "" {
		errs = append(errs, "database dsn or component fields must be set for the sql backend")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// EffectiveDSN returns the explicit DSN when set, otherwise the connection
// string built from the component fields.
func (d *DatabaseConfig) EffectiveDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return d.buildDSN()
}

func (d *DatabaseConfig) buildDSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// ToStoreConfig converts the storage section into a store configuration.
func (s *StorageConfig) ToStoreConfig() store.Config {
	return store.Config{
		Type:    store.StoreType(s.Type),
		BaseDir: s.Dir,
		Redis: store.RedisConfig{
			Host:      s.Redis.Host,
			Port:      s.Redis.Port,
			Password:  s.Redis.Password,
			DB:        s.Redis.DB,
			PoolSize:  s.Redis.PoolSize,
			KeyPrefix: s.Redis.KeyPrefix,
			TLS:       s.Redis.TLS,
		},
		Database: store.DatabaseConfig{
			Driver:          s.Database.Driver,
			DSN:             s.Database.EffectiveDSN(),
			MaxIdleConns:    s.Database.MaxIdleConns,
			MaxOpenConns:    s.Database.MaxOpenConns,
			ConnMaxLifetime: s.Database.ConnMaxLifetime,
			AutoMigrate:     s.Database.AutoMigrate,
		},
	}
}
