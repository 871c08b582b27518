// =============================================================================
// StepFlow Default Configuration
// =============================================================================
// Sensible defaults for every configuration section.
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Engine:    DefaultEngineConfig(),
		Storage:   DefaultStorageConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default operations server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:         true,
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Checkpoint: CheckpointConfig{
			CompressionThreshold: 10 * 1024,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        0.2,
		},
		Breaker: BreakerConfig{
			Enabled:           true,
			FailureThreshold:  5,
			Window:            60 * time.Second,
			Cooldown:          30 * time.Second,
			HalfOpenProbes:    3,
			HalfOpenSuccesses: 3,
		},
		GC: GCConfig{
			Enabled:       false,
			Interval:      time.Hour,
			MaxAge:        7 * 24 * time.Hour,
			MaxCount:      100,
			KeepCompleted: true,
			RatePerSecond: 0,
		},
	}
}

// DefaultStorageConfig returns the default storage configuration.
// The file backend persists checkpoints across process restarts, which
// is the point of a resumable engine.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Type:     "file",
		Dir:      "./data/checkpoints",
		Redis:    DefaultRedisConfig(),
		Database: DefaultDatabaseConfig(),
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:      "localhost",
		Port:      6379,
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "stepflow:",
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "stepflow",
		Password:        "",
		Name:            "stepflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    100,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stepflow",
		SampleRate:   0.1,
	}
}
