// Package stepflow provides a top-level convenience entry point for creating
// a checkpoint-and-retry reliability engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stepflow"
//
//	sys, err := stepflow.New()                                // in-memory storage
//	sys, err := stepflow.New(stepflow.WithFile("./checkpoints"))
//	sys, err := stepflow.New(stepflow.WithRedis("localhost:6379"))
//
// This is a thin wrapper around [quick.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package stepflow

import (
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/quick"
)

// Option configures the engine created by [New].
type Option = quick.Option

// New creates an [engine.System] with minimal configuration. Storage
// defaults to in-memory; pass [WithFile], [WithRedis] or [WithSQL] for
// durability across restarts.
func New(opts ...Option) (*engine.System, error) {
	return quick.New(opts...)
}

// Re-export storage shortcuts so callers never need to import quick/.

// WithConfig sets a full configuration.
var WithConfig = quick.WithConfig

// WithStore sets a pre-built checkpoint store. The caller keeps ownership.
var WithStore = quick.WithStore

// WithMemory keeps checkpoints in process memory (the default).
var WithMemory = quick.WithMemory

// WithFile persists checkpoints as JSON files under the given directory.
var WithFile = quick.WithFile

// WithRedis persists checkpoints in Redis. Password from STEPFLOW_STORAGE_REDIS_PASSWORD env.
var WithRedis = quick.WithRedis

// WithRedisPassword overrides the password used by WithRedis.
var WithRedisPassword = quick.WithRedisPassword

// WithSQL persists checkpoints in a relational database.
var WithSQL = quick.WithSQL

// WithGC enables the background cleanup loop.
var WithGC = quick.WithGC

// WithRetry tunes the default retry budget.
var WithRetry = quick.WithRetry

// WithLogger sets a custom zap logger.
var WithLogger = quick.WithLogger
