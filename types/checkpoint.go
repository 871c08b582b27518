// Package types defines the core data model of the stepflow engine:
// step and task checkpoints, their lifecycle statuses, and the
// structured error carried by failed steps.
package types

import (
	"encoding/json"
	"time"
)

// StepStatus is the lifecycle status of a step checkpoint record.
type StepStatus string

const (
	StepStatusCreated   StepStatus = "created"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"

	// Reserved for future lifecycle states; no engine path assigns them.
	StepStatusActive    StepStatus = "active"
	StepStatusAbandoned StepStatus = "abandoned"
)

// TaskStatus is the lifecycle status of a task checkpoint record.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsInterrupted returns true if the task was left mid-flight and is a
// candidate for resumption.
func (s TaskStatus) IsInterrupted() bool {
	return s == TaskStatusRunning || s == TaskStatusPaused
}

// CanTransitionTo reports whether the status machine permits moving from
// s to next. running and paused form the only bidirectional edge; every
// other edge is monotone.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusPaused || next == TaskStatusCompleted ||
			next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusPaused:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	default:
		return false
	}
}

// StepMetadata carries timing, retry, and error details for one step
// checkpoint.
type StepMetadata struct {
	// CreatedAt is when the checkpoint record was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last modified
	UpdatedAt time.Time `json:"updated_at"`

	// Duration is how long the step's final attempt ran
	Duration time.Duration `json:"duration"`

	// Elapsed is cumulative time since the owning task started
	Elapsed time.Duration `json:"elapsed"`

	// RetryCount is the number of retries consumed before this outcome
	RetryCount int `json:"retry_count"`

	// IsRetry marks checkpoints produced after at least one retry
	IsRetry bool `json:"is_retry"`

	// Error is the structured failure, nil on success
	Error *StepError `json:"error,omitempty"`

	// Tags are free-form labels attached by the caller
	Tags []string `json:"tags,omitempty"`

	// Custom holds caller-defined fields
	Custom map[string]any `json:"custom,omitempty"`
}

// StepCheckpoint is the durable record of one step's terminal attempt
// outcome. Records are immutable after creation; only later compression
// by garbage collection may rewrite the payload fields.
type StepCheckpoint struct {
	// ID uniquely identifies the checkpoint; ids sort roughly by creation time
	ID string `json:"id"`

	// ParentID links to the previous checkpoint in the same task ("" for the first)
	ParentID string `json:"parent_id,omitempty"`

	// TaskID is the owning task
	TaskID string `json:"task_id"`

	// StepIndex is the 0-based position of the step within the task
	StepIndex int `json:"step_index"`

	// StepName is the human-readable step identifier
	StepName string `json:"step_name"`

	// Input, Output, and Context hold JSON payloads, or gzip bytes when
	// IsCompressed is set. Output is nil for failed steps.
	Input   []byte `json:"input,omitempty"`
	Output  []byte `json:"output,omitempty"`
	Context []byte `json:"context,omitempty"`

	// Status is the outcome recorded for this attempt
	Status StepStatus `json:"status"`

	// Metadata carries timing, retry, and error details
	Metadata StepMetadata `json:"metadata"`

	// IsCompressed marks payload fields as gzip-compressed
	IsCompressed bool `json:"is_compressed"`

	// Checksum is the integrity digest of {input, output, context},
	// computed before any compression
	Checksum string `json:"checksum"`
}

// Clone returns a deep copy safe to hand out across store boundaries.
func (c *StepCheckpoint) Clone() *StepCheckpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Input = append([]byte(nil), c.Input...)
	cp.Output = append([]byte(nil), c.Output...)
	cp.Context = append([]byte(nil), c.Context...)
	cp.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	if c.Metadata.Custom != nil {
		cp.Metadata.Custom = make(map[string]any, len(c.Metadata.Custom))
		for k, v := range c.Metadata.Custom {
			cp.Metadata.Custom[k] = v
		}
	}
	if c.Metadata.Error != nil {
		e := *c.Metadata.Error
		cp.Metadata.Error = &e
	}
	return &cp
}

// UnmarshalInput decodes the input payload into v. The payload must be
// uncompressed; the checkpoint manager decompresses on read.
func (c *StepCheckpoint) UnmarshalInput(v any) error {
	return unmarshalField(c.Input, v)
}

// UnmarshalOutput decodes the output payload into v.
func (c *StepCheckpoint) UnmarshalOutput(v any) error {
	return unmarshalField(c.Output, v)
}

// UnmarshalContext decodes the context payload into v.
func (c *StepCheckpoint) UnmarshalContext(v any) error {
	return unmarshalField(c.Context, v)
}

func unmarshalField(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// TaskCheckpoint is the aggregate record for one task: lifecycle status,
// step history, and the latest task-level context.
type TaskCheckpoint struct {
	// ID uniquely identifies the task
	ID string `json:"id"`

	// Name is the human-readable task name
	Name string `json:"name"`

	// Description is optional free text
	Description string `json:"description,omitempty"`

	// Status is the task lifecycle state
	Status TaskStatus `json:"status"`

	// CurrentStepIndex is the index of the last recorded step, -1 before
	// the first step completes. Resuming from an earlier checkpoint may
	// rewind it.
	CurrentStepIndex int `json:"current_step_index"`

	// TotalSteps is the planned number of steps
	TotalSteps int `json:"total_steps"`

	// StepCheckpoints lists step checkpoint ids in execution order.
	// Re-executed steps append fresh entries, so the list keeps the full
	// history rather than one entry per index.
	StepCheckpoints []string `json:"step_checkpoints"`

	// Context is the latest task-level state as JSON
	Context []byte `json:"context,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TotalRetries accumulates retries across all steps
	TotalRetries int `json:"total_retries"`

	// WasResumed and ResumedFromCheckpointID record recovery provenance;
	// both are set exactly once, at the first resume.
	WasResumed              bool   `json:"was_resumed"`
	ResumedFromCheckpointID string `json:"resumed_from_checkpoint_id,omitempty"`
}

// Clone returns a deep copy safe to hand out across store boundaries.
func (t *TaskCheckpoint) Clone() *TaskCheckpoint {
	if t == nil {
		return nil
	}
	cp := *t
	cp.StepCheckpoints = append([]string(nil), t.StepCheckpoints...)
	cp.Context = append([]byte(nil), t.Context...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// UnmarshalContext decodes the task context into v.
func (t *TaskCheckpoint) UnmarshalContext(v any) error {
	return unmarshalField(t.Context, v)
}
