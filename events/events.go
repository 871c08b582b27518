package events

import "time"

// Type identifies an engine event.
type Type string

const (
	CheckpointCreated    Type = "checkpoint:created"
	CheckpointRestored   Type = "checkpoint:restored"
	CheckpointDeleted    Type = "checkpoint:deleted"
	CheckpointCompressed Type = "checkpoint:compressed"

	TaskStarted   Type = "task:started"
	TaskCompleted Type = "task:completed"
	TaskFailed    Type = "task:failed"
	TaskResumed   Type = "task:resumed"
	TaskPaused    Type = "task:paused"

	StepStarted   Type = "step:started"
	StepCompleted Type = "step:completed"
	StepFailed    Type = "step:failed"
	StepRetrying  Type = "step:retrying"

	CircuitOpened   Type = "circuit:opened"
	CircuitClosed   Type = "circuit:closed"
	CircuitHalfOpen Type = "circuit:half-open"
)

// Wildcard subscribes a handler to every event type.
const Wildcard Type = "*"

// Event is the payload delivered to subscribers. Fields beyond Type and
// Timestamp are populated when they apply to the event.
type Event struct {
	Type         Type           `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	TaskID       string         `json:"task_id,omitempty"`
	StepIndex    int            `json:"step_index,omitempty"`
	StepName     string         `json:"step_name,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine; a panicking handler is recovered and logged without
// affecting the emitter or other handlers.
type Handler func(Event)
