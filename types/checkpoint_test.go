package types

import (
	"errors"
	"testing"
	"time"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"pending to running", TaskStatusPending, TaskStatusRunning, true},
		{"pending to cancelled", TaskStatusPending, TaskStatusCancelled, true},
		{"pending to paused", TaskStatusPending, TaskStatusPaused, false},
		{"pending to completed", TaskStatusPending, TaskStatusCompleted, false},
		{"running to paused", TaskStatusRunning, TaskStatusPaused, true},
		{"running to completed", TaskStatusRunning, TaskStatusCompleted, true},
		{"running to failed", TaskStatusRunning, TaskStatusFailed, true},
		{"running to cancelled", TaskStatusRunning, TaskStatusCancelled, true},
		{"running to pending", TaskStatusRunning, TaskStatusPending, false},
		{"paused to running", TaskStatusPaused, TaskStatusRunning, true},
		{"paused to cancelled", TaskStatusPaused, TaskStatusCancelled, true},
		{"paused to completed", TaskStatusPaused, TaskStatusCompleted, false},
		{"completed is terminal", TaskStatusCompleted, TaskStatusRunning, false},
		{"failed is terminal", TaskStatusFailed, TaskStatusRunning, false},
		{"cancelled is terminal", TaskStatusCancelled, TaskStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTaskStatusPredicates(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsInterrupted() {
			t.Errorf("%s should not be interrupted", s)
		}
	}

	interrupted := []TaskStatus{TaskStatusRunning, TaskStatusPaused}
	for _, s := range interrupted {
		if !s.IsInterrupted() {
			t.Errorf("%s should be interrupted", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	if TaskStatusPending.IsTerminal() || TaskStatusPending.IsInterrupted() {
		t.Error("pending should be neither terminal nor interrupted")
	}
}

func TestStepCheckpointClone(t *testing.T) {
	orig := &StepCheckpoint{
		ID:       "step_1",
		TaskID:   "task_1",
		StepName: "fetch",
		Input:    []byte(`{"url":"https://example.com"}`),
		Output:   []byte(`{"ok":true}`),
		Status:   StepStatusCompleted,
		Metadata: StepMetadata{
			CreatedAt: time.Now(),
			Tags:      []string{"batch"},
			Custom:    map[string]any{"attempt": 1},
			Error:     NewStepError(ErrorKindNetwork, "flaky"),
		},
	}

	clone := orig.Clone()
	clone.Input[0] = 'X'
	clone.Metadata.Tags[0] = "changed"
	clone.Metadata.Custom["attempt"] = 2
	clone.Metadata.Error.Message = "rewritten"

	if orig.Input[0] == 'X' {
		t.Error("clone shares input bytes with original")
	}
	if orig.Metadata.Tags[0] != "batch" {
		t.Error("clone shares tags with original")
	}
	if orig.Metadata.Custom["attempt"] != 1 {
		t.Error("clone shares custom map with original")
	}
	if orig.Metadata.Error.Message != "flaky" {
		t.Error("clone shares error with original")
	}
}

func TestTaskCheckpointClone(t *testing.T) {
	started := time.Now()
	orig := &TaskCheckpoint{
		ID:              "task_1",
		Name:            "ingest",
		Status:          TaskStatusRunning,
		StepCheckpoints: []string{"a", "b"},
		Context:         []byte(`{"cursor":10}`),
		StartedAt:       &started,
	}

	clone := orig.Clone()
	clone.StepCheckpoints[0] = "z"
	clone.Context[0] = 'X'
	*clone.StartedAt = started.Add(time.Hour)

	if orig.StepCheckpoints[0] != "a" {
		t.Error("clone shares step id list with original")
	}
	if orig.Context[0] == 'X' {
		t.Error("clone shares context bytes with original")
	}
	if !orig.StartedAt.Equal(started) {
		t.Error("clone shares StartedAt with original")
	}
}

func TestUnmarshalHelpers(t *testing.T) {
	cp := &StepCheckpoint{
		Input:  []byte(`{"n":42}`),
		Output: []byte(`"done"`),
	}

	var in struct {
		N int `json:"n"`
	}
	if err := cp.UnmarshalInput(&in); err != nil {
		t.Fatalf("UnmarshalInput failed: %v", err)
	}
	if in.N != 42 {
		t.Errorf("input n = %d, want 42", in.N)
	}

	var out string
	if err := cp.UnmarshalOutput(&out); err != nil {
		t.Fatalf("UnmarshalOutput failed: %v", err)
	}
	if out != "done" {
		t.Errorf("output = %q, want done", out)
	}

	// Empty payloads decode to nothing without error.
	empty := &StepCheckpoint{}
	var v any
	if err := empty.UnmarshalContext(&v); err != nil {
		t.Errorf("empty context should not error: %v", err)
	}
	if v != nil {
		t.Errorf("empty context decoded to %v", v)
	}
}

func TestStepError(t *testing.T) {
	t.Run("formatting", func(t *testing.T) {
		e := NewStepError(ErrorKindTimeout, "deadline exceeded")
		if got := e.Error(); got != "[timeout] deadline exceeded" {
			t.Errorf("Error() = %q", got)
		}
		e.WithCode("E_SLOW")
		if got := e.Error(); got != "[timeout/E_SLOW] deadline exceeded" {
			t.Errorf("Error() with code = %q", got)
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		cause := errors.New("socket closed")
		e := StepErrorFrom(cause, ErrorKindNetwork)
		if !errors.Is(e, cause) {
			t.Error("StepErrorFrom should wrap the cause")
		}
	})

	t.Run("passthrough", func(t *testing.T) {
		orig := NewStepError(ErrorKindValidation, "bad field")
		wrapped := StepErrorFrom(orig, ErrorKindUnknown)
		if wrapped != orig {
			t.Error("existing StepError should pass through unchanged")
		}
		if wrapped.Kind != ErrorKindValidation {
			t.Errorf("kind = %s, want validation", wrapped.Kind)
		}
	})

	t.Run("retryable", func(t *testing.T) {
		if NewStepError(ErrorKindLogic, "nil deref").Retryable() {
			t.Error("logic errors should not be retryable")
		}
		if NewStepError(ErrorKindValidation, "bad schema").Retryable() {
			t.Error("validation errors should not be retryable")
		}
		if !NewStepError(ErrorKindNetwork, "refused").Retryable() {
			t.Error("network errors should be retryable")
		}
	})

	t.Run("nil from nil", func(t *testing.T) {
		if StepErrorFrom(nil, ErrorKindUnknown) != nil {
			t.Error("StepErrorFrom(nil) should be nil")
		}
	})
}

func TestErrorKindValid(t *testing.T) {
	for _, k := range []ErrorKind{
		ErrorKindNetwork, ErrorKindLogic, ErrorKindTimeout,
		ErrorKindValidation, ErrorKindPermission, ErrorKindUnknown,
	} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if ErrorKind("disk").Valid() {
		t.Error("undefined kind should be invalid")
	}
}
