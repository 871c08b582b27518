package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a step failure for retry-policy selection.
type ErrorKind string

const (
	// ErrorKindNetwork covers transient connectivity failures
	ErrorKindNetwork ErrorKind = "network"

	// ErrorKindLogic covers programming errors; retrying cannot succeed
	ErrorKindLogic ErrorKind = "logic"

	// ErrorKindTimeout covers operations that exceeded a deadline
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindValidation covers malformed input; retrying cannot succeed
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindPermission covers authorization failures, typically
	// recoverable after one credential refresh
	ErrorKindPermission ErrorKind = "permission"

	// ErrorKindUnknown is the fallback when no heuristic matches
	ErrorKindUnknown ErrorKind = "unknown"
)

// Valid reports whether k is one of the defined kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindNetwork, ErrorKindLogic, ErrorKindTimeout,
		ErrorKindValidation, ErrorKindPermission, ErrorKindUnknown:
		return true
	}
	return false
}

// StepError is the structured failure recorded on a failed step
// checkpoint. It wraps the underlying cause when one is available.
type StepError struct {
	// Kind is the classified error category
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable failure description
	Message string `json:"message"`

	// Code is an optional machine-readable identifier
	Code string `json:"code,omitempty"`

	// Stack is an optional captured stack trace
	Stack string `json:"stack,omitempty"`

	cause error
}

// NewStepError creates a StepError with the given kind and message.
func NewStepError(kind ErrorKind, message string) *StepError {
	return &StepError{Kind: kind, Message: message}
}

// StepErrorFrom wraps err as a StepError of the given kind, preserving
// the original error as the unwrap target. Existing StepErrors pass
// through unchanged.
func StepErrorFrom(err error, kind ErrorKind) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{Kind: kind, Message: err.Error(), cause: err}
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *StepError) Unwrap() error {
	return e.cause
}

// WithCode sets the machine-readable code and returns e for chaining.
func (e *StepError) WithCode(code string) *StepError {
	e.Code = code
	return e
}

// WithStack records a stack trace and returns e for chaining.
func (e *StepError) WithStack(stack string) *StepError {
	e.Stack = stack
	return e
}

// WithCause sets the unwrap target and returns e for chaining.
func (e *StepError) WithCause(err error) *StepError {
	e.cause = err
	return e
}

// Retryable reports whether the kind's default policy allows retries.
func (e *StepError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ErrorKindLogic, ErrorKindValidation:
		return false
	}
	return true
}
