package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// Error Classifier
// =============================================================================

// Classifier maps an operation error to an ErrorKind. The kind only
// selects the retry config; a misclassification never changes the
// success or failure of the operation itself.
type Classifier interface {
	Classify(err error) types.ErrorKind
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(err error) types.ErrorKind

func (f ClassifierFunc) Classify(err error) types.ErrorKind { return f(err) }

// Substring tables for the heuristic classifier. Matching runs on the
// lowercased error text in a fixed order: timeout, network, logic,
// validation, permission. Logic precedes validation so runtime panic
// text ("invalid memory address") does not land in validation via its
// "invalid" keyword.
var (
	timeoutMarkers = []string{
		"timeout", "timed out", "deadline exceeded",
	}
	networkMarkers = []string{
		"connection refused", "connection reset", "no such host",
		"broken pipe", "network is unreachable", "dial tcp", "dns",
		"unexpected eof",
	}
	logicMarkers = []string{
		"nil pointer", "index out of range", "divide by zero",
		"runtime error", "not implemented", "assertion failed",
	}
	validationMarkers = []string{
		"validation", "invalid", "malformed", "schema", "missing required",
	}
	permissionMarkers = []string{
		"permission denied", "unauthorized", "forbidden", "access denied",
		"authentication failed",
	}
)

// DefaultClassifier returns the built-in heuristic classifier.
func DefaultClassifier() Classifier {
	return ClassifierFunc(classifyError)
}

// classifyError applies typed checks first, then the substring tables.
func classifyError(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorKindUnknown
	}

	// An already-classified StepError keeps its kind.
	var stepErr *types.StepError
	if errors.As(err, &stepErr) && stepErr.Kind.Valid() {
		return stepErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.ErrorKindTimeout
		}
		return types.ErrorKindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, timeoutMarkers):
		return types.ErrorKindTimeout
	case containsAny(msg, networkMarkers):
		return types.ErrorKindNetwork
	case containsAny(msg, logicMarkers):
		return types.ErrorKindLogic
	case containsAny(msg, validationMarkers):
		return types.ErrorKindValidation
	case containsAny(msg, permissionMarkers):
		return types.ErrorKindPermission
	default:
		return types.ErrorKindUnknown
	}
}

func containsAny(msg string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
