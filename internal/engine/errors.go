package engine

import (
	"fmt"

	"agentkyc/internal/domain"
)

// ValidationError reports malformed input. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError reports a pair missing from the allowed-transitions table.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// ConflictError means the stored status no longer matched the caller's read.
// Callers should re-fetch and decide again.
type ConflictError struct {
	ApplicationID string
	Expected      domain.Status
	Actual        domain.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("status already changed (expected %s)", e.Expected)
}

// DependencyError wraps a failure of an external collaborator (email, counts) that blocked
// the operation.
type DependencyError struct {
	Op  string
	Err error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e DependencyError) Unwrap() error { return e.Err }

// HandleError wraps a failure to allocate a unique handle.
type HandleError struct {
	Err error
}

func (e *HandleError) Error() string { return "handle allocation: " + e.Err.Error() }

func (e *HandleError) Unwrap() error { return e.Err }
