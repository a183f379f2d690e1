// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all backends use.
var (
	// ErrExecutionNotFound indicates no execution exists for the given ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates a create collided with an existing ID.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrExecutionTerminal indicates a write was rejected because the stored
	// record is already in a terminal status.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrAuditAppendOnly indicates an attempted mutation of the audit trail.
	ErrAuditAppendOnly = errors.New("audit records are append-only")
)

// ExecutionError wraps execution-store errors with operation context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Save", "Load")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates an execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsExecutionNotFound checks whether an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsExecutionTerminal checks whether an error indicates a rejected write to
// a terminal record.
func IsExecutionTerminal(err error) bool {
	return errors.Is(err, ErrExecutionTerminal)
}
