package orchestrator

import "errors"

// Error taxonomy surfaced to callers. Definition and execution lookups reuse
// the sentinel errors of pkg/definitions and pkg/persistence; lock timeouts
// surface pkg/lock.ErrExecutionLocked.
var (
	// ErrExecutionAlreadyTerminal indicates a resume or cancel against a
	// finished execution.
	ErrExecutionAlreadyTerminal = errors.New("execution already terminal")

	// ErrStageExhausted indicates a stage failed after its whole retry
	// budget, or its circuit breaker opened.
	ErrStageExhausted = errors.New("stage exhausted retry budget")

	// ErrCompensationFailed indicates the rollback itself could not complete.
	// This is the one condition escalated to a human operator, never
	// silently retried.
	ErrCompensationFailed = errors.New("compensation incomplete, manual reconciliation required")

	// ErrInvalidStage indicates a malformed stage spec, a configuration
	// error that is neither retried nor compensated.
	ErrInvalidStage = errors.New("invalid stage configuration")
)
