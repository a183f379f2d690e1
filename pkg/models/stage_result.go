package models

// ErrorKind classifies stage failures so operators can tell a dead target
// from a target that keeps returning bad data.
type ErrorKind string

const (
	// ErrorKindTransient covers transport failures and 5xx responses that
	// the retry loop absorbs.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindTimeout marks an attempt that exceeded its timeout.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindCircuitOpen marks a fail-fast rejection by an open breaker.
	ErrorKindCircuitOpen ErrorKind = "circuit_open"
	// ErrorKindRemote marks an agent that answered but reported failure.
	ErrorKindRemote ErrorKind = "remote"
	// ErrorKindCancelled marks an attempt interrupted by cancellation.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// StageError is the structured error carried by a failed stage result.
type StageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *StageError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// StageResult is the outcome of one stage's attempt sequence. It is created
// once, immutable after creation, and appended to the execution's completed
// stages on success.
type StageResult struct {
	StageName  string         `json:"stage_name"`
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *StageError    `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Attempts   int            `json:"attempts"`
}

// RollbackStepFailure identifies a compensation step that exhausted its own
// retry budget during rollback.
type RollbackStepFailure struct {
	StageName string      `json:"stage_name"`
	Error     *StageError `json:"error,omitempty"`
}

// RollbackResult reports what a best-effort rollback managed to undo.
type RollbackResult struct {
	ExecutionID    string                `json:"execution_id"`
	AttemptedSteps []string              `json:"attempted_steps,omitempty"`
	FailedSteps    []RollbackStepFailure `json:"failed_steps,omitempty"`
}

// Clean reports whether every attempted compensation succeeded.
func (r *RollbackResult) Clean() bool {
	return len(r.FailedSteps) == 0
}
