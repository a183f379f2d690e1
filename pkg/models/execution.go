package models

import (
	"maps"
	"time"
)

// ExecutionStatus is the closed set of workflow execution states.
type ExecutionStatus string

const (
	ExecutionStatusPending      ExecutionStatus = "pending"
	ExecutionStatusRunning      ExecutionStatus = "running"
	ExecutionStatusStageFailed  ExecutionStatus = "stage_failed"
	ExecutionStatusCompensating ExecutionStatus = "compensating"

	// Terminal states. A record in one of these is never mutated again;
	// corrective action requires a fresh execution.
	ExecutionStatusCompleted              ExecutionStatus = "completed"
	ExecutionStatusFailed                 ExecutionStatus = "failed"
	ExecutionStatusCompensated            ExecutionStatus = "compensated"
	ExecutionStatusCompensationIncomplete ExecutionStatus = "failed_compensation_incomplete"
)

// Terminal reports whether the status permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusCompensated, ExecutionStatusCompensationIncomplete:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusStageFailed,
		ExecutionStatusCompensating, ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusCompensated, ExecutionStatusCompensationIncomplete:
		return true
	default:
		return false
	}
}

// WorkflowExecution is the mutable unit of work. It is owned by whichever
// orchestrator currently holds the execution's advisory lock; every mutation
// flows through the state store under that lock.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	DefinitionID      string          `json:"definition_id"`
	Status            ExecutionStatus `json:"status"`
	CurrentStageIndex int             `json:"current_stage_index"`
	CompletedStages   []StageResult   `json:"completed_stages,omitempty"`
	Context           map[string]any  `json:"context,omitempty"`
	StageAttempts     map[string]int  `json:"stage_attempts,omitempty"`
	CancelRequested   bool            `json:"cancel_requested"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Deadline          *time.Time      `json:"deadline,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// MergeOutput folds a stage's output payload into the execution context.
// Stage keys overwrite earlier values.
func (e *WorkflowExecution) MergeOutput(output map[string]any) {
	if len(output) == 0 {
		return
	}

	if e.Context == nil {
		e.Context = make(map[string]any, len(output))
	}

	maps.Copy(e.Context, output)
}

// RecordAttempts tracks how many attempts a stage has consumed.
func (e *WorkflowExecution) RecordAttempts(stageName string, attempts int) {
	if e.StageAttempts == nil {
		e.StageAttempts = make(map[string]int)
	}

	e.StageAttempts[stageName] = attempts
}

// Overdue reports whether the whole-execution budget has been exceeded.
func (e *WorkflowExecution) Overdue(now time.Time) bool {
	return e.Deadline != nil && now.After(*e.Deadline)
}
