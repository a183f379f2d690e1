// Package models defines the core domain models for staged workflow orchestration.
package models

import (
	"encoding/json"
	"time"
)

// RetryConfig bounds the retry loop for a stage or compensation action.
// Delays follow min(MaxDelayMs, BaseDelayMs*2^attempt) plus a random jitter
// up to MaxJitterMs.
type RetryConfig struct {
	MaxAttempts int   `json:"max_attempts" validate:"required,min=1"`
	BaseDelayMs int64 `json:"base_delay_ms" validate:"min=0"`
	MaxDelayMs  int64 `json:"max_delay_ms" validate:"min=0"`
	MaxJitterMs int64 `json:"max_jitter_ms" validate:"min=0"`
}

// StageSpec describes one stage of a workflow definition: which agent runs
// it, how long a single attempt may take, how it is retried, and which agent
// undoes it during rollback (empty means the stage has no compensation).
type StageSpec struct {
	Name             string       `json:"name"               validate:"required,min=1"`
	Agent            string       `json:"agent"              validate:"required,min=1"`
	Compensation     string       `json:"compensation,omitempty"`
	AttemptTimeoutMs int64        `json:"attempt_timeout_ms" validate:"required,min=1"`
	Retry            *RetryConfig `json:"retry,omitempty"`
}

// AttemptTimeout returns the per-attempt timeout as a duration.
func (s StageSpec) AttemptTimeout() time.Duration {
	return time.Duration(s.AttemptTimeoutMs) * time.Millisecond
}

// WorkflowDefinition is the immutable description of a stage pipeline.
// Definitions are created at deploy time and never mutated while executions
// run against them.
type WorkflowDefinition struct {
	ID                 string          `json:"id"          validate:"required,min=1"`
	Name               string          `json:"name"        validate:"required,min=3"`
	Description        string          `json:"description"`
	Stages             []StageSpec     `json:"stages"      validate:"required,min=1,dive"`
	Retry              RetryConfig     `json:"retry"` // default for stages without their own
	ExecutionTimeoutMs int64           `json:"execution_timeout_ms" validate:"min=0"`
	ContextSchema      json.RawMessage `json:"context_schema,omitempty"`
}

// ExecutionTimeout returns the whole-execution budget, or zero when the
// definition does not bound total runtime.
func (d *WorkflowDefinition) ExecutionTimeout() time.Duration {
	return time.Duration(d.ExecutionTimeoutMs) * time.Millisecond
}

// StageByName returns the stage spec with the given name.
func (d *WorkflowDefinition) StageByName(name string) (StageSpec, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}

	return StageSpec{}, false
}

// StageRetry resolves the retry configuration for a stage, falling back to
// the definition default.
func (d *WorkflowDefinition) StageRetry(s StageSpec) RetryConfig {
	if s.Retry != nil {
		return *s.Retry
	}

	return d.Retry
}
