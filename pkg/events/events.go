// Package events defines the event types published on the bus for execution
// lifecycle notifications and audit record fan-out.
package events

import (
	"time"

	"github.com/valueflows/conductor/pkg/models"
)

type EventType string

// Kafka topics.
const ExecutionTopic = "conductor.executions" // execution lifecycle events
const AuditTopic = "conductor.audit.records"  // one message per audit record

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionRequestedEvent EventType = "execution.requested"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"

	// Audit trail fan-out.
	AuditRecordedEvent EventType = "audit.recorded"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	ExecutionID  string         `json:"execution_id"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ExecutionRequested asks a worker to pick up a pending execution.
type ExecutionRequested struct {
	BaseEvent
}

func (e ExecutionRequested) GetType() EventType {
	return ExecutionRequestedEvent
}

// ExecutionCompleted announces a cleanly finished execution.
type ExecutionCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// ExecutionFailed announces a terminally failed execution, including the
// rollback summary when compensation ran.
type ExecutionFailed struct {
	BaseEvent

	Status   models.ExecutionStatus `json:"status"`
	Error    string                 `json:"error,omitempty"`
	Rollback *models.RollbackResult `json:"rollback,omitempty"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// AuditRecorded mirrors one durably appended audit record onto the bus for
// external reporting consumers.
type AuditRecorded struct {
	BaseEvent

	Record *models.AuditRecord `json:"record"`
}

func (e AuditRecorded) GetType() EventType {
	return AuditRecordedEvent
}
