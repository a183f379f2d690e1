package models

import "time"

// AuditEventType is the closed set of audit trail event types.
type AuditEventType string

const (
	AuditStageStarted        AuditEventType = "stage_started"
	AuditStageSucceeded      AuditEventType = "stage_succeeded"
	AuditStageFailed         AuditEventType = "stage_failed"
	AuditCompensationStarted AuditEventType = "compensation_started"
	AuditCompensationStep    AuditEventType = "compensation_step"
	AuditExecutionCompleted  AuditEventType = "execution_completed"
	AuditExecutionFailed     AuditEventType = "execution_failed"
)

// AuditRecord is one immutable entry of an execution's audit trail. Records
// are append-only: no code path updates or deletes them, and the storage
// backends enforce the same contract on their side.
type AuditRecord struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	SequenceNumber int            `json:"sequence_number"`
	EventType      AuditEventType `json:"event_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
