// Package audit records the immutable per-execution audit trail. Every state
// transition of an execution produces exactly one record: durably appended
// first, then mirrored onto the event bus for external reporting.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valueflows/conductor/pkg/eventbus"
	"github.com/valueflows/conductor/pkg/events"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/persistence"
)

// Recorder appends audit records through the persistence layer and publishes
// them on the bus. The durable append is the system of record; a publish
// failure is logged and dropped, never propagated into the workflow.
type Recorder struct {
	store     persistence.Persistence
	publisher eventbus.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder wires a recorder. The publisher may be nil when no bus is
// configured.
func NewRecorder(store persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:     store,
		publisher: publisher,
		logger:    logger.With("module", "audit"),
		now:       time.Now,
	}
}

// Record appends one audit record for an execution. The store assigns the
// per-execution sequence number under the caller's advisory lock, keeping
// the sequence strictly increasing and gapless.
func (r *Recorder) Record(
	ctx context.Context,
	executionID string,
	eventType models.AuditEventType,
	payload map[string]any,
) (*models.AuditRecord, error) {
	record := &models.AuditRecord{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   r.now().UTC(),
	}

	err := r.store.AppendAuditRecord(ctx, record)
	if err != nil {
		return nil, err
	}

	if r.publisher != nil {
		publishErr := r.publisher.Publish(ctx, executionID, events.AuditRecorded{
			BaseEvent: events.BaseEvent{
				ID:          record.ID,
				Type:        events.AuditRecordedEvent,
				Timestamp:   record.Timestamp,
				ExecutionID: executionID,
			},
			Record: record,
		})
		if publishErr != nil {
			r.logger.ErrorContext(ctx, "Failed to publish audit record",
				"execution_id", executionID,
				"event_type", eventType,
				"error", publishErr,
			)
		}
	}

	return record, nil
}

// Trail returns the execution's audit records in sequence order.
func (r *Recorder) Trail(ctx context.Context, executionID string) ([]*models.AuditRecord, error) {
	return r.store.AuditTrail(ctx, executionID)
}
