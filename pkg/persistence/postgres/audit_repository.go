package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/valueflows/conductor/pkg/models"
)

// AuditRepository handles the append-only audit trail. The table itself
// refuses UPDATE and DELETE via a trigger, so this repository only ever
// inserts and reads.
type AuditRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *sql.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// Append inserts one record, assigning the next per-execution sequence
// number. The caller holds the execution's advisory lock, so the
// MAX(sequence_number)+1 read cannot race another writer for the same
// execution; the unique constraint backstops that assumption.
func (ar *AuditRepository) Append(ctx context.Context, record *models.AuditRecord) error {
	payload := record.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO audit_records (id, execution_id, sequence_number, event_type, payload, timestamp)
		SELECT $1, $2, COALESCE(MAX(sequence_number), 0) + 1, $3, $4, $5
		FROM audit_records
		WHERE execution_id = $2
		RETURNING sequence_number
	`

	err = ar.db.QueryRowContext(ctx, query,
		record.ID,
		record.ExecutionID,
		record.EventType,
		payloadJSON,
		record.Timestamp,
	).Scan(&record.SequenceNumber)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	return nil
}

// Trail returns an execution's audit records ordered by sequence number.
func (ar *AuditRepository) Trail(ctx context.Context, executionID string) ([]*models.AuditRecord, error) {
	query := `
		SELECT id, execution_id, sequence_number, event_type, payload, timestamp
		FROM audit_records
		WHERE execution_id = $1
		ORDER BY sequence_number
	`

	rows, err := ar.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			ar.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var records []*models.AuditRecord

	for rows.Next() {
		var (
			record      models.AuditRecord
			payloadJSON []byte
		)

		err := rows.Scan(
			&record.ID,
			&record.ExecutionID,
			&record.SequenceNumber,
			&record.EventType,
			&payloadJSON,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		err = json.Unmarshal(payloadJSON, &record.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit payload: %w", err)
		}

		records = append(records, &record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate audit trail: %w", err)
	}

	return records, nil
}
