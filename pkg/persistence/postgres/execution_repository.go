package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/persistence"
)

// ExecutionRepository handles workflow execution rows.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts a new execution row.
func (er *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	completedStagesJSON, contextJSON, attemptsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	query := `
		INSERT INTO workflow_executions (
			id, definition_id, status, current_stage_index, completed_stages,
			context, stage_attempts, cancel_requested, error_message, deadline,
			created_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		execution.DefinitionID,
		execution.Status,
		execution.CurrentStageIndex,
		completedStagesJSON,
		contextJSON,
		attemptsJSON,
		execution.CancelRequested,
		execution.ErrorMessage,
		execution.Deadline,
		execution.CreatedAt,
		execution.UpdatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

// GetByID loads one execution row.
func (er *ExecutionRepository) GetByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	query := `
		SELECT id, definition_id, status, current_stage_index, completed_stages,
			   context, stage_attempts, cancel_requested, error_message, deadline,
			   created_at, updated_at, completed_at
		FROM workflow_executions
		WHERE id = $1
	`

	row := er.db.QueryRowContext(ctx, query, executionID)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("Load", executionID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Load", executionID, err)
	}

	return execution, nil
}

// Save performs a full-record overwrite. The WHERE clause refuses to touch a
// row whose stored status is already terminal, so the invariant holds even
// if a caller races the orchestrator. cancel_requested is monotonic: a save
// carrying a stale false cannot clear a flag set concurrently by Cancel.
func (er *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	completedStagesJSON, contextJSON, attemptsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	query := `
		UPDATE workflow_executions SET
			status = $2,
			current_stage_index = $3,
			completed_stages = $4,
			context = $5,
			stage_attempts = $6,
			cancel_requested = cancel_requested OR $7,
			error_message = $8,
			deadline = $9,
			updated_at = $10,
			completed_at = $11
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'compensated', 'failed_compensation_incomplete')
	`

	result, err := er.db.ExecContext(ctx, query,
		execution.ID,
		execution.Status,
		execution.CurrentStageIndex,
		completedStagesJSON,
		contextJSON,
		attemptsJSON,
		execution.CancelRequested,
		execution.ErrorMessage,
		execution.Deadline,
		execution.UpdatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	if affected == 0 {
		return er.classifyMissedWrite(ctx, "Save", execution.ID)
	}

	return nil
}

// RequestCancel sets cancel_requested without requiring the advisory lock;
// the flag only ever goes from false to true, so the write is safe next to a
// concurrent full-record save.
func (er *ExecutionRepository) RequestCancel(ctx context.Context, executionID string) error {
	query := `
		UPDATE workflow_executions SET
			cancel_requested = TRUE,
			updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'compensated', 'failed_compensation_incomplete')
	`

	result, err := er.db.ExecContext(ctx, query, executionID)
	if err != nil {
		return persistence.NewExecutionError("RequestCancel", executionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("RequestCancel", executionID, err)
	}

	if affected == 0 {
		return er.classifyMissedWrite(ctx, "RequestCancel", executionID)
	}

	return nil
}

// Overdue lists running executions whose deadline passed before asOf.
func (er *ExecutionRepository) Overdue(ctx context.Context, asOf time.Time) ([]string, error) {
	query := `
		SELECT id FROM workflow_executions
		WHERE status = 'running' AND deadline IS NOT NULL AND deadline < $1
		ORDER BY deadline
	`

	rows, err := er.db.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			er.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var ids []string

	for rows.Next() {
		var id string

		err := rows.Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue execution: %w", err)
		}

		ids = append(ids, id)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate overdue executions: %w", err)
	}

	return ids, nil
}

// classifyMissedWrite distinguishes "row missing" from "row terminal" after
// an UPDATE matched nothing.
func (er *ExecutionRepository) classifyMissedWrite(ctx context.Context, op, executionID string) error {
	var status string

	err := er.db.QueryRowContext(ctx,
		"SELECT status FROM workflow_executions WHERE id = $1", executionID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewExecutionError(op, executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return persistence.NewExecutionError(op, executionID, err)
	}

	return persistence.NewExecutionError(op, executionID, persistence.ErrExecutionTerminal)
}

func marshalExecutionFields(execution *models.WorkflowExecution) ([]byte, []byte, []byte, error) {
	completedStages := execution.CompletedStages
	if completedStages == nil {
		completedStages = []models.StageResult{}
	}

	completedStagesJSON, err := json.Marshal(completedStages)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal completed stages: %w", err)
	}

	execContext := execution.Context
	if execContext == nil {
		execContext = map[string]any{}
	}

	contextJSON, err := json.Marshal(execContext)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	attempts := execution.StageAttempts
	if attempts == nil {
		attempts = map[string]int{}
	}

	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal stage attempts: %w", err)
	}

	return completedStagesJSON, contextJSON, attemptsJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var (
		execution           models.WorkflowExecution
		completedStagesJSON []byte
		contextJSON         []byte
		attemptsJSON        []byte
		deadline            sql.NullTime
		completedAt         sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.DefinitionID,
		&execution.Status,
		&execution.CurrentStageIndex,
		&completedStagesJSON,
		&contextJSON,
		&attemptsJSON,
		&execution.CancelRequested,
		&execution.ErrorMessage,
		&deadline,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(completedStagesJSON, &execution.CompletedStages)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed stages: %w", err)
	}

	err = json.Unmarshal(contextJSON, &execution.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	err = json.Unmarshal(attemptsJSON, &execution.StageAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage attempts: %w", err)
	}

	if deadline.Valid {
		execution.Deadline = &deadline.Time
	}

	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	return &execution, nil
}

// isUniqueViolation checks for the postgres unique_violation SQLSTATE.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}
