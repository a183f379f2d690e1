// Package postgres provides the PostgreSQL persistence backend for workflow
// executions and the audit trail.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer on PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	executionRepo *ExecutionRepository
	auditRepo     *AuditRepository
}

// NewPersistence opens the database, runs migrations, and wires the
// repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		executionRepo: NewExecutionRepository(database, logger),
		auditRepo:     NewAuditRepository(database, logger),
	}, nil
}

// DB exposes the underlying pool so the advisory lock manager can share it.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

// CreateExecution stores a new execution record.
func (p *Persistence) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	return p.executionRepo.Create(ctx, execution)
}

// ExecutionByID loads an execution by ID.
func (p *Persistence) ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return p.executionRepo.GetByID(ctx, executionID)
}

// SaveExecution overwrites an execution record, rejecting terminal rows.
func (p *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	return p.executionRepo.Save(ctx, execution)
}

// RequestCancel flips the cancellation flag on a non-terminal execution.
func (p *Persistence) RequestCancel(ctx context.Context, executionID string) error {
	return p.executionRepo.RequestCancel(ctx, executionID)
}

// OverdueExecutions lists running executions past their deadline.
func (p *Persistence) OverdueExecutions(ctx context.Context, asOf time.Time) ([]string, error) {
	return p.executionRepo.Overdue(ctx, asOf)
}

// AppendAuditRecord appends one audit record, assigning its sequence number.
func (p *Persistence) AppendAuditRecord(ctx context.Context, record *models.AuditRecord) error {
	return p.auditRepo.Append(ctx, record)
}

// AuditTrail returns an execution's audit records in sequence order.
func (p *Persistence) AuditTrail(ctx context.Context, executionID string) ([]*models.AuditRecord, error) {
	return p.auditRepo.Trail(ctx, executionID)
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
