// Package persistence provides the storage abstraction consumed by the
// orchestrator: workflow execution records and the append-only audit trail.
package persistence

import (
	"context"
	"time"

	"github.com/valueflows/conductor/pkg/models"
)

// Persistence is the narrow contract every storage backend implements.
//
// SaveExecution is a full-record overwrite keyed by execution ID and must be
// called only while the caller holds that execution's advisory lock.
// Backends reject writes to records already in a terminal status: the
// "terminal is terminal" invariant is enforced at the storage boundary, not
// just in orchestrator logic. AppendAuditRecord is insert-only; backends
// assign the per-execution sequence number and never update or delete
// existing records.
type Persistence interface {
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error)
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error

	// RequestCancel flips the cancellation flag on a non-terminal execution
	// without requiring the advisory lock; the running orchestrator observes
	// the flag at its next between-stage checkpoint.
	RequestCancel(ctx context.Context, executionID string) error

	// OverdueExecutions lists running executions whose whole-execution
	// deadline passed before asOf.
	OverdueExecutions(ctx context.Context, asOf time.Time) ([]string, error)

	AppendAuditRecord(ctx context.Context, record *models.AuditRecord) error
	AuditTrail(ctx context.Context, executionID string) ([]*models.AuditRecord, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
