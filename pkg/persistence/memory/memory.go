// Package memory provides an in-memory persistence backend for tests and
// local development. It enforces the same terminal-is-terminal and
// append-only contracts as the durable backends.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/persistence"
)

// Persistence is a mutex-guarded in-memory store. Records are deep-copied on
// the way in and out so callers never share mutable state with the store.
type Persistence struct {
	logger *slog.Logger

	mu         sync.RWMutex
	executions map[string]*models.WorkflowExecution
	audit      map[string][]*models.AuditRecord
}

// NewPersistence creates an empty in-memory store.
func NewPersistence(logger *slog.Logger) *Persistence {
	return &Persistence{
		logger:     logger.With("module", "memory_persistence"),
		executions: make(map[string]*models.WorkflowExecution),
		audit:      make(map[string][]*models.AuditRecord),
	}
}

// CreateExecution stores a new execution record.
func (p *Persistence) CreateExecution(_ context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.executions[execution.ID]; exists {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	copied, err := copyExecution(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	p.executions[execution.ID] = copied

	return nil
}

// ExecutionByID returns a snapshot of the stored execution.
func (p *Persistence) ExecutionByID(_ context.Context, executionID string) (*models.WorkflowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stored, exists := p.executions[executionID]
	if !exists {
		return nil, persistence.NewExecutionError("Load", executionID, persistence.ErrExecutionNotFound)
	}

	copied, err := copyExecution(stored)
	if err != nil {
		return nil, persistence.NewExecutionError("Load", executionID, err)
	}

	return copied, nil
}

// SaveExecution overwrites the stored record. Writes against a record whose
// stored status is already terminal are rejected.
func (p *Persistence) SaveExecution(_ context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, exists := p.executions[execution.ID]
	if !exists {
		return persistence.NewExecutionError("Save", execution.ID, persistence.ErrExecutionNotFound)
	}

	if stored.Status.Terminal() {
		return persistence.NewExecutionError("Save", execution.ID, persistence.ErrExecutionTerminal)
	}

	copied, err := copyExecution(execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	// Cancel writes bypass the execution lock, so a save carrying a stale
	// false must not clear the flag.
	copied.CancelRequested = copied.CancelRequested || stored.CancelRequested

	p.executions[execution.ID] = copied

	return nil
}

// RequestCancel sets the cancellation flag on a non-terminal execution.
func (p *Persistence) RequestCancel(_ context.Context, executionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, exists := p.executions[executionID]
	if !exists {
		return persistence.NewExecutionError("RequestCancel", executionID, persistence.ErrExecutionNotFound)
	}

	if stored.Status.Terminal() {
		return persistence.NewExecutionError("RequestCancel", executionID, persistence.ErrExecutionTerminal)
	}

	stored.CancelRequested = true
	stored.UpdatedAt = time.Now().UTC()

	return nil
}

// OverdueExecutions lists running executions whose deadline passed.
func (p *Persistence) OverdueExecutions(_ context.Context, asOf time.Time) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var overdue []string

	for id, execution := range p.executions {
		if execution.Status == models.ExecutionStatusRunning && execution.Overdue(asOf) {
			overdue = append(overdue, id)
		}
	}

	sort.Strings(overdue)

	return overdue, nil
}

// AppendAuditRecord assigns the next sequence number and appends the record.
func (p *Persistence) AppendAuditRecord(_ context.Context, record *models.AuditRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	trail := p.audit[record.ExecutionID]
	record.SequenceNumber = len(trail) + 1

	copied := *record
	if record.Payload != nil {
		payload, err := copyPayload(record.Payload)
		if err != nil {
			return fmt.Errorf("failed to copy audit payload: %w", err)
		}

		copied.Payload = payload
	}

	p.audit[record.ExecutionID] = append(trail, &copied)

	return nil
}

// AuditTrail returns the execution's audit records in sequence order.
func (p *Persistence) AuditTrail(_ context.Context, executionID string) ([]*models.AuditRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	trail := p.audit[executionID]

	records := make([]*models.AuditRecord, len(trail))
	for i, record := range trail {
		copied := *record
		if record.Payload != nil {
			payload, err := copyPayload(record.Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to copy audit payload: %w", err)
			}

			copied.Payload = payload
		}

		records[i] = &copied
	}

	return records, nil
}

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// copyExecution round-trips through JSON so stored state never aliases
// caller-held maps.
func copyExecution(execution *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	raw, err := json.Marshal(execution)
	if err != nil {
		return nil, fmt.Errorf("failed to copy execution: %w", err)
	}

	var copied models.WorkflowExecution

	err = json.Unmarshal(raw, &copied)
	if err != nil {
		return nil, fmt.Errorf("failed to copy execution: %w", err)
	}

	return &copied, nil
}

func copyPayload(payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var copied map[string]any

	err = json.Unmarshal(raw, &copied)
	if err != nil {
		return nil, err
	}

	return copied, nil
}
