package memory

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/persistence"
)

func testStore() *Persistence {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewPersistence(logger)
}

func testExecution(id string) *models.WorkflowExecution {
	now := time.Now().UTC()

	return &models.WorkflowExecution{
		ID:           id,
		DefinitionID: "value-realization",
		Status:       models.ExecutionStatusPending,
		Context:      map[string]any{"account_id": "acct-1"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPersistence_CreateAndLoad(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))

	loaded, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", loaded.ID)
	assert.Equal(t, models.ExecutionStatusPending, loaded.Status)
	assert.Equal(t, map[string]any{"account_id": "acct-1"}, loaded.Context)
}

func TestPersistence_CreateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))

	err := store.CreateExecution(ctx, testExecution("exec-1"))
	assert.ErrorIs(t, err, persistence.ErrExecutionAlreadyExists)
}

func TestPersistence_LoadUnknownExecution(t *testing.T) {
	store := testStore()

	_, err := store.ExecutionByID(context.Background(), "ghost")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestPersistence_LoadedSnapshotDoesNotAliasStore(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))

	first, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)

	first.Context["account_id"] = "mutated"
	first.Status = models.ExecutionStatusFailed

	second, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", second.Context["account_id"])
	assert.Equal(t, models.ExecutionStatusPending, second.Status)
}

func TestPersistence_SaveAdvancesState(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))

	execution, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)

	execution.Status = models.ExecutionStatusRunning
	execution.CurrentStageIndex = 1
	require.NoError(t, store.SaveExecution(ctx, execution))

	loaded, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, loaded.Status)
	assert.Equal(t, 1, loaded.CurrentStageIndex)
}

func TestPersistence_SaveAgainstTerminalRecordRejected(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))

	execution, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)

	execution.Status = models.ExecutionStatusCompleted
	require.NoError(t, store.SaveExecution(ctx, execution))

	// A stale writer holding the old snapshot cannot resurrect the record.
	execution.Status = models.ExecutionStatusRunning
	err = store.SaveExecution(ctx, execution)
	assert.True(t, persistence.IsExecutionTerminal(err))

	loaded, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, loaded.Status)
}

func TestPersistence_RequestCancel(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))
	require.NoError(t, store.RequestCancel(ctx, "exec-1"))

	loaded, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, loaded.CancelRequested)
}

func TestPersistence_SaveCannotClearCancelFlag(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))

	// Snapshot taken before the cancel request carries a stale false.
	stale, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)

	require.NoError(t, store.RequestCancel(ctx, "exec-1"))

	stale.Status = models.ExecutionStatusRunning
	require.NoError(t, store.SaveExecution(ctx, stale))

	loaded, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, loaded.CancelRequested)
	assert.Equal(t, models.ExecutionStatusRunning, loaded.Status)
}

func TestPersistence_RequestCancelTerminalRejected(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.CreateExecution(ctx, testExecution("exec-1")))

	execution, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	execution.Status = models.ExecutionStatusCompleted
	require.NoError(t, store.SaveExecution(ctx, execution))

	err = store.RequestCancel(ctx, "exec-1")
	assert.True(t, persistence.IsExecutionTerminal(err))
}

func TestPersistence_OverdueExecutions(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	overdueRunning := testExecution("exec-overdue")
	overdueRunning.Status = models.ExecutionStatusRunning
	overdueRunning.Deadline = &past

	withinBudget := testExecution("exec-ok")
	withinBudget.Status = models.ExecutionStatusRunning
	withinBudget.Deadline = &future

	overduePending := testExecution("exec-pending")
	overduePending.Deadline = &past

	require.NoError(t, store.CreateExecution(ctx, overdueRunning))
	require.NoError(t, store.CreateExecution(ctx, withinBudget))
	require.NoError(t, store.CreateExecution(ctx, overduePending))

	overdue, err := store.OverdueExecutions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-overdue"}, overdue)
}

func TestPersistence_AuditSequenceIsGaplessPerExecution(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	for range 3 {
		require.NoError(t, store.AppendAuditRecord(ctx, &models.AuditRecord{
			ID:          "r",
			ExecutionID: "exec-1",
			EventType:   models.AuditStageStarted,
		}))
	}

	require.NoError(t, store.AppendAuditRecord(ctx, &models.AuditRecord{
		ID:          "r",
		ExecutionID: "exec-2",
		EventType:   models.AuditStageStarted,
	}))

	trail, err := store.AuditTrail(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)

	for i, record := range trail {
		assert.Equal(t, i+1, record.SequenceNumber)
	}

	other, err := store.AuditTrail(ctx, "exec-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, 1, other[0].SequenceNumber)
}

func TestPersistence_AuditTrailPayloadsDoNotAliasStore(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	require.NoError(t, store.AppendAuditRecord(ctx, &models.AuditRecord{
		ID:          "r",
		ExecutionID: "exec-1",
		EventType:   models.AuditStageStarted,
		Payload:     map[string]any{"stage": "opportunity"},
	}))

	trail, err := store.AuditTrail(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)

	trail[0].Payload["stage"] = "tampered"

	reloaded, err := store.AuditTrail(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "opportunity", reloaded[0].Payload["stage"])
}

func TestPersistence_AuditTrailEmptyForUnknownExecution(t *testing.T) {
	store := testStore()

	trail, err := store.AuditTrail(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, trail)
}
