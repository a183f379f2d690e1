// Package compensation runs the saga rollback: compensating actions for
// completed stages, in reverse order, best-effort.
package compensation

import (
	"context"
	"log/slog"

	"github.com/valueflows/conductor/pkg/executor"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/retry"
)

// Recorder is the slice of the audit recorder the manager needs.
type Recorder interface {
	Record(ctx context.Context, executionID string, eventType models.AuditEventType, payload map[string]any) (*models.AuditRecord, error)
}

// Manager walks an execution's completed stages backwards and invokes each
// stage's compensation agent with the stage's recorded output. A step that
// exhausts its retry budget is reported, not fatal: remaining steps still
// run, so a single broken compensation never leaves unrelated side effects
// unreverted.
type Manager struct {
	executor *executor.StageExecutor
	recorder Recorder
	logger   *slog.Logger
}

// NewManager wires a compensation manager over the shared stage executor.
func NewManager(stageExecutor *executor.StageExecutor, recorder Recorder, logger *slog.Logger) *Manager {
	return &Manager{
		executor: stageExecutor,
		recorder: recorder,
		logger:   logger.With("module", "compensation"),
	}
}

// Rollback compensates every completed stage that declares a compensation
// action. It returns the set of steps that could not be rolled back; the
// audit trail carries one compensation_step record per attempt.
func (m *Manager) Rollback(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	execution *models.WorkflowExecution,
) (*models.RollbackResult, error) {
	result := &models.RollbackResult{ExecutionID: execution.ID}

	_, err := m.recorder.Record(ctx, execution.ID, models.AuditCompensationStarted, map[string]any{
		"completed_stages": len(execution.CompletedStages),
	})
	if err != nil {
		return nil, err
	}

	for i := len(execution.CompletedStages) - 1; i >= 0; i-- {
		completed := execution.CompletedStages[i]

		stage, found := definition.StageByName(completed.StageName)
		if !found || stage.Compensation == "" {
			continue
		}

		stepResult := m.compensate(ctx, definition, stage, execution.ID, completed)
		result.AttemptedSteps = append(result.AttemptedSteps, completed.StageName)

		payload := map[string]any{
			"stage":    completed.StageName,
			"agent":    stage.Compensation,
			"success":  stepResult.Success,
			"attempts": stepResult.Attempts,
		}
		if stepResult.Error != nil {
			payload["error_kind"] = string(stepResult.Error.Kind)
			payload["error"] = stepResult.Error.Message
		}

		_, err := m.recorder.Record(ctx, execution.ID, models.AuditCompensationStep, payload)
		if err != nil {
			return nil, err
		}

		if !stepResult.Success {
			result.FailedSteps = append(result.FailedSteps, models.RollbackStepFailure{
				StageName: completed.StageName,
				Error:     stepResult.Error,
			})
		}
	}

	m.logger.InfoContext(ctx, "Rollback finished",
		"execution_id", execution.ID,
		"attempted", len(result.AttemptedSteps),
		"failed", len(result.FailedSteps),
	)

	return result, nil
}

// compensate runs one compensating action through the stage executor, so
// compensations get the same retry and circuit-breaker treatment as forward
// stages.
func (m *Manager) compensate(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	stage models.StageSpec,
	executionID string,
	completed models.StageResult,
) *models.StageResult {
	compSpec := models.StageSpec{
		Name:             stage.Name + ":compensate",
		Agent:            stage.Compensation,
		AttemptTimeoutMs: stage.AttemptTimeoutMs,
		Retry:            stage.Retry,
	}

	policy := retry.NewPolicy(definition.StageRetry(stage))

	result, err := m.executor.Run(ctx, compSpec, policy, executionID, completed.Output)
	if err != nil {
		// Only reachable through a malformed spec; report it as a failed
		// step rather than aborting the remaining rollback.
		return &models.StageResult{
			StageName: compSpec.Name,
			Success:   false,
			Error: &models.StageError{
				Kind:    models.ErrorKindRemote,
				Message: err.Error(),
			},
		}
	}

	return result
}
