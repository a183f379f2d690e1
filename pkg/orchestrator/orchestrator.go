// Package orchestrator drives a workflow execution through its stage
// pipeline: load-or-create under the execution's advisory lock, run stages
// sequentially with retry and circuit breaking, persist every transition,
// and trigger saga compensation on unrecoverable failure.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valueflows/conductor/pkg/audit"
	"github.com/valueflows/conductor/pkg/compensation"
	"github.com/valueflows/conductor/pkg/definitions"
	"github.com/valueflows/conductor/pkg/eventbus"
	"github.com/valueflows/conductor/pkg/events"
	"github.com/valueflows/conductor/pkg/executor"
	"github.com/valueflows/conductor/pkg/lock"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/otelhelper"
	"github.com/valueflows/conductor/pkg/persistence"
	"github.com/valueflows/conductor/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultLockTimeout = 10 * time.Second

// Orchestrator is the top-level controller. It holds no per-execution state:
// every entry point takes the execution ID, acquires that execution's
// advisory lock, and reloads the record from the store before touching it.
type Orchestrator struct {
	registry    *definitions.Registry
	store       persistence.Persistence
	locks       lock.Manager
	executor    *executor.StageExecutor
	compensator *compensation.Manager
	recorder    *audit.Recorder
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	lockTimeout time.Duration
	now         func() time.Time
}

// Config carries the orchestrator's collaborators. Publisher and Tracer are
// optional.
type Config struct {
	Registry    *definitions.Registry
	Store       persistence.Persistence
	Locks       lock.Manager
	Executor    *executor.StageExecutor
	Compensator *compensation.Manager
	Recorder    *audit.Recorder
	Publisher   eventbus.EventPublisher
	Logger      *slog.Logger
	Tracer      trace.Tracer
	LockTimeout time.Duration
}

// New wires an orchestrator.
func New(cfg Config) *Orchestrator {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	return &Orchestrator{
		registry:    cfg.Registry,
		store:       cfg.Store,
		locks:       cfg.Locks,
		executor:    cfg.Executor,
		compensator: cfg.Compensator,
		recorder:    cfg.Recorder,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger.With("module", "orchestrator"),
		tracer:      tracer,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// Prepare validates the request and persists a new pending execution without
// running it. Start uses it for the synchronous path; the API uses it
// directly for the async path, where a worker picks the execution up from
// the bus.
func (o *Orchestrator) Prepare(
	ctx context.Context,
	definitionID string,
	initialContext map[string]any,
) (*models.WorkflowExecution, error) {
	definition, err := o.registry.Get(definitionID)
	if err != nil {
		return nil, err
	}

	err = o.registry.ValidateContext(definitionID, initialContext)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	execution := &models.WorkflowExecution{
		ID:           uuid.New().String(),
		DefinitionID: definition.ID,
		Status:       models.ExecutionStatusPending,
		Context:      initialContext,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if timeout := definition.ExecutionTimeout(); timeout > 0 {
		deadline := now.Add(timeout)
		execution.Deadline = &deadline
	}

	err = o.store.CreateExecution(ctx, execution)
	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "Created execution",
		"execution_id", execution.ID,
		"definition_id", definitionID,
	)

	return execution, nil
}

// Start creates a new execution and runs it to a terminal state. The
// execution ID is returned even when the run ends in failure; the error then
// classifies the failure (ErrStageExhausted, ErrCompensationFailed).
func (o *Orchestrator) Start(
	ctx context.Context,
	definitionID string,
	initialContext map[string]any,
) (string, error) {
	execution, err := o.Prepare(ctx, definitionID, initialContext)
	if err != nil {
		return "", err
	}

	_, err = o.execute(ctx, execution.ID)

	return execution.ID, err
}

// Resume continues an execution from its persisted position: pending and
// running executions advance stages, stage_failed and compensating ones
// re-enter the rollback path.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return o.execute(ctx, executionID)
}

// Cancel requests cancellation. The flag is written directly to the store so
// it lands while the execution's lock is held by the running worker; that
// worker observes it at its next between-stage checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	err := o.store.RequestCancel(ctx, executionID)
	if persistence.IsExecutionTerminal(err) {
		return fmt.Errorf("%w: %s", ErrExecutionAlreadyTerminal, executionID)
	}

	return err
}

// GetStatus returns a read-only snapshot; it never mutates and is safe to
// call concurrently with a running execution.
func (o *Orchestrator) GetStatus(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return o.store.ExecutionByID(ctx, executionID)
}

// AuditTrail returns the execution's ordered audit records.
func (o *Orchestrator) AuditTrail(ctx context.Context, executionID string) ([]*models.AuditRecord, error) {
	return o.recorder.Trail(ctx, executionID)
}

// execute is the single write path: acquire the advisory lock, reload the
// latest persisted state, and advance the execution to its next stopping
// point. In-memory state never outlives the call.
func (o *Orchestrator) execute(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.execute",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
	)
	defer span.End()

	lease, err := o.locks.Acquire(ctx, executionID, o.lockTimeout)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	defer func() {
		releaseErr := lease.Release(context.WithoutCancel(ctx))
		if releaseErr != nil {
			o.logger.ErrorContext(ctx, "Failed to release execution lock",
				"execution_id", executionID,
				"error", releaseErr,
			)
		}
	}()

	execution, err := o.store.ExecutionByID(ctx, executionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if execution.Status.Terminal() {
		return execution, fmt.Errorf("%w: %s is %s", ErrExecutionAlreadyTerminal, executionID, execution.Status)
	}

	definition, err := o.registry.Get(execution.DefinitionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.DefinitionIDKey, definition.ID))

	switch execution.Status {
	case models.ExecutionStatusStageFailed, models.ExecutionStatusCompensating:
		// Interrupted before or during rollback; re-enter it.
		stageErr := &models.StageError{
			Kind:    models.ErrorKindTransient,
			Message: execution.ErrorMessage,
		}

		return execution, o.compensate(ctx, definition, execution, stageErr)
	default:
		return o.advance(ctx, definition, execution)
	}
}

// advance runs stages from the execution's current index until completion,
// failure, cancellation, or deadline.
func (o *Orchestrator) advance(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	execution *models.WorkflowExecution,
) (*models.WorkflowExecution, error) {
	if execution.Status == models.ExecutionStatusPending {
		execution.Status = models.ExecutionStatusRunning
		execution.UpdatedAt = o.now().UTC()

		err := o.store.SaveExecution(ctx, execution)
		if err != nil {
			return nil, err
		}
	}

	for idx := execution.CurrentStageIndex; idx < len(definition.Stages); idx++ {
		stage := definition.Stages[idx]

		interrupted, reason, err := o.checkpoint(ctx, execution)
		if err != nil {
			return nil, err
		}

		if interrupted {
			// The interrupt lands on the stage that would have run next;
			// no stage_started precedes this stage_failed.
			return execution, o.failStage(ctx, definition, execution, stage.Name, &models.StageError{
				Kind:    models.ErrorKindCancelled,
				Message: reason,
			}, false)
		}

		_, err = o.recorder.Record(ctx, execution.ID, models.AuditStageStarted, map[string]any{
			"stage": stage.Name,
			"agent": stage.Agent,
			"index": idx,
		})
		if err != nil {
			return nil, err
		}

		result, err := o.runStage(ctx, definition, stage, execution)
		if err != nil {
			// Malformed stage spec: a configuration error, failed
			// immediately without retry or compensation.
			return execution, o.failConfiguration(ctx, execution, stage.Name, err)
		}

		execution.RecordAttempts(stage.Name, result.Attempts)

		if !result.Success {
			return execution, o.failStage(ctx, definition, execution, stage.Name, result.Error, true)
		}

		execution.CompletedStages = append(execution.CompletedStages, *result)
		execution.MergeOutput(result.Output)
		execution.CurrentStageIndex = idx + 1
		execution.UpdatedAt = o.now().UTC()

		err = o.store.SaveExecution(ctx, execution)
		if err != nil {
			return nil, err
		}

		_, err = o.recorder.Record(ctx, execution.ID, models.AuditStageSucceeded, map[string]any{
			"stage":       stage.Name,
			"attempts":    result.Attempts,
			"duration_ms": result.DurationMs,
		})
		if err != nil {
			return nil, err
		}
	}

	return execution, o.complete(ctx, execution)
}

func (o *Orchestrator) runStage(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	stage models.StageSpec,
	execution *models.WorkflowExecution,
) (*models.StageResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.stage",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StageNameKey, stage.Name),
		attribute.String(otelhelper.StageAgentKey, stage.Agent),
	)
	defer span.End()

	policy := retry.NewPolicy(definition.StageRetry(stage))

	result, err := o.executor.Run(ctx, stage, policy, execution.ID, execution.Context)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("%w: %v", ErrInvalidStage, err)
	}

	return result, nil
}

// checkpoint reloads the cancellation flag and checks the whole-execution
// deadline between stages. Cancel writes bypass the advisory lock, so the
// in-memory record is refreshed from the store here.
func (o *Orchestrator) checkpoint(ctx context.Context, execution *models.WorkflowExecution) (bool, string, error) {
	fresh, err := o.store.ExecutionByID(ctx, execution.ID)
	if err != nil {
		return false, "", err
	}

	execution.CancelRequested = fresh.CancelRequested

	if execution.CancelRequested {
		return true, "cancellation requested", nil
	}

	if execution.Overdue(o.now()) {
		return true, "execution timeout budget exceeded", nil
	}

	return false, "", nil
}

func (o *Orchestrator) complete(ctx context.Context, execution *models.WorkflowExecution) error {
	now := o.now().UTC()
	execution.Status = models.ExecutionStatusCompleted
	execution.UpdatedAt = now
	execution.CompletedAt = &now

	err := o.store.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	_, err = o.recorder.Record(ctx, execution.ID, models.AuditExecutionCompleted, map[string]any{
		"stages": len(execution.CompletedStages),
	})
	if err != nil {
		return err
	}

	o.publish(ctx, execution.ID, events.ExecutionCompleted{
		BaseEvent: o.baseEvent(events.ExecutionCompletedEvent, execution),
		Duration:  now.Sub(execution.CreatedAt),
	})

	o.logger.InfoContext(ctx, "Execution completed",
		"execution_id", execution.ID,
		"stages", len(execution.CompletedStages),
	)

	return nil
}

// failStage records the stage failure and hands the execution to the
// compensation path. started=false marks an interrupt (cancellation,
// deadline) observed at the checkpoint, before the stage ever ran.
func (o *Orchestrator) failStage(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	execution *models.WorkflowExecution,
	stageName string,
	stageErr *models.StageError,
	started bool,
) error {
	execution.Status = models.ExecutionStatusStageFailed
	execution.ErrorMessage = fmt.Sprintf("stage %s: %s", stageName, stageErr.Error())
	execution.UpdatedAt = o.now().UTC()

	err := o.store.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"stage":      stageName,
		"error_kind": string(stageErr.Kind),
		"error":      stageErr.Message,
		"attempts":   execution.StageAttempts[stageName],
	}
	if !started {
		payload["started"] = false
	}

	_, err = o.recorder.Record(ctx, execution.ID, models.AuditStageFailed, payload)
	if err != nil {
		return err
	}

	return o.compensate(ctx, definition, execution, stageErr)
}

// failConfiguration terminates an execution over a malformed stage spec:
// immediately, without compensation.
func (o *Orchestrator) failConfiguration(
	ctx context.Context,
	execution *models.WorkflowExecution,
	stageName string,
	cause error,
) error {
	now := o.now().UTC()
	execution.Status = models.ExecutionStatusFailed
	execution.ErrorMessage = cause.Error()
	execution.UpdatedAt = now
	execution.CompletedAt = &now

	err := o.store.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	_, err = o.recorder.Record(ctx, execution.ID, models.AuditExecutionFailed, map[string]any{
		"stage":  stageName,
		"error":  cause.Error(),
		"status": string(execution.Status),
	})
	if err != nil {
		return err
	}

	o.publish(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent: o.baseEvent(events.ExecutionFailedEvent, execution),
		Status:    execution.Status,
		Error:     execution.ErrorMessage,
	})

	return cause
}

// compensate runs the rollback and settles the terminal status: compensated
// when every step succeeded, failed when there was nothing to undo, and
// failed_compensation_incomplete when any step could not be rolled back.
func (o *Orchestrator) compensate(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	execution *models.WorkflowExecution,
	cause *models.StageError,
) error {
	execution.Status = models.ExecutionStatusCompensating
	execution.UpdatedAt = o.now().UTC()

	err := o.store.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	rollback, err := o.compensator.Rollback(ctx, definition, execution)
	if err != nil {
		return err
	}

	now := o.now().UTC()

	switch {
	case len(rollback.AttemptedSteps) == 0:
		execution.Status = models.ExecutionStatusFailed
	case rollback.Clean():
		execution.Status = models.ExecutionStatusCompensated
	default:
		execution.Status = models.ExecutionStatusCompensationIncomplete
	}

	execution.UpdatedAt = now
	execution.CompletedAt = &now

	err = o.store.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	failedSteps := make([]string, 0, len(rollback.FailedSteps))
	for _, step := range rollback.FailedSteps {
		failedSteps = append(failedSteps, step.StageName)
	}

	_, err = o.recorder.Record(ctx, execution.ID, models.AuditExecutionFailed, map[string]any{
		"error_kind":      string(cause.Kind),
		"error":           cause.Message,
		"status":          string(execution.Status),
		"rollback_steps":  rollback.AttemptedSteps,
		"rollback_failed": failedSteps,
	})
	if err != nil {
		return err
	}

	o.publish(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent: o.baseEvent(events.ExecutionFailedEvent, execution),
		Status:    execution.Status,
		Error:     execution.ErrorMessage,
		Rollback:  rollback,
	})

	o.logger.WarnContext(ctx, "Execution failed",
		"execution_id", execution.ID,
		"status", string(execution.Status),
		"error", execution.ErrorMessage,
	)

	if !rollback.Clean() {
		return fmt.Errorf("%w: steps %v", ErrCompensationFailed, failedSteps)
	}

	return fmt.Errorf("%w: %s", ErrStageExhausted, execution.ErrorMessage)
}

func (o *Orchestrator) baseEvent(eventType events.EventType, execution *models.WorkflowExecution) events.BaseEvent {
	return events.BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    o.now().UTC(),
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
	}
}

func (o *Orchestrator) publish(ctx context.Context, key string, event eventbus.Event) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.Publish(ctx, key, event)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", string(event.GetType()),
			"error", err,
		)
	}
}
