package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/valueflows/conductor/pkg/eventbus"
	"github.com/valueflows/conductor/pkg/events"
	"github.com/valueflows/conductor/pkg/lock"
	"github.com/valueflows/conductor/pkg/orchestrator"
)

// WorkerManager consumes execution requests from the event bus and drives
// each one through the orchestrator. It also runs the deadline reaper.
type WorkerManager struct {
	id           string
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	eventBus     eventbus.EventBus
	reaper       *orchestrator.Reaper
}

func NewWorkerManager(
	id string,
	workflowOrchestrator *orchestrator.Orchestrator,
	eventBus eventbus.EventBus,
	reaper *orchestrator.Reaper,
	logger *slog.Logger,
) *WorkerManager {
	return &WorkerManager{
		id:           id,
		logger:       logger.With("module", "conductor-worker", "worker_id", id),
		orchestrator: workflowOrchestrator,
		eventBus:     eventBus,
		reaper:       reaper,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.eventBus.Handle(events.ExecutionRequestedEvent, w.handleExecutionRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	err = w.reaper.Start(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")
	w.reaper.Stop()

	return nil
}

func (w *WorkerManager) handleExecutionRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.ExecutionRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionRequested")

		return nil
	}

	logger := w.logger.With(
		"execution_id", requested.ExecutionID,
		"definition_id", requested.DefinitionID,
		"event_id", requested.ID,
	)
	logger.InfoContext(ctx, "Processing execution request")

	execution, err := w.orchestrator.Resume(ctx, requested.ExecutionID)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrExecutionLocked):
			// Another worker got there first; let it finish.
			return nil
		case errors.Is(err, orchestrator.ErrExecutionAlreadyTerminal):
			return nil
		case errors.Is(err, orchestrator.ErrStageExhausted),
			errors.Is(err, orchestrator.ErrCompensationFailed):
			logger.WarnContext(ctx, "Execution ended in failure",
				"status", string(execution.Status),
				"error", err,
			)

			return nil
		default:
			logger.ErrorContext(ctx, "Failed to execute workflow", "error", err)

			return err
		}
	}

	logger.InfoContext(ctx, "Execution finished", "status", string(execution.Status))

	return nil
}
