// Package executor runs a single stage against its agent, applying the
// per-attempt timeout, the retry policy, and the target's circuit breaker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valueflows/conductor/pkg/agent"
	"github.com/valueflows/conductor/pkg/breaker"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/retry"
)

// ErrInvalidStageSpec marks a malformed stage spec. This is the only error
// Run returns: ordinary remote failures surface as a StageResult with
// Success=false, never as an error.
var ErrInvalidStageSpec = errors.New("invalid stage spec")

// StageExecutor invokes one remote agent per stage. It holds no per-execution
// state; everything mutable arrives as parameters, so one executor serves all
// concurrent executions.
type StageExecutor struct {
	invoker  agent.Invoker
	breakers *breaker.Registry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewStageExecutor wires an executor over an agent invoker and a breaker
// registry.
func NewStageExecutor(invoker agent.Invoker, breakers *breaker.Registry, logger *slog.Logger) *StageExecutor {
	return &StageExecutor{
		invoker:  invoker,
		breakers: breakers,
		logger:   logger.With("module", "stage_executor"),
		sleep:    sleepContext,
	}
}

// WithSleep replaces the backoff sleep, letting tests run without waiting.
func (e *StageExecutor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *StageExecutor {
	e.sleep = sleep

	return e
}

// Run executes one stage attempt sequence. The circuit breaker is consulted
// before every attempt: a rejection does not consume a retry attempt and
// ends the loop with a circuit_open result. Each attempt outcome feeds the
// breaker.
func (e *StageExecutor) Run(
	ctx context.Context,
	stage models.StageSpec,
	policy *retry.Policy,
	executionID string,
	execContext map[string]any,
) (*models.StageResult, error) {
	if stage.Name == "" || stage.Agent == "" {
		return nil, fmt.Errorf("%w: name and agent are required", ErrInvalidStageSpec)
	}

	if stage.AttemptTimeoutMs <= 0 {
		return nil, fmt.Errorf("%w: attempt timeout must be positive", ErrInvalidStageSpec)
	}

	if policy == nil || policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: retry policy requires at least one attempt", ErrInvalidStageSpec)
	}

	logger := e.logger.With(
		"stage", stage.Name,
		"agent", stage.Agent,
		"execution_id", executionID,
	)
	b := e.breakers.Get(stage.Agent)
	started := time.Now()

	var lastErr *models.StageError

	attempts := 0

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if !b.Allow() {
			logger.WarnContext(ctx, "Circuit breaker open, failing fast", "attempts", attempts)

			return e.failure(stage, started, attempts, &models.StageError{
				Kind:    models.ErrorKindCircuitOpen,
				Message: fmt.Sprintf("circuit breaker open for agent %s", stage.Agent),
			}), nil
		}

		if attempt > 0 {
			delay := policy.NextDelay(attempt - 1)
			logger.InfoContext(ctx, "Backing off before retry", "attempt", attempt+1, "delay", delay)

			err := e.sleep(ctx, delay)
			if err != nil {
				return e.failure(stage, started, attempts, &models.StageError{
					Kind:    models.ErrorKindCancelled,
					Message: err.Error(),
				}), nil
			}
		}

		attempts++

		resp, stageErr := e.attempt(ctx, stage, executionID, execContext)
		if stageErr == nil {
			b.RecordSuccess()
			logger.InfoContext(ctx, "Stage succeeded", "attempts", attempts)

			return &models.StageResult{
				StageName:  stage.Name,
				Success:    true,
				Output:     resp.Output,
				DurationMs: time.Since(started).Milliseconds(),
				Attempts:   attempts,
			}, nil
		}

		b.RecordFailure()

		lastErr = stageErr
		logger.WarnContext(ctx, "Stage attempt failed",
			"attempt", attempts,
			"kind", stageErr.Kind,
			"error", stageErr.Message,
		)

		if ctx.Err() != nil {
			return e.failure(stage, started, attempts, &models.StageError{
				Kind:    models.ErrorKindCancelled,
				Message: ctx.Err().Error(),
			}), nil
		}
	}

	logger.WarnContext(ctx, "Retry budget exhausted", "attempts", attempts)

	return e.failure(stage, started, attempts, lastErr), nil
}

// attempt issues a single bounded call and classifies its outcome.
func (e *StageExecutor) attempt(
	ctx context.Context,
	stage models.StageSpec,
	executionID string,
	execContext map[string]any,
) (*agent.StageResponse, *models.StageError) {
	attemptCtx, cancel := context.WithTimeout(ctx, stage.AttemptTimeout())
	defer cancel()

	resp, err := e.invoker.Invoke(attemptCtx, stage.Agent, agent.StageRequest{
		StageName:   stage.Name,
		ExecutionID: executionID,
		Context:     execContext,
	})

	switch {
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, &models.StageError{
			Kind:    models.ErrorKindTimeout,
			Message: fmt.Sprintf("attempt exceeded %s timeout", stage.AttemptTimeout()),
		}
	case err != nil:
		return nil, &models.StageError{
			Kind:    models.ErrorKindTransient,
			Message: err.Error(),
		}
	case !resp.Success:
		stageErr := resp.Error
		if stageErr == nil {
			stageErr = &models.StageError{
				Kind:    models.ErrorKindRemote,
				Message: "agent reported failure with no error detail",
			}
		}

		return nil, stageErr
	default:
		return resp, nil
	}
}

func (e *StageExecutor) failure(
	stage models.StageSpec,
	started time.Time,
	attempts int,
	stageErr *models.StageError,
) *models.StageResult {
	if stageErr == nil {
		stageErr = &models.StageError{
			Kind:    models.ErrorKindTransient,
			Message: "stage failed with no recorded error",
		}
	}

	return &models.StageResult{
		StageName:  stage.Name,
		Success:    false,
		Error:      stageErr,
		DurationMs: time.Since(started).Milliseconds(),
		Attempts:   attempts,
	}
}

// sleepContext parks the calling goroutine without blocking other
// executions; it returns early when the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
