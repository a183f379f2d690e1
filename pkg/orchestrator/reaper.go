package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/valueflows/conductor/pkg/lock"
	"github.com/valueflows/conductor/pkg/persistence"
)

const defaultReaperSchedule = "@every 30s"

// Reaper periodically sweeps executions whose deadline has passed and drives
// them into the failure path. A worker interrupted mid-execution leaves a
// running record behind; once its deadline lapses the reaper picks it up,
// flags cancellation, and resumes it so compensation runs.
type Reaper struct {
	orchestrator *Orchestrator
	store        persistence.Persistence
	logger       *slog.Logger
	schedule     string
	cron         *cron.Cron
}

func NewReaper(orchestrator *Orchestrator, store persistence.Persistence, logger *slog.Logger) *Reaper {
	return &Reaper{
		orchestrator: orchestrator,
		store:        store,
		logger:       logger.With("module", "reaper"),
		schedule:     defaultReaperSchedule,
	}
}

// WithSchedule overrides the sweep cadence, cron spec or @every syntax.
func (r *Reaper) WithSchedule(schedule string) *Reaper {
	r.schedule = schedule

	return r
}

// Start schedules the sweep. It returns after registering the cron entry;
// sweeps run on the cron's own goroutine until Stop.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()

	_, err := r.cron.AddFunc(r.schedule, func() {
		r.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	r.cron.Start()
	r.logger.InfoContext(ctx, "Deadline reaper started", "schedule", r.schedule)

	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}

	<-r.cron.Stop().Done()
}

// Sweep runs one pass over overdue executions. Executions currently held by
// a live worker are skipped; that worker observes the deadline at its own
// between-stage checkpoint.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.orchestrator.now()

	overdue, err := r.store.OverdueExecutions(ctx, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list overdue executions", "error", err)

		return
	}

	for _, executionID := range overdue {
		r.reap(ctx, executionID)
	}
}

func (r *Reaper) reap(ctx context.Context, executionID string) {
	err := r.orchestrator.Cancel(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrExecutionAlreadyTerminal) {
			return
		}

		r.logger.ErrorContext(ctx, "Failed to flag overdue execution",
			"execution_id", executionID,
			"error", err,
		)

		return
	}

	_, err = r.orchestrator.Resume(ctx, executionID)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrExecutionLocked):
			// A live worker holds it; its next checkpoint handles the deadline.
		case errors.Is(err, ErrStageExhausted), errors.Is(err, ErrCompensationFailed):
			r.logger.WarnContext(ctx, "Reaped overdue execution",
				"execution_id", executionID,
				"error", err,
			)
		case errors.Is(err, ErrExecutionAlreadyTerminal):
		default:
			r.logger.ErrorContext(ctx, "Failed to reap overdue execution",
				"execution_id", executionID,
				"error", err,
			)
		}
	}
}
