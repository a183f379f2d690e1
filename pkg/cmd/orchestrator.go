package cmd

import (
	"log/slog"

	"github.com/valueflows/conductor/pkg/agent"
	"github.com/valueflows/conductor/pkg/audit"
	"github.com/valueflows/conductor/pkg/breaker"
	"github.com/valueflows/conductor/pkg/compensation"
	"github.com/valueflows/conductor/pkg/definitions"
	"github.com/valueflows/conductor/pkg/eventbus"
	"github.com/valueflows/conductor/pkg/executor"
	"github.com/valueflows/conductor/pkg/lock"
	"github.com/valueflows/conductor/pkg/orchestrator"
	"github.com/valueflows/conductor/pkg/persistence"
	"go.opentelemetry.io/otel/trace"
)

// NewOrchestrator assembles the full execution stack shared by the API and
// worker binaries: HTTP invoker, per-target circuit breakers, stage
// executor, audit recorder, and compensation manager.
func NewOrchestrator(
	registry *definitions.Registry,
	store persistence.Persistence,
	locks lock.Manager,
	publisher eventbus.EventPublisher,
	endpoints map[string]string,
	tracer trace.Tracer,
	logger *slog.Logger,
) *orchestrator.Orchestrator {
	invoker := agent.NewHTTPInvoker(endpoints, logger)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger)
	stageExecutor := executor.NewStageExecutor(invoker, breakers, logger)
	recorder := audit.NewRecorder(store, publisher, logger)
	compensator := compensation.NewManager(stageExecutor, recorder, logger)

	return orchestrator.New(orchestrator.Config{
		Registry:    registry,
		Store:       store,
		Locks:       locks,
		Executor:    stageExecutor,
		Compensator: compensator,
		Recorder:    recorder,
		Publisher:   publisher,
		Logger:      logger,
		Tracer:      tracer,
	})
}
