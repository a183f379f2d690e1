package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valueflows/conductor/pkg/agent"
	"github.com/valueflows/conductor/pkg/audit"
	"github.com/valueflows/conductor/pkg/breaker"
	"github.com/valueflows/conductor/pkg/compensation"
	"github.com/valueflows/conductor/pkg/definitions"
	"github.com/valueflows/conductor/pkg/eventbus"
	"github.com/valueflows/conductor/pkg/events"
	"github.com/valueflows/conductor/pkg/executor"
	"github.com/valueflows/conductor/pkg/lock"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/valueflows/conductor/pkg/persistence"
	"github.com/valueflows/conductor/pkg/persistence/memory"
)

// routingInvoker dispatches per-target handlers; unrouted targets echo a
// success tagged with the target name.
type routingInvoker struct {
	mu     sync.Mutex
	routes map[string]func(req agent.StageRequest) (*agent.StageResponse, error)
	calls  map[string]int
}

func newRoutingInvoker() *routingInvoker {
	return &routingInvoker{
		routes: make(map[string]func(req agent.StageRequest) (*agent.StageResponse, error)),
		calls:  make(map[string]int),
	}
}

func (r *routingInvoker) route(target string, handler func(req agent.StageRequest) (*agent.StageResponse, error)) {
	r.routes[target] = handler
}

func (r *routingInvoker) callCount(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[target]
}

func (r *routingInvoker) Invoke(_ context.Context, target string, req agent.StageRequest) (*agent.StageResponse, error) {
	r.mu.Lock()
	r.calls[target]++
	handler := r.routes[target]
	r.mu.Unlock()

	if handler != nil {
		return handler(req)
	}

	return &agent.StageResponse{
		Success: true,
		Output:  map[string]any{target + "_done": true},
	}, nil
}

type capturingPublisher struct {
	mu        sync.Mutex
	published []eventbus.Event
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.published = append(p.published, event)

	return nil
}

func (p *capturingPublisher) byType(eventType events.EventType) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []eventbus.Event

	for _, event := range p.published {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

type harness struct {
	orchestrator *Orchestrator
	store        persistence.Persistence
	registry     *definitions.Registry
	invoker      *routingInvoker
	publisher    *capturingPublisher
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noSleep(_ context.Context, _ time.Duration) error {
	return nil
}

func newHarness(t *testing.T, definition *models.WorkflowDefinition) *harness {
	t.Helper()

	logger := testLogger()
	registry := definitions.NewRegistry(logger)
	require.NoError(t, registry.Register(definition))

	store := memory.NewPersistence(logger)
	invoker := newRoutingInvoker()
	publisher := &capturingPublisher{}
	stageExecutor := executor.NewStageExecutor(invoker, breaker.NewRegistry(breaker.DefaultConfig(), logger), logger).
		WithSleep(noSleep)
	recorder := audit.NewRecorder(store, publisher, logger)
	compensator := compensation.NewManager(stageExecutor, recorder, logger)

	return &harness{
		orchestrator: New(Config{
			Registry:    registry,
			Store:       store,
			Locks:       lock.NewMemoryManager(),
			Executor:    stageExecutor,
			Compensator: compensator,
			Recorder:    recorder,
			Publisher:   publisher,
			Logger:      logger,
			LockTimeout: time.Second,
		}),
		store:     store,
		registry:  registry,
		invoker:   invoker,
		publisher: publisher,
	}
}

func pipelineDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   "value-realization",
		Name: "Value Realization",
		Stages: []models.StageSpec{
			{Name: "opportunity", Agent: "opportunity", Compensation: "integrity", AttemptTimeoutMs: 1000},
			{Name: "target", Agent: "target", Compensation: "integrity", AttemptTimeoutMs: 1000},
			{Name: "realization", Agent: "realization", AttemptTimeoutMs: 1000},
		},
		Retry: models.RetryConfig{MaxAttempts: 3, BaseDelayMs: 1, MaxDelayMs: 10},
	}
}

func eventTypes(records []*models.AuditRecord) []models.AuditEventType {
	types := make([]models.AuditEventType, 0, len(records))
	for _, record := range records {
		types = append(types, record.EventType)
	}

	return types
}

func TestOrchestrator_Start_RunsPipelineToCompletion(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	// The target stage fails twice before succeeding.
	targetCalls := 0
	h.invoker.route("target", func(_ agent.StageRequest) (*agent.StageResponse, error) {
		targetCalls++
		if targetCalls < 3 {
			return nil, errors.New("connection refused")
		}

		return &agent.StageResponse{Success: true, Output: map[string]any{"target_value": float64(120)}}, nil
	})

	executionID, err := h.orchestrator.Start(ctx, "value-realization", map[string]any{"account_id": "acct-1"})
	require.NoError(t, err)

	execution, err := h.orchestrator.GetStatus(ctx, executionID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 3, execution.CurrentStageIndex)
	assert.Len(t, execution.CompletedStages, 3)
	assert.NotNil(t, execution.CompletedAt)

	// Stage outputs merged into the context alongside the initial keys.
	assert.Equal(t, "acct-1", execution.Context["account_id"])
	assert.Equal(t, true, execution.Context["opportunity_done"])
	assert.Equal(t, float64(120), execution.Context["target_value"])
	assert.Equal(t, true, execution.Context["realization_done"])

	assert.Equal(t, 1, execution.StageAttempts["opportunity"])
	assert.Equal(t, 3, execution.StageAttempts["target"])
}

func TestOrchestrator_Start_AuditTrailOrderedAndGapless(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	executionID, err := h.orchestrator.Start(ctx, "value-realization", nil)
	require.NoError(t, err)

	trail, err := h.orchestrator.AuditTrail(ctx, executionID)
	require.NoError(t, err)

	assert.Equal(t, []models.AuditEventType{
		models.AuditStageStarted,
		models.AuditStageSucceeded,
		models.AuditStageStarted,
		models.AuditStageSucceeded,
		models.AuditStageStarted,
		models.AuditStageSucceeded,
		models.AuditExecutionCompleted,
	}, eventTypes(trail))

	for i, record := range trail {
		assert.Equal(t, i+1, record.SequenceNumber)
		assert.Equal(t, executionID, record.ExecutionID)
	}

	completed := h.publisher.byType(events.ExecutionCompletedEvent)
	require.Len(t, completed, 1)
}

func TestOrchestrator_Start_ExhaustionTriggersCompensation(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	h.invoker.route("realization", func(_ agent.StageRequest) (*agent.StageResponse, error) {
		return nil, errors.New("connection refused")
	})

	executionID, err := h.orchestrator.Start(ctx, "value-realization", nil)
	require.ErrorIs(t, err, ErrStageExhausted)

	execution, getErr := h.orchestrator.GetStatus(ctx, executionID)
	require.NoError(t, getErr)

	assert.Equal(t, models.ExecutionStatusCompensated, execution.Status)
	assert.Contains(t, execution.ErrorMessage, "realization")
	assert.Equal(t, 3, execution.StageAttempts["realization"])
	assert.NotNil(t, execution.CompletedAt)

	// Both completed stages rolled back through the integrity agent.
	assert.Equal(t, 2, h.invoker.callCount("integrity"))

	trail, trailErr := h.orchestrator.AuditTrail(ctx, executionID)
	require.NoError(t, trailErr)
	assert.Equal(t, []models.AuditEventType{
		models.AuditStageStarted,
		models.AuditStageSucceeded,
		models.AuditStageStarted,
		models.AuditStageSucceeded,
		models.AuditStageStarted,
		models.AuditStageFailed,
		models.AuditCompensationStarted,
		models.AuditCompensationStep,
		models.AuditCompensationStep,
		models.AuditExecutionFailed,
	}, eventTypes(trail))

	failed := h.publisher.byType(events.ExecutionFailedEvent)
	require.Len(t, failed, 1)
	failedEvent, ok := failed[0].(events.ExecutionFailed)
	require.True(t, ok)
	assert.Equal(t, models.ExecutionStatusCompensated, failedEvent.Status)
	require.NotNil(t, failedEvent.Rollback)
	assert.Equal(t, []string{"target", "opportunity"}, failedEvent.Rollback.AttemptedSteps)
}

func TestOrchestrator_Start_FailedCompensationMarksIncomplete(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	h.invoker.route("realization", func(_ agent.StageRequest) (*agent.StageResponse, error) {
		return nil, errors.New("connection refused")
	})
	h.invoker.route("integrity", func(_ agent.StageRequest) (*agent.StageResponse, error) {
		return &agent.StageResponse{
			Success: false,
			Error:   &models.StageError{Kind: models.ErrorKindRemote, Message: "nothing to undo"},
		}, nil
	})

	executionID, err := h.orchestrator.Start(ctx, "value-realization", nil)
	require.ErrorIs(t, err, ErrCompensationFailed)

	execution, getErr := h.orchestrator.GetStatus(ctx, executionID)
	require.NoError(t, getErr)
	assert.Equal(t, models.ExecutionStatusCompensationIncomplete, execution.Status)
}

func TestOrchestrator_Start_FirstStageFailureHasNothingToCompensate(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	h.invoker.route("opportunity", func(_ agent.StageRequest) (*agent.StageResponse, error) {
		return nil, errors.New("connection refused")
	})

	executionID, err := h.orchestrator.Start(ctx, "value-realization", nil)
	require.ErrorIs(t, err, ErrStageExhausted)

	execution, getErr := h.orchestrator.GetStatus(ctx, executionID)
	require.NoError(t, getErr)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, 0, h.invoker.callCount("integrity"))
}

func TestOrchestrator_Start_UnknownDefinition(t *testing.T) {
	h := newHarness(t, pipelineDefinition())

	_, err := h.orchestrator.Start(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, definitions.ErrDefinitionNotFound)
}

func TestOrchestrator_Start_InvalidContextRejectedBeforeCreate(t *testing.T) {
	definition := pipelineDefinition()
	definition.ContextSchema = []byte(`{
		"type": "object",
		"required": ["account_id"],
		"properties": {"account_id": {"type": "string"}}
	}`)
	h := newHarness(t, definition)

	_, err := h.orchestrator.Start(context.Background(), "value-realization", map[string]any{})
	assert.ErrorIs(t, err, definitions.ErrInvalidContext)
}

func TestOrchestrator_Cancel_ObservedBetweenStages(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	execution, err := h.orchestrator.Prepare(ctx, "value-realization", nil)
	require.NoError(t, err)

	require.NoError(t, h.orchestrator.Cancel(ctx, execution.ID))

	_, err = h.orchestrator.Resume(ctx, execution.ID)
	require.ErrorIs(t, err, ErrStageExhausted)

	final, err := h.orchestrator.GetStatus(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.True(t, final.CancelRequested)
	assert.Contains(t, final.ErrorMessage, "cancellation requested")

	// No stage ever ran.
	assert.Equal(t, 0, h.invoker.callCount("opportunity"))

	// The trail marks the interrupt as landing before the stage started, so
	// readers do not look for a stage_started that was never written.
	trail, err := h.orchestrator.AuditTrail(ctx, execution.ID)
	require.NoError(t, err)

	var failed *models.AuditRecord

	for _, record := range trail {
		if record.EventType == models.AuditStageFailed {
			failed = record
		}

		assert.NotEqual(t, models.AuditStageStarted, record.EventType)
	}

	require.NotNil(t, failed)
	assert.Equal(t, "opportunity", failed.Payload["stage"])
	assert.Equal(t, false, failed.Payload["started"])
}

func TestOrchestrator_Cancel_MidPipelineCompensatesCompletedStages(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	execution, err := h.orchestrator.Prepare(ctx, "value-realization", nil)
	require.NoError(t, err)

	// The target stage flags cancellation as a side effect, simulating an
	// operator cancelling while the stage runs.
	h.invoker.route("target", func(_ agent.StageRequest) (*agent.StageResponse, error) {
		require.NoError(t, h.store.RequestCancel(ctx, execution.ID))

		return &agent.StageResponse{Success: true}, nil
	})

	_, err = h.orchestrator.Resume(ctx, execution.ID)
	require.ErrorIs(t, err, ErrStageExhausted)

	final, err := h.orchestrator.GetStatus(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompensated, final.Status)

	// opportunity and target completed before the flag was observed.
	assert.Equal(t, 2, h.invoker.callCount("integrity"))
	assert.Equal(t, 0, h.invoker.callCount("realization"))
}

func TestOrchestrator_Cancel_TerminalExecution(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	executionID, err := h.orchestrator.Start(ctx, "value-realization", nil)
	require.NoError(t, err)

	err = h.orchestrator.Cancel(ctx, executionID)
	assert.ErrorIs(t, err, ErrExecutionAlreadyTerminal)
}

func TestOrchestrator_Resume_TerminalExecution(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	executionID, err := h.orchestrator.Start(ctx, "value-realization", nil)
	require.NoError(t, err)

	execution, err := h.orchestrator.Resume(ctx, executionID)
	require.ErrorIs(t, err, ErrExecutionAlreadyTerminal)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
}

func TestOrchestrator_Resume_ContinuesFromPersistedIndex(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	execution, err := h.orchestrator.Prepare(ctx, "value-realization", nil)
	require.NoError(t, err)

	// Simulate a crash after the first stage: position persisted, worker gone.
	execution.Status = models.ExecutionStatusRunning
	execution.CurrentStageIndex = 1
	execution.CompletedStages = []models.StageResult{{StageName: "opportunity", Success: true}}
	require.NoError(t, h.store.SaveExecution(ctx, execution))

	resumed, err := h.orchestrator.Resume(ctx, execution.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, 0, h.invoker.callCount("opportunity"))
	assert.Equal(t, 1, h.invoker.callCount("target"))
	assert.Equal(t, 1, h.invoker.callCount("realization"))
}

func TestOrchestrator_Resume_ReentersInterruptedCompensation(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	execution, err := h.orchestrator.Prepare(ctx, "value-realization", nil)
	require.NoError(t, err)

	execution.Status = models.ExecutionStatusStageFailed
	execution.ErrorMessage = "stage realization: connection refused"
	execution.CurrentStageIndex = 2
	execution.CompletedStages = []models.StageResult{
		{StageName: "opportunity", Success: true},
		{StageName: "target", Success: true},
	}
	require.NoError(t, h.store.SaveExecution(ctx, execution))

	_, err = h.orchestrator.Resume(ctx, execution.ID)
	require.ErrorIs(t, err, ErrStageExhausted)

	final, err := h.orchestrator.GetStatus(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompensated, final.Status)
	assert.Equal(t, 2, h.invoker.callCount("integrity"))
}

func TestOrchestrator_Execute_DeadlineEnforcedBetweenStages(t *testing.T) {
	definition := pipelineDefinition()
	definition.ExecutionTimeoutMs = 60000
	h := newHarness(t, definition)
	ctx := context.Background()

	execution, err := h.orchestrator.Prepare(ctx, "value-realization", nil)
	require.NoError(t, err)
	require.NotNil(t, execution.Deadline)

	// Move the orchestrator's clock past the deadline.
	h.orchestrator.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = h.orchestrator.Resume(ctx, execution.ID)
	require.ErrorIs(t, err, ErrStageExhausted)

	final, err := h.orchestrator.GetStatus(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "timeout budget")
}

func TestOrchestrator_Execute_ConcurrentResumesSingleWriter(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	release := make(chan struct{})
	h.invoker.route("opportunity", func(_ agent.StageRequest) (*agent.StageResponse, error) {
		<-release

		return &agent.StageResponse{Success: true}, nil
	})

	execution, err := h.orchestrator.Prepare(ctx, "value-realization", nil)
	require.NoError(t, err)

	short := New(Config{
		Registry:    h.registry,
		Store:       h.store,
		Locks:       h.orchestrator.locks,
		Executor:    h.orchestrator.executor,
		Compensator: h.orchestrator.compensator,
		Recorder:    h.orchestrator.recorder,
		Logger:      testLogger(),
		LockTimeout: 50 * time.Millisecond,
	})

	done := make(chan error, 1)

	go func() {
		_, runErr := h.orchestrator.Resume(ctx, execution.ID)
		done <- runErr
	}()

	time.Sleep(50 * time.Millisecond)

	_, err = short.Resume(ctx, execution.ID)
	assert.ErrorIs(t, err, lock.ErrExecutionLocked)

	close(release)
	require.NoError(t, <-done)

	final, err := h.orchestrator.GetStatus(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
}

func TestOrchestrator_ConcurrentExecutionsDoNotShareContext(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	h.invoker.route("target", func(req agent.StageRequest) (*agent.StageResponse, error) {
		return &agent.StageResponse{
			Success: true,
			Output:  map[string]any{"echo": req.Context["account_id"]},
		}, nil
	})

	const n = 10

	var wg sync.WaitGroup

	ids := make([]string, n)
	accounts := make([]string, n)

	for i := range n {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			account := fmt.Sprintf("acct-%d", i)
			accounts[i] = account

			id, err := h.orchestrator.Start(ctx, "value-realization", map[string]any{"account_id": account})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}

	wg.Wait()

	for i := range n {
		execution, err := h.orchestrator.GetStatus(ctx, ids[i])
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
		assert.Equal(t, accounts[i], execution.Context["account_id"])
		assert.Equal(t, accounts[i], execution.Context["echo"])
	}
}

func TestOrchestrator_GetStatus_Unknown(t *testing.T) {
	h := newHarness(t, pipelineDefinition())

	_, err := h.orchestrator.GetStatus(context.Background(), "ghost")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestOrchestrator_TerminalRecordImmutableInStore(t *testing.T) {
	h := newHarness(t, pipelineDefinition())
	ctx := context.Background()

	executionID, err := h.orchestrator.Start(ctx, "value-realization", nil)
	require.NoError(t, err)

	execution, err := h.orchestrator.GetStatus(ctx, executionID)
	require.NoError(t, err)

	execution.Status = models.ExecutionStatusRunning
	err = h.store.SaveExecution(ctx, execution)
	assert.True(t, persistence.IsExecutionTerminal(err))
}
