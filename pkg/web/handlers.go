package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/valueflows/conductor/pkg/definitions"
	"github.com/valueflows/conductor/pkg/eventbus"
	"github.com/valueflows/conductor/pkg/events"
	"github.com/valueflows/conductor/pkg/orchestrator"
	"github.com/valueflows/conductor/pkg/persistence"
)

type APIHandlers struct {
	orchestrator *orchestrator.Orchestrator
	registry     *definitions.Registry
	store        persistence.Persistence
	publisher    eventbus.EventPublisher
	validator    *validator.Validate
	logger       *slog.Logger
}

func NewAPIHandlers(
	workflowOrchestrator *orchestrator.Orchestrator,
	registry *definitions.Registry,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: workflowOrchestrator,
		registry:     registry,
		store:        store,
		publisher:    publisher,
		validator:    validate,
		logger:       logger.With("module", "web"),
	}
}

// StartExecution creates a new execution. The synchronous path runs it to a
// terminal state before responding; the async path hands the pending
// execution to a worker over the event bus and responds immediately.
func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, "Validation failed: "+err.Error())
	}

	if req.Async {
		return h.startAsync(c, req)
	}

	executionID, err := h.orchestrator.Start(c.Context(), req.DefinitionID, req.Context)
	if err != nil && !terminalRunError(err) {
		return handleOrchestratorError(c, err)
	}

	execution, err := h.orchestrator.GetStatus(c.Context(), executionID)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(NewExecutionResponse(execution))
}

func (h *APIHandlers) startAsync(c fiber.Ctx, req StartExecutionRequest) error {
	execution, err := h.orchestrator.Prepare(c.Context(), req.DefinitionID, req.Context)
	if err != nil {
		return handleOrchestratorError(c, err)
	}

	event := events.ExecutionRequested{
		BaseEvent: events.BaseEvent{
			ID:           uuid.New().String(),
			Type:         events.ExecutionRequestedEvent,
			Timestamp:    execution.CreatedAt,
			ExecutionID:  execution.ID,
			DefinitionID: execution.DefinitionID,
		},
	}

	err = h.publisher.Publish(c.Context(), execution.ID, event)
	if err != nil {
		h.logger.Error("Failed to publish execution request",
			"execution_id", execution.ID,
			"error", err,
		)

		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(NewExecutionResponse(execution))
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.orchestrator.GetStatus(c.Context(), id)
	if err != nil {
		return handleOrchestratorError(c, err)
	}

	return c.JSON(NewExecutionResponse(execution))
}

// ResumeExecution drives a non-terminal execution forward from its persisted
// position.
func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.orchestrator.Resume(c.Context(), id)
	if err != nil && !terminalRunError(err) {
		return handleOrchestratorError(c, err)
	}

	return c.JSON(NewExecutionResponse(execution))
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	err := h.orchestrator.Cancel(c.Context(), id)
	if err != nil {
		return handleOrchestratorError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetAuditTrail(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	// 404 for unknown executions; an empty trail for known ones.
	_, err := h.orchestrator.GetStatus(c.Context(), id)
	if err != nil {
		return handleOrchestratorError(c, err)
	}

	trail, err := h.orchestrator.AuditTrail(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"execution_id": id,
		"records":      trail,
	})
}

func (h *APIHandlers) GetDefinitions(c fiber.Ctx) error {
	all := h.registry.All()

	items := make([]*DefinitionResponse, 0, len(all))
	for _, definition := range all {
		items = append(items, NewDefinitionResponse(definition))
	}

	return c.JSON(fiber.Map{"definitions": items})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	definition, err := h.registry.Get(id)
	if err != nil {
		return handleOrchestratorError(c, err)
	}

	return c.JSON(NewDefinitionResponse(definition))
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.store.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	detail := ""

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		detail = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": fiber.Map{
				"healthy": err == nil,
				"detail":  detail,
			},
		},
	})
}

// terminalRunError reports whether the run finished in a terminal failure
// state. The execution record then carries the outcome and the API responds
// with it rather than a problem document.
func terminalRunError(err error) bool {
	return errors.Is(err, orchestrator.ErrStageExhausted) ||
		errors.Is(err, orchestrator.ErrCompensationFailed)
}
