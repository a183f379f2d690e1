package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/valueflows/conductor/pkg/definitions"
	"github.com/valueflows/conductor/pkg/lock"
	"github.com/valueflows/conductor/pkg/orchestrator"
	"github.com/valueflows/conductor/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleOrchestratorError maps the orchestration error taxonomy onto problem
// documents.
func handleOrchestratorError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, definitions.ErrDefinitionNotFound):
		return notFound(c, "Workflow definition not found")

	case errors.Is(err, definitions.ErrInvalidContext):
		return badRequest(c, err.Error())

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "Execution not found")

	case errors.Is(err, orchestrator.ErrExecutionAlreadyTerminal):
		return conflict(c, "execution_terminal", "Execution already reached a terminal state")

	case errors.Is(err, lock.ErrExecutionLocked):
		return conflict(c, "execution_locked", "Execution is currently being driven by another worker")

	default:
		return internalError(c, err)
	}
}
