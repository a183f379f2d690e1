package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/valueflows/conductor/pkg/definitions"
	"github.com/valueflows/conductor/pkg/eventbus"
	"github.com/valueflows/conductor/pkg/orchestrator"
	"github.com/valueflows/conductor/pkg/persistence"
	"github.com/valueflows/conductor/pkg/web"
)

type API struct {
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	registry     *definitions.Registry
	store        persistence.Persistence
	publisher    eventbus.EventPublisher
	validate     *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	workflowOrchestrator *orchestrator.Orchestrator,
	registry *definitions.Registry,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
) *API {
	return &API{
		logger:       logger,
		orchestrator: workflowOrchestrator,
		registry:     registry,
		store:        store,
		publisher:    publisher,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.orchestrator, a.registry, a.store, a.publisher, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conductor API")
	})

	e := app.Group("/executions")
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)
	e.Get("/:id/audit", handlers.GetAuditTrail)

	d := app.Group("/definitions")
	d.Get("/", handlers.GetDefinitions)
	d.Get("/:id", handlers.GetDefinition)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
