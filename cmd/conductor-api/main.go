// Package main provides the Conductor API server.
package main

import (
	"context"
	"os"

	"github.com/valueflows/conductor/pkg/cmd"
	"github.com/valueflows/conductor/pkg/log"
	"github.com/valueflows/conductor/pkg/otelhelper"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "conductor-api",
		Usage:                 "Start and inspect workflow executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (postgres:// or memory)",
				Value:   "memory",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "definitions-path",
				Usage:   "Path to the directory containing workflow definition JSON files",
				Value:   "./definitions",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "lock-backend",
				Usage:   "Execution lock backend (postgres, redis, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("LOCK_BACKEND"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis connection URL for the redis lock backend",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "agent-base-url",
				Usage:   "Base URL routing every known agent target",
				Sources: cli.EnvVars("AGENT_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "agent-endpoints",
				Usage:   "Per-target endpoint overrides as comma-separated target=url pairs",
				Sources: cli.EnvVars("AGENT_ENDPOINTS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("api")
	logger.InfoContext(ctx, "Initializing Conductor API")

	registry := cmd.NewRegistry(logger)

	err := registry.LoadDir(command.String("definitions-path"))
	if err != nil {
		return err
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		closeErr := store.Close(ctx)
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", closeErr)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := eventBus.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", closeErr)
		}
	}()

	locks, err := cmd.NewLockManager(command.String("lock-backend"), store, command.String("redis-url"), logger)
	if err != nil {
		return err
	}

	endpoints, err := cmd.AgentEndpoints(registry, command.String("agent-base-url"), command.String("agent-endpoints"))
	if err != nil {
		return err
	}

	var tracer trace.Tracer
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tracer, err = otelhelper.NewTracer(ctx, "conductor-api")
		if err != nil {
			return err
		}
	}

	workflowOrchestrator := cmd.NewOrchestrator(registry, store, locks, eventBus, endpoints, tracer, logger)

	api := NewAPI(logger, workflowOrchestrator, registry, store, eventBus)

	err = api.Start(command.Int("port"))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start API server", "error", err)
	}

	return nil
}
