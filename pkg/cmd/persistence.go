// Package cmd provides common initialization for the command-line binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valueflows/conductor/pkg/persistence"
	"github.com/valueflows/conductor/pkg/persistence/memory"
	"github.com/valueflows/conductor/pkg/persistence/postgres"
)

// NewPersistence builds the execution store from the database URL. A
// postgres:// URL gets the durable store with migrations applied; anything
// else gets the in-memory store, which is for development and tests only.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		store, err := postgres.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres persistence: %w", err)
		}

		return store, nil
	default:
		return memory.NewPersistence(logger), nil
	}
}
