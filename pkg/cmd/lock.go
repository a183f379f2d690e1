package cmd

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/valueflows/conductor/pkg/lock"
	"github.com/valueflows/conductor/pkg/persistence"
	"github.com/valueflows/conductor/pkg/persistence/postgres"
)

// NewLockManager builds the per-execution advisory lock backend. The
// postgres backend reuses the persistence pool, so it requires a postgres
// store.
func NewLockManager(
	backend string,
	store persistence.Persistence,
	redisURL string,
	logger *slog.Logger,
) (lock.Manager, error) {
	switch backend {
	case "postgres":
		pgStore, ok := store.(*postgres.Persistence)
		if !ok {
			return nil, fmt.Errorf("postgres lock backend requires a postgres database URL")
		}

		return lock.NewPostgresManager(pgStore.DB(), logger), nil
	case "redis":
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}

		return lock.NewRedisManager(redis.NewClient(opts), logger), nil
	case "memory":
		return lock.NewMemoryManager(), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", backend)
	}
}
