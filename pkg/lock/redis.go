package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lease TTL guards against a crashed holder wedging an execution forever.
// It must comfortably exceed the longest stage attempt plus backoff.
const defaultLeaseTTL = 5 * time.Minute

// releaseScript deletes the lock key only when the stored token matches, so
// an expired lease cannot release a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisManager implements the advisory lock on redis SET NX PX with a
// token-checked release.
type RedisManager struct {
	client   redis.UniversalClient
	leaseTTL time.Duration
	logger   *slog.Logger
}

// NewRedisManager creates a redis-backed lock manager.
func NewRedisManager(client redis.UniversalClient, logger *slog.Logger) *RedisManager {
	return &RedisManager{
		client:   client,
		leaseTTL: defaultLeaseTTL,
		logger:   logger.With("module", "redis_lock"),
	}
}

// Acquire polls SET NX until it succeeds or the timeout runs out.
func (m *RedisManager) Acquire(ctx context.Context, executionID string, timeout time.Duration) (Lease, error) {
	key := lockKey(executionID)
	token := uuid.New().String()
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := m.client.SetNX(ctx, key, token, m.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock attempt failed: %w", err)
		}

		if acquired {
			return &redisLease{client: m.client, key: key, token: token, logger: m.logger}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionLocked, executionID)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("lock acquisition aborted for %s: %w", executionID, ctx.Err())
		}
	}
}

type redisLease struct {
	client   redis.UniversalClient
	key      string
	token    string
	logger   *slog.Logger
	released bool
}

func (l *redisLease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}

	l.released = true

	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redis lock release failed: %w", err)
	}

	if deleted == 0 {
		l.logger.WarnContext(ctx, "redis lock already expired or taken over", "key", l.key)
	}

	return nil
}

func lockKey(executionID string) string {
	return "conductor:execution-lock:" + executionID
}
