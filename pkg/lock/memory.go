package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryManager is an in-process lock manager for tests and single-node
// deployments backed by the in-memory store.
type MemoryManager struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemoryManager creates an empty in-process lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		held: make(map[string]chan struct{}),
	}
}

// Acquire blocks until the execution lock is free, the timeout elapses, or
// the context is cancelled.
func (m *MemoryManager) Acquire(ctx context.Context, executionID string, timeout time.Duration) (Lease, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		released, taken := m.held[executionID]

		if !taken {
			m.held[executionID] = make(chan struct{})
			m.mu.Unlock()

			return &memoryLease{manager: m, executionID: executionID}, nil
		}
		m.mu.Unlock()

		select {
		case <-released:
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", ErrExecutionLocked, executionID)
		case <-ctx.Done():
			return nil, fmt.Errorf("lock acquisition aborted for %s: %w", executionID, ctx.Err())
		}
	}
}

type memoryLease struct {
	manager     *MemoryManager
	executionID string
	once        sync.Once
}

func (l *memoryLease) Release(_ context.Context) error {
	l.once.Do(func() {
		l.manager.mu.Lock()
		defer l.manager.mu.Unlock()

		if released, taken := l.manager.held[l.executionID]; taken {
			delete(l.manager.held, l.executionID)
			close(released)
		}
	})

	return nil
}
