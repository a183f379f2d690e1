// Package lock provides the per-execution advisory lock that serializes all
// load-modify-save cycles on a workflow execution. Exactly one holder per
// execution ID at a time; acquisition is bounded by a timeout so a contended
// lock surfaces ErrExecutionLocked instead of a silent hang.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrExecutionLocked is returned when a lock cannot be acquired within the
// caller's timeout.
var ErrExecutionLocked = errors.New("execution locked by another worker")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// Manager hands out per-execution leases.
type Manager interface {
	Acquire(ctx context.Context, executionID string, timeout time.Duration) (Lease, error)
}
