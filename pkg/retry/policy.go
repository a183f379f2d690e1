// Package retry provides the exponential backoff calculator used between
// stage attempts.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/valueflows/conductor/pkg/models"
)

// Policy computes backoff delays for a bounded attempt sequence. Attempt
// numbers are zero-indexed: NextDelay(0) is the pause after the first
// failed attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy builds a policy from a definition's retry configuration.
func NewPolicy(cfg models.RetryConfig) *Policy {
	return &Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		MaxJitter:   time.Duration(cfg.MaxJitterMs) * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSeed fixes the jitter source so tests get deterministic delays.
func (p *Policy) WithSeed(seed int64) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewSource(seed))

	return p
}

// NextDelay returns min(MaxDelay, BaseDelay*2^attempt) plus jitter in
// [0, MaxJitter). MaxDelay <= 0 leaves the doubling uncapped.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BaseDelay
	for range attempt {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay

			break
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return time.Duration(p.rng.Int63n(int64(p.MaxJitter)))
}
