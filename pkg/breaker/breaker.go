// Package breaker implements a per-target circuit breaker with
// closed/open/half-open states.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state machine position.
type State int

const (
	// StateClosed lets requests through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single trial request after cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. FailureThreshold consecutive failures open the
// circuit; after Cooldown a single trial call is let through.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
}

// DefaultConfig matches the defaults used for agent targets.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Snapshot is a point-in-time copy of breaker state for status endpoints.
type Snapshot struct {
	Target              string    `json:"target"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Breaker tracks one target's failure history. All methods are safe for
// concurrent use; the failure count and the threshold check happen under a
// single mutex hold so two racing failures cannot both miss the open
// transition.
type Breaker struct {
	target string
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker for a target.
func New(target string, config Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		target: target,
		config: config,
		logger: logger.With("target", target),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a request may be issued. When the breaker is open
// and the cooldown has elapsed it transitions to half-open and admits
// exactly one trial call; further calls are rejected until the trial's
// outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			b.transition(StateHalfOpen, "cooldown elapsed")
			b.probing = true

			return true
		}

		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true

			return true
		}

		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure count; a successful half-open trial
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.transition(StateClosed, "trial call succeeded")
		b.failures = 0
		b.probing = false
	case StateOpen:
		// A success recorded while open means the call started before the
		// trip; the cooldown clock keeps running.
	}
}

// RecordFailure increments the consecutive failure count and opens the
// circuit at the threshold. A failed half-open trial reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.probing = false
		b.transition(StateOpen, "trial call failed")
	case StateOpen:
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Snapshot copies the breaker state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Target:              b.target,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to

	b.logger.Info("circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"failures", b.failures,
	)
}
