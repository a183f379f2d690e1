package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/valueflows/conductor/pkg/models"
)

func TestNewPolicy(t *testing.T) {
	policy := NewPolicy(models.RetryConfig{
		MaxAttempts: 3,
		BaseDelayMs: 100,
		MaxDelayMs:  5000,
		MaxJitterMs: 50,
	})

	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 5*time.Second, policy.MaxDelay)
	assert.Equal(t, 50*time.Millisecond, policy.MaxJitter)
}

func TestPolicy_NextDelay_ExponentialGrowth(t *testing.T) {
	policy := NewPolicy(models.RetryConfig{
		MaxAttempts: 5,
		BaseDelayMs: 100,
		MaxDelayMs:  10000,
	})

	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 800*time.Millisecond, policy.NextDelay(3))
}

func TestPolicy_NextDelay_CappedAtMax(t *testing.T) {
	policy := NewPolicy(models.RetryConfig{
		MaxAttempts: 10,
		BaseDelayMs: 100,
		MaxDelayMs:  500,
	})

	assert.Equal(t, 500*time.Millisecond, policy.NextDelay(3))
	assert.Equal(t, 500*time.Millisecond, policy.NextDelay(30))
}

func TestPolicy_NextDelay_NegativeAttemptTreatedAsZero(t *testing.T) {
	policy := NewPolicy(models.RetryConfig{
		MaxAttempts: 3,
		BaseDelayMs: 100,
		MaxDelayMs:  1000,
	})

	assert.Equal(t, policy.NextDelay(0), policy.NextDelay(-1))
}

func TestPolicy_NextDelay_JitterWithinBound(t *testing.T) {
	policy := NewPolicy(models.RetryConfig{
		MaxAttempts: 3,
		BaseDelayMs: 100,
		MaxDelayMs:  1000,
		MaxJitterMs: 50,
	}).WithSeed(42)

	for range 100 {
		delay := policy.NextDelay(0)
		assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
		assert.Less(t, delay, 150*time.Millisecond)
	}
}

func TestPolicy_NextDelay_DeterministicWithSeed(t *testing.T) {
	cfg := models.RetryConfig{
		MaxAttempts: 3,
		BaseDelayMs: 100,
		MaxDelayMs:  1000,
		MaxJitterMs: 50,
	}

	first := NewPolicy(cfg).WithSeed(7)
	second := NewPolicy(cfg).WithSeed(7)

	for attempt := range 10 {
		assert.Equal(t, first.NextDelay(attempt), second.NextDelay(attempt))
	}
}

func TestPolicy_NextDelay_NoCapKeepsDoubling(t *testing.T) {
	policy := NewPolicy(models.RetryConfig{
		MaxAttempts: 5,
		BaseDelayMs: 100,
	})

	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 1600*time.Millisecond, policy.NextDelay(4))
}

func TestPolicy_NextDelay_ZeroBaseDelay(t *testing.T) {
	policy := NewPolicy(models.RetryConfig{
		MaxAttempts: 3,
	})

	assert.Equal(t, time.Duration(0), policy.NextDelay(0))
	assert.Equal(t, time.Duration(0), policy.NextDelay(5))
}
