package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))

	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeProvider, "rate limited")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeNonRetryable, "bad input")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad graph")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStallTimeout, "lease expired")))

	assert.True(t, IsRetryableError(errors.New("connection refused")))
	assert.True(t, IsRetryableError(errors.New("503 Service Unavailable")))
	assert.True(t, IsRetryableError(errors.New("some unknown provider failure")), "unknown errors default to retryable")
}

func TestComputeBackoff(t *testing.T) {
	exp := schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}
	assert.Equal(t, time.Second, ComputeBackoff(exp, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(exp, 2))
	assert.Equal(t, 4*time.Second, ComputeBackoff(exp, 3))

	linear := schema.RetryPolicy{Backoff: "linear", Delay: "2s"}
	assert.Equal(t, 2*time.Second, ComputeBackoff(linear, 1))
	assert.Equal(t, 6*time.Second, ComputeBackoff(linear, 3))

	constant := schema.RetryPolicy{Backoff: "constant", Delay: "500ms"}
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(constant, 1))
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(constant, 5))

	none := schema.RetryPolicy{Backoff: "none", Delay: "10s"}
	assert.Equal(t, time.Duration(0), ComputeBackoff(none, 3))
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	policy := schema.RetryPolicy{Backoff: "exponential", Delay: "10s", MaxDelay: "15s"}
	assert.Equal(t, 10*time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 15*time.Second, ComputeBackoff(policy, 2))
	assert.Equal(t, 15*time.Second, ComputeBackoff(policy, 10))
}

func TestComputeBackoff_BadDelayFallsBack(t *testing.T) {
	policy := schema.RetryPolicy{Backoff: "constant", Delay: "not-a-duration"}
	assert.Equal(t, defaultBackoffDelay, ComputeBackoff(policy, 1))
}

func TestEffectivePolicy(t *testing.T) {
	p := effectivePolicy(nil)
	assert.Equal(t, defaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, "exponential", p.Backoff)

	spec := &schema.NodeTypeSpec{Retry: &schema.RetryPolicy{MaxAttempts: 5, Backoff: "linear"}}
	p = effectivePolicy(spec)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, "linear", p.Backoff)
}

func TestWaitForBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
