package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rivet-studio/loom/pkg/schema"
)

const (
	defaultMaxAttempts  = 3
	defaultBackoffDelay = time.Second
	defaultMaxDelay     = 5 * time.Minute
)

// effectivePolicy returns the node type's retry policy with defaults filled
// in. A nil spec policy means the standard budget.
func effectivePolicy(spec *schema.NodeTypeSpec) schema.RetryPolicy {
	var p schema.RetryPolicy
	if spec != nil && spec.Retry != nil {
		p = *spec.Retry
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = "exponential"
	}
	return p
}

// IsRetryableError classifies an error as transient or permanent without
// consulting the node type's own predicate. Context cancellation is
// permanent (the caller gave up); deadline expiry and network errors are
// transient. Unknown errors default to retryable so a flaky provider gets
// its full budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var lmErr *schema.LoomError
	if errors.As(err, &lmErr) {
		return lmErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay before the given retry. attempt is the
// 1-based count of attempts already made, so the first retry of a node uses
// attempt=1.
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := defaultBackoffDelay
	if policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil && d >= 0 {
			base = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case "none":
		return 0
	case "constant":
		delay = base
	case "linear":
		delay = base * time.Duration(attempt)
	default: // exponential
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > defaultMaxDelay {
				delay = defaultMaxDelay
				break
			}
		}
	}

	maxDelay := defaultMaxDelay
	if policy.MaxDelay != "" {
		if d, err := time.ParseDuration(policy.MaxDelay); err == nil && d > 0 {
			maxDelay = d
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed delay, returning early if the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// asLoomError coerces an arbitrary handler error into the structured form
// recorded on node results. Provider failures are the common case.
func asLoomError(err error) *schema.LoomError {
	var lmErr *schema.LoomError
	if errors.As(err, &lmErr) {
		return lmErr
	}
	return schema.NewError(schema.ErrCodeProvider, err.Error()).WithCause(err)
}
