package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop: max attempts, base delay, and multiplier.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy matches the bounded backoff used by admin-triggered sync
// jobs: three attempts with exponential spacing.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
	}
}

// Do runs op under the policy, stopping on success, context cancellation,
// or attempt exhaustion. The last error is returned on exhaustion.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2.0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.Multiplier = policy.Multiplier
	bo.MaxInterval = policy.MaxDelay
	bo.MaxElapsedTime = 0

	wrapped := backoff.WithContext(backoff.WithMaxRetries(bo, policy.MaxAttempts-1), ctx)

	return backoff.Retry(func() error {
		return op(ctx)
	}, wrapped)
}

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
