package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/smplatform/mu-auth/internal/core/port"
)

// RateLimiter enforces a sliding-window attempt cap per identifier on top of
// the Redis-backed store. A nil store disables enforcement.
type RateLimiter struct {
	store  port.RateLimitStore
	window time.Duration
	max    int
	now    func() time.Time
}

// NewRateLimiter builds a limiter shared by the services that guard an
// operation with the same window and cap.
func NewRateLimiter(store port.RateLimitStore, window time.Duration, max int) *RateLimiter {
	return &RateLimiter{store: store, window: window, max: max, now: time.Now}
}

// check records the attempt and returns a RateLimitedError when the window
// already holds max attempts.
func (l *RateLimiter) check(ctx context.Context, scope, identifier string) error {
	if l == nil || l.store == nil || l.max <= 0 || l.window <= 0 {
		return nil
	}

	key := fmt.Sprintf("%s:%s", scope, identifier)
	reference := l.now().UTC()

	if err := l.store.TrimWindow(ctx, key, l.window, reference); err != nil {
		return fmt.Errorf("trim rate window: %w", err)
	}

	count, err := l.store.CountAttempts(ctx, key, l.window, reference)
	if err != nil {
		return fmt.Errorf("count attempts: %w", err)
	}
	if count >= l.max {
		retryAfter := l.window
		if oldest, ok, err := l.store.OldestAttempt(ctx, key, l.window, reference); err == nil && ok {
			retryAfter = oldest.Add(l.window).Sub(reference)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return &RateLimitedError{Scope: scope, RetryAfter: retryAfter}
	}

	if err := l.store.RecordAttempt(ctx, key, reference); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}
