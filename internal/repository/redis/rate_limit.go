package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smplatform/mu-auth/internal/core/port"
)

const defaultRateLimitPrefix = "ratelimit"

// RateLimitRepository tracks attempts in sorted sets scored by nanosecond
// timestamp, giving a sliding window per identifier.
type RateLimitRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRateLimitRepository constructs a repository. The TTL caps how long idle
// attempt sets linger; it should exceed the largest enforcement window.
func NewRateLimitRepository(client *redis.Client, keyPrefix string, ttl time.Duration) *RateLimitRepository {
	prefix := keyPrefix
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RateLimitRepository{client: client, prefix: prefix, ttl: ttl}
}

// RecordAttempt appends the attempt timestamp and refreshes the key TTL.
func (r *RateLimitRepository) RecordAttempt(ctx context.Context, identifier string, at time.Time) error {
	key := r.key(identifier)
	nanos := at.UnixNano()

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nanos), Member: nanos})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record attempt: %w", err)
	}
	return nil
}

// CountAttempts counts attempts inside the window ending at the reference time.
func (r *RateLimitRepository) CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error) {
	if window <= 0 {
		return 0, errors.New("window must be positive")
	}

	count, err := r.client.ZCount(ctx, r.key(identifier),
		scoreOf(reference.Add(-window)), scoreOf(reference)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count attempts: %w", err)
	}
	return int(count), nil
}

// TrimWindow drops attempts that fell out of the window.
func (r *RateLimitRepository) TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error {
	if window <= 0 {
		return errors.New("window must be positive")
	}

	err := r.client.ZRemRangeByScore(ctx, r.key(identifier), "-inf", scoreOf(reference.Add(-window))).Err()
	if err != nil {
		return fmt.Errorf("redis trim window: %w", err)
	}
	return nil
}

// OldestAttempt returns the earliest attempt still inside the window, used
// to compute the retry-after hint.
func (r *RateLimitRepository) OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error) {
	if window <= 0 {
		return time.Time{}, false, errors.New("window must be positive")
	}

	values, err := r.client.ZRangeByScore(ctx, r.key(identifier), &redis.ZRangeBy{
		Min:   scoreOf(reference.Add(-window)),
		Max:   scoreOf(reference),
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis oldest attempt: %w", err)
	}
	if len(values) == 0 {
		return time.Time{}, false, nil
	}

	nanos, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse attempt timestamp: %w", err)
	}
	return time.Unix(0, nanos), true, nil
}

func (r *RateLimitRepository) key(identifier string) string {
	return fmt.Sprintf("%s:%s", r.prefix, identifier)
}

func scoreOf(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

var _ port.RateLimitStore = (*RateLimitRepository)(nil)
