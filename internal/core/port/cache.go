package port

import (
	"context"
	"time"
)

// Cache is the bounded TTL cache injected into services that memoize
// token-validation and policy results. Entries must be explicitly
// invalidated on logout, password change, or role change.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeletePrefix(ctx context.Context, prefix string)
}
