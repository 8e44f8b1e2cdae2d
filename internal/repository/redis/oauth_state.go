package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/repository"
)

const defaultOAuthStatePrefix = "oauth:state"

// OAuthStateRepository persists CSRF state between the authorize redirect
// and the provider callback. Consume is GETDEL so each state value is
// accepted at most once even under concurrent callbacks.
type OAuthStateRepository struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewOAuthStateRepository constructs the repository with the provided key prefix.
func NewOAuthStateRepository(client *redis.Client, keyPrefix string) *OAuthStateRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultOAuthStatePrefix
	}
	return &OAuthStateRepository{client: client, prefix: prefix, now: time.Now}
}

// Save stores the state with a TTL derived from its expiry.
func (r *OAuthStateRepository) Save(ctx context.Context, state domain.OAuthState) error {
	if state.State == "" {
		return errors.New("state value is required")
	}

	ttl := state.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return errors.New("state already expired")
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode oauth state: %w", err)
	}

	if err := r.client.Set(ctx, r.key(state.State), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("redis store oauth state: %w", err)
	}
	return nil
}

// Consume fetches and deletes the state in one step.
func (r *OAuthStateRepository) Consume(ctx context.Context, state string) (*domain.OAuthState, error) {
	raw, err := r.client.GetDel(ctx, r.key(state)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis consume oauth state: %w", err)
	}

	var stored domain.OAuthState
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode oauth state: %w", err)
	}
	return &stored, nil
}

// WithClock overrides the internal clock, used in tests.
func (r *OAuthStateRepository) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

func (r *OAuthStateRepository) key(state string) string {
	return fmt.Sprintf("%s:%s", r.prefix, state)
}

var _ port.OAuthStateStore = (*OAuthStateRepository)(nil)
