package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/repository"
)

const defaultChallengePrefix = "mfa:challenge"

// consumeAttemptScript performs the full verification step server-side so
// that two parallel attempts can never both spend the same remaining
// attempt. Returns {outcome, attempts_remaining}.
var consumeAttemptScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {'rejected', -1}
end
if status ~= 'pending' then
  return {'rejected', tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
local now = tonumber(ARGV[2])
if expires <= now then
  redis.call('HSET', KEYS[1], 'status', 'expired')
  return {'rejected', tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')}
end
if redis.call('HGET', KEYS[1], 'code_hash') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', 'verified')
  return {'matched', tonumber(redis.call('HGET', KEYS[1], 'attempts'))}
end
local remaining = redis.call('HINCRBY', KEYS[1], 'attempts', -1)
if remaining <= 0 then
  redis.call('HSET', KEYS[1], 'status', 'rate_limited')
  return {'exhausted', 0}
end
return {'mismatch', remaining}
`)

// ChallengeRepository persists in-flight MFA challenges in Redis hashes.
type ChallengeRepository struct {
	client *redis.Client
	prefix string
}

// NewChallengeRepository constructs the repository with the provided key prefix.
func NewChallengeRepository(client *redis.Client, keyPrefix string) *ChallengeRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultChallengePrefix
	}
	return &ChallengeRepository{client: client, prefix: prefix}
}

// Create stores the challenge hash and applies the TTL in one transaction.
func (r *ChallengeRepository) Create(ctx context.Context, challenge domain.MFAChallenge, ttl time.Duration) error {
	if challenge.ID == "" {
		return errors.New("challenge id is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	key := r.key(challenge.ID)
	fields := map[string]any{
		"user_id":            challenge.UserID,
		"method_id":          challenge.MethodID,
		"method_type":        string(challenge.MethodType),
		"status":             string(challenge.Status),
		"code_hash":          challenge.CodeHash,
		"created_at":         strconv.FormatInt(challenge.CreatedAt.Unix(), 10),
		"expires_at":         strconv.FormatInt(challenge.ExpiresAt.Unix(), 10),
		"attempts":           strconv.Itoa(challenge.AttemptsRemaining),
		"masked_destination": challenge.MaskedDestination,
	}
	if challenge.SessionID != nil {
		fields["session_id"] = *challenge.SessionID
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store challenge: %w", err)
	}
	return nil
}

// GetByID loads the challenge for the provided id.
func (r *ChallengeRepository) GetByID(ctx context.Context, id string) (*domain.MFAChallenge, error) {
	values, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall challenge: %w", err)
	}
	if len(values) == 0 {
		return nil, repository.ErrNotFound
	}
	return challengeFromHash(id, values)
}

// ConsumeAttempt runs the server-side verification script.
func (r *ChallengeRepository) ConsumeAttempt(ctx context.Context, id string, codeHash string, at time.Time) (port.AttemptOutcome, int, error) {
	raw, err := consumeAttemptScript.Run(ctx, r.client, []string{r.key(id)}, codeHash, at.Unix()).Result()
	if err != nil {
		return port.AttemptRejected, 0, fmt.Errorf("redis consume attempt: %w", err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return port.AttemptRejected, 0, fmt.Errorf("unexpected script reply: %v", raw)
	}

	outcome, _ := reply[0].(string)
	remaining, _ := reply[1].(int64)
	if remaining < 0 {
		return port.AttemptRejected, 0, repository.ErrNotFound
	}

	switch port.AttemptOutcome(outcome) {
	case port.AttemptMatched, port.AttemptMismatch, port.AttemptExhausted, port.AttemptRejected:
		return port.AttemptOutcome(outcome), int(remaining), nil
	default:
		return port.AttemptRejected, 0, fmt.Errorf("unexpected attempt outcome %q", outcome)
	}
}

// MarkExpired transitions a pending challenge to expired.
func (r *ChallengeRepository) MarkExpired(ctx context.Context, id string) error {
	key := r.key(id)
	status, err := r.client.HGet(ctx, key, "status").Result()
	if errors.Is(err, redis.Nil) {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis hget challenge status: %w", err)
	}
	if domain.ChallengeStatus(status).IsTerminal() {
		return nil
	}
	if err := r.client.HSet(ctx, key, "status", string(domain.ChallengeStatusExpired)).Err(); err != nil {
		return fmt.Errorf("redis expire challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) key(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

func challengeFromHash(id string, values map[string]string) (*domain.MFAChallenge, error) {
	createdAt, err := parseUnix(values["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := parseUnix(values["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	attempts := 0
	if raw := values["attempts"]; raw != "" {
		if v, convErr := strconv.Atoi(raw); convErr == nil {
			attempts = v
		}
	}

	challenge := &domain.MFAChallenge{
		ID:                id,
		UserID:            values["user_id"],
		MethodID:          values["method_id"],
		MethodType:        domain.MFAMethodType(values["method_type"]),
		Status:            domain.ChallengeStatus(values["status"]),
		CodeHash:          values["code_hash"],
		CreatedAt:         createdAt,
		ExpiresAt:         expiresAt,
		AttemptsRemaining: attempts,
		MaskedDestination: values["masked_destination"],
	}
	if sid := values["session_id"]; sid != "" {
		challenge.SessionID = &sid
	}
	return challenge, nil
}

func parseUnix(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(v, 0).UTC(), nil
}

var _ port.ChallengeStore = (*ChallengeRepository)(nil)
