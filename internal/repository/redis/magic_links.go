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

const defaultMagicLinkPrefix = "magiclink"

// redeemScript is the single compare-and-set step for redemption. Under N
// concurrent calls for the same token exactly one observes 'pending' and
// transitions it to 'used'.
var redeemScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'not_found'
end
if status ~= 'pending' then
  return status
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
local now = tonumber(ARGV[1])
if expires <= now then
  redis.call('HSET', KEYS[1], 'status', 'expired')
  return 'expired'
end
redis.call('HSET', KEYS[1], 'status', 'used', 'used_at', ARGV[1])
return 'ok'
`)

// revokeScript only transitions pending links; a concurrent redemption that
// already won keeps its terminal state.
var revokeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'not_found'
end
if status ~= 'pending' then
  return status
end
redis.call('HSET', KEYS[1], 'status', 'revoked')
return 'ok'
`)

// MagicLinkRepository persists magic links in Redis hashes keyed by token
// hash, with secondary indexes by id and email plus a pending zset for the
// expiry sweep.
type MagicLinkRepository struct {
	client *redis.Client
	prefix string
}

// NewMagicLinkRepository constructs the repository with the provided key prefix.
func NewMagicLinkRepository(client *redis.Client, keyPrefix string) *MagicLinkRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultMagicLinkPrefix
	}
	return &MagicLinkRepository{client: client, prefix: prefix}
}

// Create stores the link and its indexes. The retention TTL bounds how long
// terminal records stay queryable.
func (r *MagicLinkRepository) Create(ctx context.Context, link domain.MagicLink, retention time.Duration) error {
	switch {
	case link.ID == "":
		return errors.New("link id is required")
	case link.TokenHash == "":
		return errors.New("token hash is required")
	case retention <= 0:
		return errors.New("retention must be positive")
	}

	key := r.tokenKey(link.TokenHash)
	fields := map[string]any{
		"id":           link.ID,
		"email":        link.Email,
		"status":       string(link.Status),
		"action":       string(link.Action),
		"created_at":   strconv.FormatInt(link.CreatedAt.Unix(), 10),
		"expires_at":   strconv.FormatInt(link.ExpiresAt.Unix(), 10),
		"redirect_url": link.RedirectURL,
		"ip":           link.Context.IP,
		"user_agent":   link.Context.UserAgent,
		"fingerprint":  link.Context.DeviceFingerprint,
	}
	if link.UserID != nil {
		fields["user_id"] = *link.UserID
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, retention)
	pipe.Set(ctx, r.idKey(link.ID), link.TokenHash, retention)
	pipe.SAdd(ctx, r.emailKey(link.Email), link.TokenHash)
	pipe.Expire(ctx, r.emailKey(link.Email), retention)
	pipe.ZAdd(ctx, r.pendingKey(), redis.Z{Score: float64(link.ExpiresAt.Unix()), Member: link.TokenHash})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store magic link: %w", err)
	}
	return nil
}

// GetByTokenHash loads the link addressed by its token hash.
func (r *MagicLinkRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.MagicLink, error) {
	values, err := r.client.HGetAll(ctx, r.tokenKey(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall magic link: %w", err)
	}
	if len(values) == 0 {
		return nil, repository.ErrNotFound
	}
	return magicLinkFromHash(tokenHash, values)
}

// GetByID resolves the id index and loads the link.
func (r *MagicLinkRepository) GetByID(ctx context.Context, id string) (*domain.MagicLink, error) {
	tokenHash, err := r.client.Get(ctx, r.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get magic link id index: %w", err)
	}
	return r.GetByTokenHash(ctx, tokenHash)
}

// Redeem executes the atomic compare-and-set and returns the resulting
// record alongside the outcome.
func (r *MagicLinkRepository) Redeem(ctx context.Context, tokenHash string, at time.Time) (port.RedeemOutcome, *domain.MagicLink, error) {
	raw, err := redeemScript.Run(ctx, r.client, []string{r.tokenKey(tokenHash)}, at.Unix()).Result()
	if err != nil {
		return port.RedeemNotFound, nil, fmt.Errorf("redis redeem magic link: %w", err)
	}

	reply, _ := raw.(string)
	outcome := redeemOutcomeFromReply(reply)
	if outcome == port.RedeemNotFound {
		return outcome, nil, nil
	}

	link, err := r.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return outcome, nil, err
	}

	if outcome == port.RedeemOK {
		r.client.ZRem(ctx, r.pendingKey(), tokenHash)
	}
	return outcome, link, nil
}

// Revoke transitions a pending link to revoked.
func (r *MagicLinkRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	tokenHash, err := r.client.Get(ctx, r.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get magic link id index: %w", err)
	}

	raw, err := revokeScript.Run(ctx, r.client, []string{r.tokenKey(tokenHash)}).Result()
	if err != nil {
		return fmt.Errorf("redis revoke magic link: %w", err)
	}
	if reply, _ := raw.(string); reply == "not_found" {
		return repository.ErrNotFound
	}

	r.client.ZRem(ctx, r.pendingKey(), tokenHash)
	return nil
}

// ListByEmail returns every retained link generated for the email.
func (r *MagicLinkRepository) ListByEmail(ctx context.Context, email string) ([]domain.MagicLink, error) {
	hashes, err := r.client.SMembers(ctx, r.emailKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers magic links: %w", err)
	}

	links := make([]domain.MagicLink, 0, len(hashes))
	for _, tokenHash := range hashes {
		link, err := r.GetByTokenHash(ctx, tokenHash)
		if errors.Is(err, repository.ErrNotFound) {
			// Record aged out of retention; drop the dangling index entry.
			r.client.SRem(ctx, r.emailKey(email), tokenHash)
			continue
		}
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, nil
}

// ExpirePending sweeps pending links whose expiry precedes the cutoff.
func (r *MagicLinkRepository) ExpirePending(ctx context.Context, before time.Time) (int, error) {
	cutoff := strconv.FormatInt(before.Unix(), 10)
	hashes, err := r.client.ZRangeByScore(ctx, r.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore pending links: %w", err)
	}

	transitioned := 0
	for _, tokenHash := range hashes {
		raw, err := redeemScript.Run(ctx, r.client, []string{r.tokenKey(tokenHash)}, before.Unix()).Result()
		if err != nil {
			return transitioned, fmt.Errorf("redis expire magic link: %w", err)
		}
		if reply, _ := raw.(string); reply == "expired" {
			transitioned++
		}
		r.client.ZRem(ctx, r.pendingKey(), tokenHash)
	}
	return transitioned, nil
}

// IncrementDailyUse bumps the per-email generation counter for the current
// UTC day and returns the new count.
func (r *MagicLinkRepository) IncrementDailyUse(ctx context.Context, email string, at time.Time) (int, error) {
	key := fmt.Sprintf("%s:daily:%s:%s", r.prefix, strings.ToLower(email), at.UTC().Format("20060102"))

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr daily use: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, 24*time.Hour).Err(); err != nil {
			return int(count), fmt.Errorf("redis expire daily use: %w", err)
		}
	}
	return int(count), nil
}

func (r *MagicLinkRepository) tokenKey(tokenHash string) string {
	return fmt.Sprintf("%s:token:%s", r.prefix, tokenHash)
}

func (r *MagicLinkRepository) idKey(id string) string {
	return fmt.Sprintf("%s:id:%s", r.prefix, id)
}

func (r *MagicLinkRepository) emailKey(email string) string {
	return fmt.Sprintf("%s:email:%s", r.prefix, strings.ToLower(email))
}

func (r *MagicLinkRepository) pendingKey() string {
	return fmt.Sprintf("%s:pending", r.prefix)
}

func redeemOutcomeFromReply(reply string) port.RedeemOutcome {
	switch reply {
	case "ok":
		return port.RedeemOK
	case "used":
		return port.RedeemAlreadyUsed
	case "expired":
		return port.RedeemExpired
	case "revoked":
		return port.RedeemRevoked
	default:
		return port.RedeemNotFound
	}
}

func magicLinkFromHash(tokenHash string, values map[string]string) (*domain.MagicLink, error) {
	createdAt, err := parseUnix(values["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := parseUnix(values["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	link := &domain.MagicLink{
		ID:          values["id"],
		TokenHash:   tokenHash,
		Email:       values["email"],
		Status:      domain.MagicLinkStatus(values["status"]),
		Action:      domain.MagicLinkAction(values["action"]),
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		RedirectURL: values["redirect_url"],
		Context: domain.RequestContext{
			IP:                values["ip"],
			UserAgent:         values["user_agent"],
			DeviceFingerprint: values["fingerprint"],
		},
	}
	if uid := values["user_id"]; uid != "" {
		link.UserID = &uid
	}
	if raw := values["used_at"]; raw != "" {
		usedAt, parseErr := parseUnix(raw)
		if parseErr == nil {
			link.UsedAt = &usedAt
		}
	}
	return link, nil
}

var _ port.MagicLinkStore = (*MagicLinkRepository)(nil)
