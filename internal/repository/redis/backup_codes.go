package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/repository"
)

const defaultBackupCodePrefix = "mfa:backup"

// consumeBackupCodeScript accepts a code at most once: the membership check
// and the used-set insertion happen in one step. Returns {consumed, remaining}.
var consumeBackupCodeScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {0, redis.call('SCARD', KEYS[1]) - redis.call('SCARD', KEYS[2])}
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return {0, redis.call('SCARD', KEYS[1]) - redis.call('SCARD', KEYS[2])}
end
redis.call('SADD', KEYS[2], ARGV[1])
return {1, redis.call('SCARD', KEYS[1]) - redis.call('SCARD', KEYS[2])}
`)

// BackupCodeRepository persists the active recovery-code batch per user as a
// pair of sets (issued hashes, used hashes) plus a meta hash for batch info.
type BackupCodeRepository struct {
	client *redis.Client
	prefix string
}

// NewBackupCodeRepository constructs the repository with the provided key prefix.
func NewBackupCodeRepository(client *redis.Client, keyPrefix string) *BackupCodeRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultBackupCodePrefix
	}
	return &BackupCodeRepository{client: client, prefix: prefix}
}

// Replace swaps the entire batch; all prior codes stop working.
func (r *BackupCodeRepository) Replace(ctx context.Context, batch domain.BackupCodeBatch) error {
	if batch.UserID == "" {
		return errors.New("user id is required")
	}
	if len(batch.CodeHashes) == 0 {
		return errors.New("batch must contain at least one code")
	}

	members := make([]any, len(batch.CodeHashes))
	for i, h := range batch.CodeHashes {
		members[i] = h
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.codesKey(batch.UserID), r.usedKey(batch.UserID), r.metaKey(batch.UserID))
	pipe.SAdd(ctx, r.codesKey(batch.UserID), members...)
	pipe.HSet(ctx, r.metaKey(batch.UserID), map[string]any{
		"id":           batch.ID,
		"generated_at": batch.GeneratedAt.Unix(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis replace backup codes: %w", err)
	}
	return nil
}

// Get returns the active batch with its used subset.
func (r *BackupCodeRepository) Get(ctx context.Context, userID string) (*domain.BackupCodeBatch, error) {
	meta, err := r.client.HGetAll(ctx, r.metaKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall backup meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, repository.ErrNotFound
	}

	codes, err := r.client.SMembers(ctx, r.codesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers backup codes: %w", err)
	}
	used, err := r.client.SMembers(ctx, r.usedKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers used codes: %w", err)
	}

	generatedAt, err := parseUnix(meta["generated_at"])
	if err != nil {
		return nil, fmt.Errorf("parse generated_at: %w", err)
	}

	return &domain.BackupCodeBatch{
		ID:          meta["id"],
		UserID:      userID,
		CodeHashes:  codes,
		UsedHashes:  used,
		GeneratedAt: generatedAt,
	}, nil
}

// Consume accepts the code hash if it belongs to the batch and is still
// unused, reporting how many codes remain afterwards.
func (r *BackupCodeRepository) Consume(ctx context.Context, userID, codeHash string) (bool, int, error) {
	raw, err := consumeBackupCodeScript.Run(ctx, r.client,
		[]string{r.codesKey(userID), r.usedKey(userID)}, codeHash).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis consume backup code: %w", err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply: %v", raw)
	}
	consumed, _ := reply[0].(int64)
	remaining, _ := reply[1].(int64)
	return consumed == 1, int(remaining), nil
}

// Delete removes the batch entirely.
func (r *BackupCodeRepository) Delete(ctx context.Context, userID string) error {
	deleted, err := r.client.Del(ctx, r.codesKey(userID), r.usedKey(userID), r.metaKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("redis delete backup codes: %w", err)
	}
	if deleted == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *BackupCodeRepository) codesKey(userID string) string {
	return fmt.Sprintf("%s:%s:codes", r.prefix, userID)
}

func (r *BackupCodeRepository) usedKey(userID string) string {
	return fmt.Sprintf("%s:%s:used", r.prefix, userID)
}

func (r *BackupCodeRepository) metaKey(userID string) string {
	return fmt.Sprintf("%s:%s:meta", r.prefix, userID)
}

var _ port.BackupCodeStore = (*BackupCodeRepository)(nil)
