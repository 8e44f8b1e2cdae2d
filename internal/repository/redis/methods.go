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

const defaultMethodPrefix = "mfa:method"

// mfaMethodRecord is the stored shape of a method. The metadata union is
// flattened to a type tag plus the variant payload.
type mfaMethodRecord struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	IsEnabled   bool       `json:"is_enabled"`
	IsPrimary   bool       `json:"is_primary"`
	IsVerified  bool       `json:"is_verified"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	TOTP        *domain.TOTPMetadata        `json:"totp,omitempty"`
	SMS         *domain.SMSMetadata         `json:"sms,omitempty"`
	Email       *domain.EmailMetadata       `json:"email,omitempty"`
	BackupCodes *domain.BackupCodesMetadata `json:"backup_codes,omitempty"`
}

// MFAMethodRepository persists configured second-factor methods in Redis,
// indexed per user.
type MFAMethodRepository struct {
	client *redis.Client
	prefix string
}

// NewMFAMethodRepository constructs the repository with the provided key prefix.
func NewMFAMethodRepository(client *redis.Client, keyPrefix string) *MFAMethodRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultMethodPrefix
	}
	return &MFAMethodRepository{client: client, prefix: prefix}
}

// Create stores the method and registers it in the user index.
func (r *MFAMethodRepository) Create(ctx context.Context, method domain.MFAMethod) error {
	if method.ID == "" || method.UserID == "" {
		return errors.New("method id and user id are required")
	}

	exists, err := r.client.Exists(ctx, r.methodKey(method.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists method: %w", err)
	}
	if exists > 0 {
		return repository.ErrConflict
	}
	return r.write(ctx, method)
}

// GetByID loads one method.
func (r *MFAMethodRepository) GetByID(ctx context.Context, id string) (*domain.MFAMethod, error) {
	raw, err := r.client.Get(ctx, r.methodKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get method: %w", err)
	}

	var record mfaMethodRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode method: %w", err)
	}
	method := record.toDomain()
	return &method, nil
}

// ListByUser returns every method configured for the user.
func (r *MFAMethodRepository) ListByUser(ctx context.Context, userID string) ([]domain.MFAMethod, error) {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers methods: %w", err)
	}

	methods := make([]domain.MFAMethod, 0, len(ids))
	for _, id := range ids {
		method, err := r.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			r.client.SRem(ctx, r.userKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		methods = append(methods, *method)
	}
	return methods, nil
}

// Update rewrites an existing method.
func (r *MFAMethodRepository) Update(ctx context.Context, method domain.MFAMethod) error {
	exists, err := r.client.Exists(ctx, r.methodKey(method.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists method: %w", err)
	}
	if exists == 0 {
		return repository.ErrNotFound
	}
	return r.write(ctx, method)
}

// Delete removes the method and its index entry.
func (r *MFAMethodRepository) Delete(ctx context.Context, id string) error {
	method, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.methodKey(id))
	pipe.SRem(ctx, r.userKey(method.UserID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete method: %w", err)
	}
	return nil
}

func (r *MFAMethodRepository) write(ctx context.Context, method domain.MFAMethod) error {
	record := mfaMethodRecord{
		ID:          method.ID,
		UserID:      method.UserID,
		Type:        string(method.Type),
		Name:        method.Name,
		IsEnabled:   method.IsEnabled,
		IsPrimary:   method.IsPrimary,
		IsVerified:  method.IsVerified,
		CreatedAt:   method.CreatedAt,
		LastUsedAt:  method.LastUsedAt,
		TOTP:        method.Metadata.TOTP,
		SMS:         method.Metadata.SMS,
		Email:       method.Metadata.Email,
		BackupCodes: method.Metadata.BackupCodes,
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode method: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.methodKey(method.ID), encoded, 0)
	pipe.SAdd(ctx, r.userKey(method.UserID), method.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store method: %w", err)
	}
	return nil
}

func (r *MFAMethodRepository) methodKey(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

func (r *MFAMethodRepository) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, userID)
}

func (rec mfaMethodRecord) toDomain() domain.MFAMethod {
	return domain.MFAMethod{
		ID:         rec.ID,
		UserID:     rec.UserID,
		Type:       domain.MFAMethodType(rec.Type),
		Name:       rec.Name,
		IsEnabled:  rec.IsEnabled,
		IsPrimary:  rec.IsPrimary,
		IsVerified: rec.IsVerified,
		CreatedAt:  rec.CreatedAt,
		LastUsedAt: rec.LastUsedAt,
		Metadata: domain.MFAMethodMetadata{
			TOTP:        rec.TOTP,
			SMS:         rec.SMS,
			Email:       rec.Email,
			BackupCodes: rec.BackupCodes,
		},
	}
}

var _ port.MFAMethodStore = (*MFAMethodRepository)(nil)
