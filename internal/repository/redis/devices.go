package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/repository"
)

const defaultDevicePrefix = "device"

// TrustedDeviceRepository persists device trust grants in Redis. Records are
// keyed per (user, device id) with a fingerprint index for the login path.
type TrustedDeviceRepository struct {
	client *redis.Client
	prefix string
}

// NewTrustedDeviceRepository constructs the repository with the provided key prefix.
func NewTrustedDeviceRepository(client *redis.Client, keyPrefix string) *TrustedDeviceRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultDevicePrefix
	}
	return &TrustedDeviceRepository{client: client, prefix: prefix}
}

// Save stores or rewrites the device record and its fingerprint index.
func (r *TrustedDeviceRepository) Save(ctx context.Context, device domain.TrustedDevice) error {
	if device.ID == "" || device.UserID == "" || device.FingerprintHash == "" {
		return errors.New("device id, user id and fingerprint are required")
	}

	encoded, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.deviceKey(device.UserID, device.ID), encoded, 0)
	pipe.Set(ctx, r.fingerprintKey(device.UserID, device.FingerprintHash), device.ID, 0)
	pipe.SAdd(ctx, r.userKey(device.UserID), device.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store device: %w", err)
	}
	return nil
}

// GetByFingerprint resolves the fingerprint index within the user's scope.
// A fingerprint trusted by one user grants nothing to another.
func (r *TrustedDeviceRepository) GetByFingerprint(ctx context.Context, userID, fingerprintHash string) (*domain.TrustedDevice, error) {
	deviceID, err := r.client.Get(ctx, r.fingerprintKey(userID, fingerprintHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get device fingerprint index: %w", err)
	}
	return r.get(ctx, userID, deviceID)
}

// ListByUser returns every remembered device for the user.
func (r *TrustedDeviceRepository) ListByUser(ctx context.Context, userID string) ([]domain.TrustedDevice, error) {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers devices: %w", err)
	}

	devices := make([]domain.TrustedDevice, 0, len(ids))
	for _, id := range ids {
		device, err := r.get(ctx, userID, id)
		if errors.Is(err, repository.ErrNotFound) {
			r.client.SRem(ctx, r.userKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, nil
}

// Revoke deactivates the device so it can no longer skip MFA. The record is
// retained for the device list.
func (r *TrustedDeviceRepository) Revoke(ctx context.Context, userID, deviceID string) error {
	device, err := r.get(ctx, userID, deviceID)
	if err != nil {
		return err
	}

	device.IsActive = false
	encoded, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.deviceKey(userID, deviceID), encoded, 0)
	pipe.Del(ctx, r.fingerprintKey(userID, device.FingerprintHash))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis revoke device: %w", err)
	}
	return nil
}

func (r *TrustedDeviceRepository) get(ctx context.Context, userID, deviceID string) (*domain.TrustedDevice, error) {
	raw, err := r.client.Get(ctx, r.deviceKey(userID, deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get device: %w", err)
	}

	var device domain.TrustedDevice
	if err := json.Unmarshal([]byte(raw), &device); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	return &device, nil
}

func (r *TrustedDeviceRepository) deviceKey(userID, deviceID string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, userID, deviceID)
}

func (r *TrustedDeviceRepository) fingerprintKey(userID, fingerprintHash string) string {
	return fmt.Sprintf("%s:fp:%s:%s", r.prefix, userID, fingerprintHash)
}

func (r *TrustedDeviceRepository) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, userID)
}

var _ port.TrustedDeviceStore = (*TrustedDeviceRepository)(nil)
