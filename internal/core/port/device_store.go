package port

import (
	"context"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// TrustedDeviceStore persists device trust grants scoped by user.
type TrustedDeviceStore interface {
	Save(ctx context.Context, device domain.TrustedDevice) error
	GetByFingerprint(ctx context.Context, userID, fingerprintHash string) (*domain.TrustedDevice, error)
	ListByUser(ctx context.Context, userID string) ([]domain.TrustedDevice, error)
	Revoke(ctx context.Context, userID, deviceID string) error
}
