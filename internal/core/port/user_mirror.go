package port

import (
	"context"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// UserMirrorRepository maintains the local Postgres copy of Keycloak users.
type UserMirrorRepository interface {
	Upsert(ctx context.Context, user domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Delete(ctx context.Context, id string) error
}

// AuditLogRepository appends authorization decisions and sync outcomes.
// Entries are never updated or deleted.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	ListByActor(ctx context.Context, actor string, limit int) ([]domain.AuditEntry, error)
}
