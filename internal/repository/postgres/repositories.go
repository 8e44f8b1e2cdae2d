package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Users          *UserMirrorRepository
	LinkedAccounts *LinkedAccountRepository
	AuditLog       *AuditLogRepository
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Users:          NewUserMirrorRepository(pool),
		LinkedAccounts: NewLinkedAccountRepository(pool),
		AuditLog:       NewAuditLogRepository(pool),
	}
}
