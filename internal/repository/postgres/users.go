package postgres

import (
	"context"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/repository"
)

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserMirrorRepository maintains the local copy of Keycloak users in
// PostgreSQL. Keycloak stays authoritative; rows here are refreshed by the
// sync service.
type UserMirrorRepository struct {
	pool    *pgxpool.Pool
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewUserMirrorRepository wires a PostgreSQL-backed user mirror.
func NewUserMirrorRepository(pool *pgxpool.Pool) *UserMirrorRepository {
	return &UserMirrorRepository{
		pool:    pool,
		exec:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance operating within the supplied transaction.
func (r *UserMirrorRepository) WithTx(tx pgx.Tx) *UserMirrorRepository {
	if tx == nil {
		return r
	}
	return &UserMirrorRepository{pool: r.pool, exec: tx, builder: r.builder}
}

// Upsert inserts or refreshes the mirrored row.
func (r *UserMirrorRepository) Upsert(ctx context.Context, user domain.User) error {
	stmt, args, err := r.builder.Insert("mu_auth.users").
		Columns(
			"id",
			"username",
			"email",
			"email_verified",
			"first_name",
			"last_name",
			"phone",
			"enabled",
			"roles",
			"mfa_enforced",
			"created_at",
			"last_sync_at",
		).
		Values(
			user.ID,
			user.Username,
			user.Email,
			user.EmailVerified,
			user.FirstName,
			user.LastName,
			user.Phone,
			user.Enabled,
			user.Roles,
			user.MFAEnforced,
			user.CreatedAt,
			user.LastSyncAt,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			email_verified = EXCLUDED.email_verified,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			phone = EXCLUDED.phone,
			enabled = EXCLUDED.enabled,
			roles = EXCLUDED.roles,
			mfa_enforced = EXCLUDED.mfa_enforced,
			last_sync_at = EXCLUDED.last_sync_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert user sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetByID retrieves a mirrored user by identifier.
func (r *UserMirrorRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getWhere(ctx, squirrel.Eq{"id": id})
}

// GetByEmail retrieves a mirrored user by email.
func (r *UserMirrorRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getWhere(ctx, squirrel.Eq{"email": email})
}

// Delete removes a mirrored row, used when Keycloak reports the account gone.
func (r *UserMirrorRepository) Delete(ctx context.Context, id string) error {
	stmt, args, err := r.builder.Delete("mu_auth.users").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete user sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserMirrorRepository) getWhere(ctx context.Context, cond squirrel.Eq) (*domain.User, error) {
	stmt, args, err := r.builder.
		Select(
			"id",
			"username",
			"email",
			"email_verified",
			"first_name",
			"last_name",
			"phone",
			"enabled",
			"roles",
			"mfa_enforced",
			"created_at",
			"last_sync_at",
		).
		From("mu_auth.users").
		Where(cond).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user sql: %w", err)
	}

	var user domain.User
	row := r.exec.QueryRow(ctx, stmt, args...)
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.EmailVerified,
		&user.FirstName,
		&user.LastName,
		&user.Phone,
		&user.Enabled,
		&user.Roles,
		&user.MFAEnforced,
		&user.CreatedAt,
		&user.LastSyncAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	return &user, nil
}

var _ port.UserMirrorRepository = (*UserMirrorRepository)(nil)
