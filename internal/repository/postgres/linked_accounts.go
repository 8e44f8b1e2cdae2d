package postgres

import (
	"context"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/repository"
)

// LinkedAccountRepository persists OAuth provider links in PostgreSQL.
// The table carries a unique constraint on (provider, provider_user_id) and
// another on (user_id, provider).
type LinkedAccountRepository struct {
	pool    *pgxpool.Pool
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewLinkedAccountRepository wires a PostgreSQL-backed linked account repository.
func NewLinkedAccountRepository(pool *pgxpool.Pool) *LinkedAccountRepository {
	return &LinkedAccountRepository{
		pool:    pool,
		exec:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance operating within the supplied transaction.
func (r *LinkedAccountRepository) WithTx(tx pgx.Tx) *LinkedAccountRepository {
	if tx == nil {
		return r
	}
	return &LinkedAccountRepository{pool: r.pool, exec: tx, builder: r.builder}
}

// Upsert inserts or refreshes a link for (user, provider).
func (r *LinkedAccountRepository) Upsert(ctx context.Context, account domain.LinkedAccount) error {
	stmt, args, err := r.builder.Insert("mu_auth.linked_accounts").
		Columns(
			"user_id",
			"provider",
			"provider_user_id",
			"email",
			"username",
			"linked_at",
			"last_sync_at",
		).
		Values(
			account.UserID,
			string(account.Provider),
			account.ProviderUserID,
			account.Email,
			account.Username,
			account.LinkedAt,
			account.LastSyncAt,
		).
		Suffix(`ON CONFLICT (user_id, provider) DO UPDATE SET
			provider_user_id = EXCLUDED.provider_user_id,
			email = EXCLUDED.email,
			username = EXCLUDED.username,
			last_sync_at = EXCLUDED.last_sync_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert linked account sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert linked account: %w", err)
	}
	return nil
}

// GetByProviderUser finds the link owning a provider identity.
func (r *LinkedAccountRepository) GetByProviderUser(ctx context.Context, provider domain.OAuthProvider, providerUserID string) (*domain.LinkedAccount, error) {
	return r.getWhere(ctx, squirrel.Eq{
		"provider":         string(provider),
		"provider_user_id": providerUserID,
	})
}

// GetByUserAndProvider finds the user's link for one provider.
func (r *LinkedAccountRepository) GetByUserAndProvider(ctx context.Context, userID string, provider domain.OAuthProvider) (*domain.LinkedAccount, error) {
	return r.getWhere(ctx, squirrel.Eq{
		"user_id":  userID,
		"provider": string(provider),
	})
}

// ListByUser returns every provider link the user holds.
func (r *LinkedAccountRepository) ListByUser(ctx context.Context, userID string) ([]domain.LinkedAccount, error) {
	stmt, args, err := r.selectColumns().
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("linked_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select linked accounts sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query linked accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.LinkedAccount
	for rows.Next() {
		account, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked accounts: %w", err)
	}
	return accounts, nil
}

// Delete removes the user's link for one provider.
func (r *LinkedAccountRepository) Delete(ctx context.Context, userID string, provider domain.OAuthProvider) error {
	stmt, args, err := r.builder.Delete("mu_auth.linked_accounts").
		Where(squirrel.Eq{"user_id": userID, "provider": string(provider)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete linked account sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete linked account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *LinkedAccountRepository) selectColumns() squirrel.SelectBuilder {
	return r.builder.Select(
		"user_id",
		"provider",
		"provider_user_id",
		"email",
		"username",
		"linked_at",
		"last_sync_at",
	).From("mu_auth.linked_accounts")
}

func (r *LinkedAccountRepository) getWhere(ctx context.Context, cond squirrel.Eq) (*domain.LinkedAccount, error) {
	stmt, args, err := r.selectColumns().Where(cond).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select linked account sql: %w", err)
	}

	account, err := scanLinkedAccount(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return account, nil
}

func scanLinkedAccount(row pgx.Row) (*domain.LinkedAccount, error) {
	var (
		account  domain.LinkedAccount
		provider string
	)
	if err := row.Scan(
		&account.UserID,
		&provider,
		&account.ProviderUserID,
		&account.Email,
		&account.Username,
		&account.LinkedAt,
		&account.LastSyncAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan linked account: %w", err)
	}
	account.Provider = domain.OAuthProvider(provider)
	return &account, nil
}

var _ port.LinkedAccountRepository = (*LinkedAccountRepository)(nil)
