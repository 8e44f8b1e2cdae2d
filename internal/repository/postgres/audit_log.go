package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
)

// AuditLogRepository appends authorization decisions and sync outcomes to
// PostgreSQL. Rows are never updated or deleted.
type AuditLogRepository struct {
	pool    *pgxpool.Pool
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewAuditLogRepository wires a PostgreSQL-backed audit log.
func NewAuditLogRepository(pool *pgxpool.Pool) *AuditLogRepository {
	return &AuditLogRepository{
		pool:    pool,
		exec:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Append writes one audit entry.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	stmt, args, err := r.builder.Insert("mu_auth.audit_log").
		Columns(
			"id",
			"actor",
			"action",
			"resource",
			"outcome",
			"reason",
			"metadata",
			"created_at",
		).
		Values(
			entry.ID,
			entry.Actor,
			entry.Action,
			entry.Resource,
			entry.Outcome,
			entry.Reason,
			entry.Metadata,
			entry.CreatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert audit entry sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListByActor returns the most recent entries for one actor.
func (r *AuditLogRepository) ListByActor(ctx context.Context, actor string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	stmt, args, err := r.builder.
		Select(
			"id",
			"actor",
			"action",
			"resource",
			"outcome",
			"reason",
			"metadata",
			"created_at",
		).
		From("mu_auth.audit_log").
		Where(squirrel.Eq{"actor": actor}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select audit entries sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.Actor,
			&entry.Action,
			&entry.Resource,
			&entry.Outcome,
			&entry.Reason,
			&entry.Metadata,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

var _ port.AuditLogRepository = (*AuditLogRepository)(nil)
