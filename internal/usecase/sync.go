package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
	"github.com/smplatform/mu-auth/internal/infra/retry"
)

const syncPageSize = 100

// SyncService mirrors Keycloak users into the local Postgres copy. Runs are
// admin-triggered; each page fetch retries under the bounded backoff policy.
type SyncService struct {
	idp    port.IdentityProvider
	mirror port.UserMirrorRepository
	audit  port.AuditLogRepository
	policy retry.Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewSyncService constructs the mirror sync job.
func NewSyncService(idp port.IdentityProvider, mirror port.UserMirrorRepository, audit port.AuditLogRepository, log *zap.Logger) *SyncService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncService{
		idp:    idp,
		mirror: mirror,
		audit:  audit,
		policy: retry.DefaultPolicy(),
		logger: log,
		now:    time.Now,
	}
}

// WithClock overrides the service clock, used in tests.
func (s *SyncService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// SyncReport summarizes one run.
type SyncReport struct {
	Total     int
	Upserted  int
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

// SyncAll pages through every Keycloak user and upserts each into the
// mirror. Individual upsert failures are counted and logged, not fatal.
func (s *SyncService) SyncAll(ctx context.Context, actor string) (*SyncReport, error) {
	started := s.now().UTC()
	report := &SyncReport{StartedAt: started}

	offset := 0
	for {
		var page []domain.User
		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			users, listErr := s.idp.ListUsers(ctx, offset, syncPageSize)
			if listErr != nil {
				if errors.Is(listErr, keycloak.ErrUnavailable) {
					return listErr
				}
				return retry.Permanent(listErr)
			}
			page = users
			return nil
		})
		if err != nil {
			s.appendSyncAudit(ctx, actor, "failure", fmt.Sprintf("list users at offset %d: %v", offset, err), report)
			return report, fmt.Errorf("list users: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, user := range page {
			report.Total++
			syncedAt := s.now().UTC()
			user.LastSyncAt = &syncedAt
			if err := s.mirror.Upsert(ctx, user); err != nil {
				report.Failed++
				s.logger.Warn("mirror upsert failed",
					zap.String("user_id", user.ID),
					zap.Error(err),
				)
				continue
			}
			report.Upserted++
		}

		if len(page) < syncPageSize {
			break
		}
		offset += syncPageSize
	}

	report.Duration = s.now().UTC().Sub(started)

	outcome := "success"
	if report.Failed > 0 {
		outcome = "partial"
	}
	s.appendSyncAudit(ctx, actor, outcome, "", report)

	s.logger.Info("user mirror sync finished",
		zap.Int("total", report.Total),
		zap.Int("upserted", report.Upserted),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// SyncUser refreshes the mirror row for a single user, used after profile
// or role changes.
func (s *SyncService) SyncUser(ctx context.Context, userID string) (*domain.User, error) {
	var user *domain.User
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		fetched, getErr := s.idp.GetUser(ctx, userID)
		if getErr != nil {
			if errors.Is(getErr, keycloak.ErrUnavailable) {
				return getErr
			}
			return retry.Permanent(getErr)
		}
		user = fetched
		return nil
	})
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			// Gone upstream means gone locally too.
			if delErr := s.mirror.Delete(ctx, userID); delErr != nil {
				s.logger.Warn("mirror delete failed", zap.String("user_id", userID), zap.Error(delErr))
			}
			return nil, fmt.Errorf("fetch user: %w", err)
		}
		return nil, fmt.Errorf("fetch user: %w", err)
	}

	syncedAt := s.now().UTC()
	user.LastSyncAt = &syncedAt
	if err := s.mirror.Upsert(ctx, *user); err != nil {
		return nil, fmt.Errorf("mirror upsert: %w", err)
	}
	return user, nil
}

func (s *SyncService) appendSyncAudit(ctx context.Context, actor, outcome, reason string, report *SyncReport) {
	if s.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	entry := domain.AuditEntry{
		ID:       uuid.NewString(),
		Actor:    actor,
		Action:   "user_mirror_sync",
		Resource: "users",
		Outcome:  outcome,
		Reason:   reason,
		Metadata: map[string]any{
			"total":    report.Total,
			"upserted": report.Upserted,
			"failed":   report.Failed,
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Warn("append sync audit failed", zap.Error(err))
	}
}
