package port

import (
	"context"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// RedeemOutcome reports the result of an atomic magic-link redemption.
type RedeemOutcome string

const (
	// RedeemOK means this call transitioned the link from pending to used.
	RedeemOK RedeemOutcome = "ok"
	// RedeemAlreadyUsed means another redemption won the race or the link
	// was already consumed.
	RedeemAlreadyUsed RedeemOutcome = "used"
	// RedeemExpired means the link elapsed before redemption.
	RedeemExpired RedeemOutcome = "expired"
	// RedeemRevoked means the link was explicitly revoked.
	RedeemRevoked RedeemOutcome = "revoked"
	// RedeemNotFound means no link exists for the token.
	RedeemNotFound RedeemOutcome = "not_found"
)

// MagicLinkStore persists magic links keyed by token hash. Redeem must be a
// single atomic compare-and-set against the store: under N concurrent calls
// for the same token exactly one returns RedeemOK.
type MagicLinkStore interface {
	Create(ctx context.Context, link domain.MagicLink, retention time.Duration) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.MagicLink, error)
	GetByID(ctx context.Context, id string) (*domain.MagicLink, error)
	Redeem(ctx context.Context, tokenHash string, at time.Time) (RedeemOutcome, *domain.MagicLink, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	ListByEmail(ctx context.Context, email string) ([]domain.MagicLink, error)
	// ExpirePending transitions lapsed pending links to expired and purges
	// entries older than the retention window. Returns the number of links
	// transitioned.
	ExpirePending(ctx context.Context, before time.Time) (int, error)
	// IncrementDailyUse atomically bumps the rolling 24h generation counter
	// for the email and returns the new count.
	IncrementDailyUse(ctx context.Context, email string, at time.Time) (int, error)
}
