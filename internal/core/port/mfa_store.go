package port

import (
	"context"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// MFAMethodStore persists configured second-factor methods.
type MFAMethodStore interface {
	Create(ctx context.Context, method domain.MFAMethod) error
	GetByID(ctx context.Context, id string) (*domain.MFAMethod, error)
	ListByUser(ctx context.Context, userID string) ([]domain.MFAMethod, error)
	Update(ctx context.Context, method domain.MFAMethod) error
	Delete(ctx context.Context, id string) error
}

// AttemptOutcome reports the result of an atomic challenge attempt.
type AttemptOutcome string

const (
	// AttemptMatched means the code matched and the challenge is verified.
	AttemptMatched AttemptOutcome = "matched"
	// AttemptMismatch means the code did not match; an attempt was consumed.
	AttemptMismatch AttemptOutcome = "mismatch"
	// AttemptExhausted means the mismatch consumed the last attempt and the
	// challenge transitioned to rate_limited.
	AttemptExhausted AttemptOutcome = "exhausted"
	// AttemptRejected means the challenge is terminal or expired; nothing
	// was consumed.
	AttemptRejected AttemptOutcome = "rejected"
)

// ChallengeStore persists in-flight MFA challenges. ConsumeAttempt must be
// atomic per challenge id: two parallel verification attempts may not both
// be granted the same remaining attempt.
type ChallengeStore interface {
	Create(ctx context.Context, challenge domain.MFAChallenge, ttl time.Duration) error
	GetByID(ctx context.Context, id string) (*domain.MFAChallenge, error)
	// ConsumeAttempt compares the submitted code hash against the stored one
	// in a single atomic step, decrementing attempts on mismatch and marking
	// the challenge verified on match.
	ConsumeAttempt(ctx context.Context, id string, codeHash string, at time.Time) (AttemptOutcome, int, error)
	MarkExpired(ctx context.Context, id string) error
}

// BackupCodeStore persists the active batch of recovery codes per user.
// Replace swaps the whole batch, invalidating all prior codes. Consume must
// be atomic per (userID, codeHash) so each code is accepted at most once.
type BackupCodeStore interface {
	Replace(ctx context.Context, batch domain.BackupCodeBatch) error
	Get(ctx context.Context, userID string) (*domain.BackupCodeBatch, error)
	Consume(ctx context.Context, userID, codeHash string) (bool, int, error)
	Delete(ctx context.Context, userID string) error
}
