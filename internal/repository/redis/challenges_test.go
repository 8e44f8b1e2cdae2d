package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/repository"
)

func pendingChallenge(id string, issued time.Time, attempts int) domain.MFAChallenge {
	return domain.MFAChallenge{
		ID:                id,
		UserID:            "user-1",
		MethodID:          "method-1",
		MethodType:        domain.MFAMethodSMS,
		Status:            domain.ChallengeStatusPending,
		CodeHash:          "hash-correct",
		CreatedAt:         issued,
		ExpiresAt:         issued.Add(5 * time.Minute),
		AttemptsRemaining: attempts,
		MaskedDestination: "***5678",
	}
}

func TestChallengeConsumeAttemptMatch(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewChallengeRepository(client, "ch")

	ctx := context.Background()
	issued := time.Now()
	if err := repo.Create(ctx, pendingChallenge("c1", issued, 3), 10*time.Minute); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	outcome, remaining, err := repo.ConsumeAttempt(ctx, "c1", "hash-correct", issued.Add(time.Minute))
	if err != nil {
		t.Fatalf("ConsumeAttempt returned error: %v", err)
	}
	if outcome != port.AttemptMatched {
		t.Fatalf("expected matched, got %q", outcome)
	}
	if remaining != 3 {
		t.Fatalf("match must not consume an attempt, got %d remaining", remaining)
	}

	stored, err := repo.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if stored.Status != domain.ChallengeStatusVerified {
		t.Fatalf("expected verified, got %s", stored.Status)
	}

	// A verified challenge is terminal; replays are rejected.
	outcome, _, err = repo.ConsumeAttempt(ctx, "c1", "hash-correct", issued.Add(time.Minute))
	if err != nil {
		t.Fatalf("ConsumeAttempt returned error: %v", err)
	}
	if outcome != port.AttemptRejected {
		t.Fatalf("expected rejected on terminal challenge, got %q", outcome)
	}
}

func TestChallengeConsumeAttemptExhaustion(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewChallengeRepository(client, "ch")

	ctx := context.Background()
	issued := time.Now()
	if err := repo.Create(ctx, pendingChallenge("c2", issued, 3), 10*time.Minute); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	at := issued.Add(time.Minute)
	for want := 2; want >= 1; want-- {
		outcome, remaining, err := repo.ConsumeAttempt(ctx, "c2", "hash-wrong", at)
		if err != nil {
			t.Fatalf("ConsumeAttempt returned error: %v", err)
		}
		if outcome != port.AttemptMismatch {
			t.Fatalf("expected mismatch, got %q", outcome)
		}
		if remaining != want {
			t.Fatalf("expected %d remaining, got %d", want, remaining)
		}
	}

	outcome, remaining, err := repo.ConsumeAttempt(ctx, "c2", "hash-wrong", at)
	if err != nil {
		t.Fatalf("ConsumeAttempt returned error: %v", err)
	}
	if outcome != port.AttemptExhausted {
		t.Fatalf("expected exhausted on last attempt, got %q", outcome)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}

	stored, err := repo.GetByID(ctx, "c2")
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if stored.Status != domain.ChallengeStatusRateLimited {
		t.Fatalf("expected rate_limited, got %s", stored.Status)
	}

	// Even the correct code is rejected once the challenge is locked.
	outcome, _, err = repo.ConsumeAttempt(ctx, "c2", "hash-correct", at)
	if err != nil {
		t.Fatalf("ConsumeAttempt returned error: %v", err)
	}
	if outcome != port.AttemptRejected {
		t.Fatalf("expected rejected after lockout, got %q", outcome)
	}
}

func TestChallengeConsumeAttemptConcurrent(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewChallengeRepository(client, "ch")

	ctx := context.Background()
	issued := time.Now()
	if err := repo.Create(ctx, pendingChallenge("c3", issued, 3), 10*time.Minute); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	// Ten parallel wrong guesses may consume at most the three attempts.
	var mismatches, exhausted, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := repo.ConsumeAttempt(ctx, "c3", "hash-wrong", issued.Add(time.Minute))
			if err != nil {
				t.Errorf("ConsumeAttempt returned error: %v", err)
				return
			}
			switch outcome {
			case port.AttemptMismatch:
				mismatches.Add(1)
			case port.AttemptExhausted:
				exhausted.Add(1)
			case port.AttemptRejected:
				rejected.Add(1)
			default:
				t.Errorf("unexpected outcome %q", outcome)
			}
		}()
	}
	wg.Wait()

	if got := mismatches.Load() + exhausted.Load(); got != 3 {
		t.Fatalf("expected exactly 3 consumed attempts, got %d", got)
	}
	if exhausted.Load() != 1 {
		t.Fatalf("expected exactly one exhaustion, got %d", exhausted.Load())
	}
	if rejected.Load() != 7 {
		t.Fatalf("expected 7 rejections, got %d", rejected.Load())
	}
}

func TestChallengeConsumeAttemptExpired(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewChallengeRepository(client, "ch")

	ctx := context.Background()
	issued := time.Now()
	if err := repo.Create(ctx, pendingChallenge("c4", issued, 3), 10*time.Minute); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	outcome, _, err := repo.ConsumeAttempt(ctx, "c4", "hash-correct", issued.Add(5*time.Minute+time.Second))
	if err != nil {
		t.Fatalf("ConsumeAttempt returned error: %v", err)
	}
	if outcome != port.AttemptRejected {
		t.Fatalf("expected rejected past expiry, got %q", outcome)
	}

	stored, err := repo.GetByID(ctx, "c4")
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if stored.Status != domain.ChallengeStatusExpired {
		t.Fatalf("expected expired, got %s", stored.Status)
	}
}

func TestChallengeConsumeAttemptMissing(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewChallengeRepository(client, "ch")

	_, _, err := repo.ConsumeAttempt(context.Background(), "missing", "hash", time.Now())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
