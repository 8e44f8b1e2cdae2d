package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func pendingLink(tokenHash string, issued time.Time) domain.MagicLink {
	return domain.MagicLink{
		ID:        "link-" + tokenHash,
		TokenHash: tokenHash,
		Email:     "user@example.com",
		Status:    domain.MagicLinkStatusPending,
		Action:    domain.MagicLinkActionLogin,
		CreatedAt: issued,
		ExpiresAt: issued.Add(30 * time.Minute),
	}
}

func TestMagicLinkRedeemExactlyOnce(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	ctx := context.Background()
	issued := time.Now()
	if err := repo.Create(ctx, pendingLink("tok-1", issued), time.Hour); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	const attempts = 20
	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := repo.Redeem(ctx, "tok-1", issued.Add(time.Minute))
			if err != nil {
				t.Errorf("Redeem returned error: %v", err)
				return
			}
			if outcome == port.RedeemOK {
				successes.Add(1)
			} else if outcome != port.RedeemAlreadyUsed {
				t.Errorf("unexpected outcome %q", outcome)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", got)
	}

	link, err := repo.GetByTokenHash(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetByTokenHash returned error: %v", err)
	}
	if link.Status != domain.MagicLinkStatusUsed {
		t.Fatalf("expected status used, got %s", link.Status)
	}
	if link.UsedAt == nil {
		t.Fatalf("expected used_at to be recorded")
	}
}

func TestMagicLinkRedeemExpired(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	ctx := context.Background()
	issued := time.Now()
	if err := repo.Create(ctx, pendingLink("tok-2", issued), time.Hour); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	// One second past expiry must fail; the link transitions to expired.
	outcome, link, err := repo.Redeem(ctx, "tok-2", issued.Add(30*time.Minute+time.Second))
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if outcome != port.RedeemExpired {
		t.Fatalf("expected expired outcome, got %q", outcome)
	}
	if link.Status != domain.MagicLinkStatusExpired {
		t.Fatalf("expected stored status expired, got %s", link.Status)
	}
}

func TestMagicLinkRedeemWithinExpiry(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	ctx := context.Background()
	issued := time.Now()
	if err := repo.Create(ctx, pendingLink("tok-3", issued), time.Hour); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	// One second before expiry still succeeds.
	outcome, _, err := repo.Redeem(ctx, "tok-3", issued.Add(30*time.Minute-time.Second))
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if outcome != port.RedeemOK {
		t.Fatalf("expected ok outcome, got %q", outcome)
	}
}

func TestMagicLinkRevokeBlocksRedemption(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	ctx := context.Background()
	issued := time.Now()
	link := pendingLink("tok-4", issued)
	if err := repo.Create(ctx, link, time.Hour); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := repo.Revoke(ctx, link.ID, issued.Add(time.Minute)); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}

	outcome, _, err := repo.Redeem(ctx, "tok-4", issued.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if outcome != port.RedeemRevoked {
		t.Fatalf("expected revoked outcome, got %q", outcome)
	}
}

func TestMagicLinkRedeemUnknownToken(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	outcome, link, err := repo.Redeem(context.Background(), "missing", time.Now())
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if outcome != port.RedeemNotFound {
		t.Fatalf("expected not_found outcome, got %q", outcome)
	}
	if link != nil {
		t.Fatalf("expected nil link for unknown token")
	}
}

func TestMagicLinkExpirePendingSweep(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	ctx := context.Background()
	issued := time.Now()
	for _, tok := range []string{"tok-a", "tok-b", "tok-c"} {
		if err := repo.Create(ctx, pendingLink(tok, issued), time.Hour); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	// Redeem one so the sweep only sees the remaining pending links.
	if outcome, _, _ := repo.Redeem(ctx, "tok-a", issued.Add(time.Minute)); outcome != port.RedeemOK {
		t.Fatalf("setup redemption failed: %v", outcome)
	}

	transitioned, err := repo.ExpirePending(ctx, issued.Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpirePending returned error: %v", err)
	}
	if transitioned != 2 {
		t.Fatalf("expected 2 links transitioned, got %d", transitioned)
	}

	link, err := repo.GetByTokenHash(ctx, "tok-b")
	if err != nil {
		t.Fatalf("GetByTokenHash returned error: %v", err)
	}
	if link.Status != domain.MagicLinkStatusExpired {
		t.Fatalf("expected status expired after sweep, got %s", link.Status)
	}
}

func TestMagicLinkDailyUseCounter(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	ctx := context.Background()
	at := time.Now()
	for want := 1; want <= 3; want++ {
		count, err := repo.IncrementDailyUse(ctx, "User@Example.com", at)
		if err != nil {
			t.Fatalf("IncrementDailyUse returned error: %v", err)
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
	}

	// Case differences in the email map to the same counter.
	count, err := repo.IncrementDailyUse(ctx, "user@example.com", at)
	if err != nil {
		t.Fatalf("IncrementDailyUse returned error: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected shared counter value 4, got %d", count)
	}
}

func TestMagicLinkListByEmail(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewMagicLinkRepository(client, "ml")

	ctx := context.Background()
	issued := time.Now()
	for _, tok := range []string{"tok-x", "tok-y"} {
		if err := repo.Create(ctx, pendingLink(tok, issued), time.Hour); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	links, err := repo.ListByEmail(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("ListByEmail returned error: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
}
