package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/repository"
)

func TestOAuthStateConsumeOnce(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewOAuthStateRepository(client, "st")

	ctx := context.Background()
	now := time.Now()
	state := domain.OAuthState{
		State:       "abc123",
		Provider:    domain.OAuthProviderGoogle,
		RedirectURI: "https://app.example.com/callback",
		Nonce:       "n-1",
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
	if err := repo.Save(ctx, state); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	stored, err := repo.Consume(ctx, "abc123")
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if stored.Provider != domain.OAuthProviderGoogle {
		t.Fatalf("expected google provider, got %s", stored.Provider)
	}

	if _, err := repo.Consume(ctx, "abc123"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestOAuthStateExpiresWithTTL(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewOAuthStateRepository(client, "st")

	ctx := context.Background()
	now := time.Now()
	state := domain.OAuthState{
		State:     "short",
		Provider:  domain.OAuthProviderGitHub,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	if err := repo.Save(ctx, state); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	server.FastForward(2 * time.Minute)

	if _, err := repo.Consume(ctx, "short"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestOAuthStateRejectsStaleSave(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewOAuthStateRepository(client, "st")
	repo.WithClock(func() time.Time { return time.Now() })

	state := domain.OAuthState{
		State:     "stale",
		Provider:  domain.OAuthProviderGoogle,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := repo.Save(context.Background(), state); err == nil {
		t.Fatalf("expected error for already-expired state")
	}
}
