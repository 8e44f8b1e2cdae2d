package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
)

func newTokenFixture(clock func() time.Time) (*TokenService, *fakeIdentityProvider, *fakeCache) {
	idp := newFakeIdentityProvider()
	cache := newFakeCache(clock)
	service := NewTokenService(idp, cache, time.Minute, nil)
	service.WithClock(clock)
	return service, idp, cache
}

func TestValidateCachesIntrospection(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service, idp, _ := newTokenFixture(func() time.Time { return current })
	idp.claims["tok-1"] = &domain.TokenClaims{
		Subject:   "user-1",
		Username:  "alice",
		Roles:     []string{"user"},
		IssuedAt:  current,
		ExpiresAt: current.Add(5 * time.Minute),
		Active:    true,
	}
	ctx := context.Background()

	first, err := service.Validate(ctx, "tok-1")
	if err != nil {
		t.Fatalf("first Validate: %v", err)
	}
	second, err := service.Validate(ctx, "tok-1")
	if err != nil {
		t.Fatalf("second Validate: %v", err)
	}
	if idp.introspects != 1 {
		t.Fatalf("expected 1 introspection, got %d", idp.introspects)
	}
	if first.Subject != second.Subject || second.Subject != "user-1" {
		t.Fatal("cached claims must match the introspected ones")
	}
}

func TestValidateInactiveToken(t *testing.T) {
	service, _, _ := newTokenFixture(time.Now)
	_, err := service.Validate(context.Background(), "unknown")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateCachedTokenExpiresMidWindow(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service, idp, _ := newTokenFixture(func() time.Time { return current })
	idp.claims["tok-1"] = &domain.TokenClaims{
		Subject:   "user-1",
		ExpiresAt: current.Add(30 * time.Second),
		Active:    true,
	}
	ctx := context.Background()

	if _, err := service.Validate(ctx, "tok-1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	current = current.Add(31 * time.Second)
	delete(idp.claims, "tok-1")

	_, err := service.Validate(ctx, "tok-1")
	switch {
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenInvalid):
	default:
		t.Fatalf("expected expiry rejection, got %v", err)
	}
}

func TestLogoutDropsCachedValidation(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service, idp, _ := newTokenFixture(func() time.Time { return current })
	idp.claims["tok-1"] = &domain.TokenClaims{
		Subject:   "user-1",
		ExpiresAt: current.Add(5 * time.Minute),
		Active:    true,
	}
	ctx := context.Background()

	if _, err := service.Validate(ctx, "tok-1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := service.Logout(ctx, "tok-1", "refresh-1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(idp.logoutTokens) != 1 || idp.logoutTokens[0] != "refresh-1" {
		t.Fatalf("expected upstream logout with the refresh token, got %v", idp.logoutTokens)
	}

	if _, err := service.Validate(ctx, "tok-1"); err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if idp.introspects != 2 {
		t.Fatalf("expected a fresh introspection after logout, got %d", idp.introspects)
	}
}

func TestInvalidateUserDropsEverySubjectToken(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service, idp, _ := newTokenFixture(func() time.Time { return current })
	for _, tok := range []string{"tok-1", "tok-2"} {
		idp.claims[tok] = &domain.TokenClaims{
			Subject:   "user-1",
			ExpiresAt: current.Add(5 * time.Minute),
			Active:    true,
		}
	}
	idp.claims["tok-other"] = &domain.TokenClaims{
		Subject:   "user-2",
		ExpiresAt: current.Add(5 * time.Minute),
		Active:    true,
	}
	ctx := context.Background()

	for _, tok := range []string{"tok-1", "tok-2", "tok-other"} {
		if _, err := service.Validate(ctx, tok); err != nil {
			t.Fatalf("Validate %s: %v", tok, err)
		}
	}

	service.InvalidateUser(ctx, "user-1")

	baseline := idp.introspects
	if _, err := service.Validate(ctx, "tok-1"); err != nil {
		t.Fatalf("revalidate tok-1: %v", err)
	}
	if _, err := service.Validate(ctx, "tok-2"); err != nil {
		t.Fatalf("revalidate tok-2: %v", err)
	}
	if idp.introspects != baseline+2 {
		t.Fatalf("expected fresh introspections for the invalidated user, got %d extra", idp.introspects-baseline)
	}

	// The other subject stays cached.
	if _, err := service.Validate(ctx, "tok-other"); err != nil {
		t.Fatalf("revalidate tok-other: %v", err)
	}
	if idp.introspects != baseline+2 {
		t.Fatal("unrelated subjects must keep their cached validations")
	}
}

func TestRefreshMapsUpstreamErrors(t *testing.T) {
	service, idp, _ := newTokenFixture(time.Now)
	ctx := context.Background()

	idp.refreshErr = keycloak.ErrInvalidCredentials
	if _, err := service.Refresh(ctx, "stale"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	idp.refreshErr = keycloak.ErrUnavailable
	if _, err := service.Refresh(ctx, "stale"); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}

	idp.refreshErr = nil
	pair, err := service.Refresh(ctx, "good")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatal("expected a fresh token pair")
	}
}
