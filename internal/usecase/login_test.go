package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/infra/config"
)

type loginFixture struct {
	service *LoginService
	idp     *fakeIdentityProvider
	mfa     *mfaFixture
	events  *fakeEventRecorder
}

func newLoginFixture(clock func() time.Time, maxAttempts int, users ...domain.User) *loginFixture {
	f := &loginFixture{
		idp:    newFakeIdentityProvider(users...),
		mfa:    newMFAFixture(clock),
		events: &fakeEventRecorder{},
	}
	limiter := NewRateLimiter(newMemoryRateLimitStore(), time.Minute, maxAttempts)

	magicLimiter := NewRateLimiter(newMemoryRateLimitStore(), time.Minute, 100)
	magicLinks := NewMagicLinkService(
		config.MagicLinkSettings{Expiry: 30 * time.Minute},
		f.idp,
		newFakeMagicLinkStore(),
		&fakeDispatcher{},
		f.events,
		f.mfa.service,
		magicLimiter,
		nil,
	)
	magicLinks.WithClock(clock)

	f.service = NewLoginService(f.idp, f.mfa.service, magicLinks, f.events, limiter, nil)
	f.service.WithClock(clock)
	return f
}

func TestPasswordLoginSuccess(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	user := domain.User{ID: "user-1", Username: "alice", Email: "alice@example.com"}
	f := newLoginFixture(func() time.Time { return current }, 10, user)
	f.idp.passwords["alice"] = "s3cret"
	f.idp.claims["access-token"] = &domain.TokenClaims{
		Subject: "user-1",
		Active:  true,
	}

	result, err := f.service.LoginWithOptions(context.Background(), LoginOptions{
		Username: "alice",
		Password: "s3cret",
		IP:       "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("LoginWithOptions: %v", err)
	}
	if !result.Success || result.Tokens == nil {
		t.Fatal("expected tokens on success")
	}
	if result.UserID != "user-1" {
		t.Fatalf("unexpected user id %q", result.UserID)
	}
	if len(f.events.succeeded) != 1 {
		t.Fatalf("expected login succeeded event, got %d", len(f.events.succeeded))
	}
}

func TestPasswordLoginInvalidCredentials(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	user := domain.User{ID: "user-1", Username: "alice"}
	f := newLoginFixture(func() time.Time { return current }, 10, user)
	f.idp.passwords["alice"] = "s3cret"

	_, err := f.service.LoginWithOptions(context.Background(), LoginOptions{
		Username: "alice",
		Password: "wrong",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if len(f.events.failed) != 1 {
		t.Fatalf("expected login failed event, got %d", len(f.events.failed))
	}

	// Unknown users surface the same error.
	_, err = f.service.LoginWithOptions(context.Background(), LoginOptions{
		Username: "bob",
		Password: "whatever",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestPasswordLoginMissingCredentials(t *testing.T) {
	f := newLoginFixture(time.Now, 10)
	_, err := f.service.LoginWithOptions(context.Background(), LoginOptions{Username: "alice"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPasswordLoginRateLimited(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	user := domain.User{ID: "user-1", Username: "alice"}
	f := newLoginFixture(func() time.Time { return current }, 2, user)
	f.idp.passwords["alice"] = "s3cret"
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = f.service.LoginWithOptions(ctx, LoginOptions{Username: "alice", Password: "wrong"})
	}

	_, err := f.service.LoginWithOptions(ctx, LoginOptions{Username: "alice", Password: "s3cret"})
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("RateLimitedError must match the ErrRateLimited sentinel")
	}
	if limited.RetryAfter <= 0 || limited.RetryAfter > time.Minute {
		t.Fatalf("retry hint must fall within the window, got %s", limited.RetryAfter)
	}
}

func TestPasswordLoginEnforcedMFAIssuesChallenge(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	user := domain.User{ID: "user-1", Username: "alice", MFAEnforced: true}
	f := newLoginFixture(clock, 10, user)
	f.idp.passwords["alice"] = "s3cret"
	f.idp.claims["access-token"] = &domain.TokenClaims{Subject: "user-1", Active: true}
	setupVerifiedSMSMethod(t, f.mfa, "user-1")
	ctx := context.Background()

	result, err := f.service.LoginWithOptions(ctx, LoginOptions{Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("LoginWithOptions: %v", err)
	}
	if !result.RequiresMFA || result.Challenge == nil {
		t.Fatal("expected a pending MFA challenge")
	}
	if result.Tokens != nil {
		t.Fatal("tokens must be withheld until the challenge is answered")
	}

	// Answering the challenge completes the login.
	completed, err := f.service.LoginWithOptions(ctx, LoginOptions{
		ChallengeID: result.Challenge.ID,
		MFACode:     f.mfa.dispatcher.lastCode(),
	})
	if err != nil {
		t.Fatalf("challenge completion: %v", err)
	}
	if !completed.Success || completed.Tokens == nil {
		t.Fatal("expected tokens after the challenge is verified")
	}
	if completed.UserID != "user-1" {
		t.Fatalf("unexpected user id %q", completed.UserID)
	}
}

func TestPasswordLoginEnforcedMFAWrongCodeKeepsChallengePending(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	user := domain.User{ID: "user-1", Username: "alice", MFAEnforced: true}
	f := newLoginFixture(clock, 10, user)
	f.idp.passwords["alice"] = "s3cret"
	f.idp.claims["access-token"] = &domain.TokenClaims{Subject: "user-1", Active: true}
	setupVerifiedSMSMethod(t, f.mfa, "user-1")
	ctx := context.Background()

	result, err := f.service.LoginWithOptions(ctx, LoginOptions{Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("LoginWithOptions: %v", err)
	}

	pending, err := f.service.LoginWithOptions(ctx, LoginOptions{
		ChallengeID: result.Challenge.ID,
		MFACode:     "999999",
	})
	if err != nil {
		t.Fatalf("wrong code must be a structured result, got %v", err)
	}
	if pending.Success || !pending.RequiresMFA {
		t.Fatal("wrong code must keep the login pending")
	}
}

func TestPasswordLoginTrustedDeviceSkipsMFA(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	user := domain.User{ID: "user-1", Username: "alice", MFAEnforced: true}
	f := newLoginFixture(clock, 10, user)
	f.idp.passwords["alice"] = "s3cret"
	f.idp.claims["access-token"] = &domain.TokenClaims{Subject: "user-1", Active: true}
	setupVerifiedSMSMethod(t, f.mfa, "user-1")
	ctx := context.Background()

	if _, err := f.mfa.service.TrustDevice(ctx, TrustDeviceInput{
		UserID: "user-1",
		Device: DeviceInfo{Fingerprint: "fp-laptop"},
	}); err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}

	result, err := f.service.LoginWithOptions(ctx, LoginOptions{
		Username:          "alice",
		Password:          "s3cret",
		DeviceFingerprint: "fp-laptop",
	})
	if err != nil {
		t.Fatalf("LoginWithOptions: %v", err)
	}
	if !result.Success || result.RequiresMFA {
		t.Fatal("trusted device must skip the challenge")
	}
}

func TestMagicLinkLoginDelegatesToVerify(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	user := domain.User{ID: "user-1", Username: "alice", Email: "alice@example.com"}

	idp := newFakeIdentityProvider(user)
	dispatcher := &fakeDispatcher{}
	events := &fakeEventRecorder{}
	magicLinks := NewMagicLinkService(
		config.MagicLinkSettings{Expiry: 30 * time.Minute},
		idp,
		newFakeMagicLinkStore(),
		dispatcher,
		events,
		nil,
		NewRateLimiter(newMemoryRateLimitStore(), time.Minute, 100),
		nil,
	)
	magicLinks.WithClock(clock)
	service := NewLoginService(idp, nil, magicLinks, events, NewRateLimiter(nil, 0, 0), nil)
	service.WithClock(clock)
	ctx := context.Background()

	if _, err := magicLinks.Generate(ctx, GenerateInput{Email: "alice@example.com"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	token := dispatcher.magicLinks[0].Token

	result, err := service.LoginWithOptions(ctx, LoginOptions{MagicLinkToken: token})
	if err != nil {
		t.Fatalf("LoginWithOptions: %v", err)
	}
	if !result.Success || result.Tokens == nil {
		t.Fatal("expected tokens from magic-link login")
	}
	if result.UserID != "user-1" {
		t.Fatalf("unexpected user id %q", result.UserID)
	}
}
