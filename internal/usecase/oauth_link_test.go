package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/config"
	"github.com/smplatform/mu-auth/internal/repository"
)

type fakeOAuthGateway struct {
	profile   *domain.ProviderProfile
	exchanged []string
	refreshed []string
}

func (f *fakeOAuthGateway) AuthCodeURL(provider domain.OAuthProvider, state string) (string, error) {
	return fmt.Sprintf("https://%s.example.com/authorize?state=%s", provider, state), nil
}

func (f *fakeOAuthGateway) Exchange(_ context.Context, _ domain.OAuthProvider, code string) (*port.ProviderToken, error) {
	f.exchanged = append(f.exchanged, code)
	return &port.ProviderToken{AccessToken: "provider-access", RefreshToken: "provider-refresh"}, nil
}

func (f *fakeOAuthGateway) FetchProfile(_ context.Context, _ domain.OAuthProvider, _ string) (*domain.ProviderProfile, error) {
	copied := *f.profile
	return &copied, nil
}

func (f *fakeOAuthGateway) Refresh(_ context.Context, _ domain.OAuthProvider, refreshToken string) (*port.ProviderToken, error) {
	f.refreshed = append(f.refreshed, refreshToken)
	return &port.ProviderToken{AccessToken: "provider-access-2", RefreshToken: refreshToken}, nil
}

type fakeOAuthStateStore struct {
	states map[string]domain.OAuthState
}

func newFakeOAuthStateStore() *fakeOAuthStateStore {
	return &fakeOAuthStateStore{states: make(map[string]domain.OAuthState)}
}

func (f *fakeOAuthStateStore) Save(_ context.Context, state domain.OAuthState) error {
	f.states[state.State] = state
	return nil
}

func (f *fakeOAuthStateStore) Consume(_ context.Context, state string) (*domain.OAuthState, error) {
	stored, ok := f.states[state]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(f.states, state)
	copied := stored
	return &copied, nil
}

type fakeLinkedAccountStore struct {
	accounts map[string]domain.LinkedAccount
}

func newFakeLinkedAccountStore() *fakeLinkedAccountStore {
	return &fakeLinkedAccountStore{accounts: make(map[string]domain.LinkedAccount)}
}

func linkKey(userID string, provider domain.OAuthProvider) string {
	return userID + "|" + string(provider)
}

func (f *fakeLinkedAccountStore) Upsert(_ context.Context, account domain.LinkedAccount) error {
	f.accounts[linkKey(account.UserID, account.Provider)] = account
	return nil
}

func (f *fakeLinkedAccountStore) GetByProviderUser(_ context.Context, provider domain.OAuthProvider, providerUserID string) (*domain.LinkedAccount, error) {
	for _, account := range f.accounts {
		if account.Provider == provider && account.ProviderUserID == providerUserID {
			copied := account
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeLinkedAccountStore) GetByUserAndProvider(_ context.Context, userID string, provider domain.OAuthProvider) (*domain.LinkedAccount, error) {
	account, ok := f.accounts[linkKey(userID, provider)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := account
	return &copied, nil
}

func (f *fakeLinkedAccountStore) ListByUser(_ context.Context, userID string) ([]domain.LinkedAccount, error) {
	result := make([]domain.LinkedAccount, 0)
	for _, account := range f.accounts {
		if account.UserID == userID {
			result = append(result, account)
		}
	}
	return result, nil
}

func (f *fakeLinkedAccountStore) Delete(_ context.Context, userID string, provider domain.OAuthProvider) error {
	key := linkKey(userID, provider)
	if _, ok := f.accounts[key]; !ok {
		return repository.ErrNotFound
	}
	delete(f.accounts, key)
	return nil
}

type oauthFixture struct {
	service  *OAuthLinkService
	gateway  *fakeOAuthGateway
	states   *fakeOAuthStateStore
	accounts *fakeLinkedAccountStore
	idp      *fakeIdentityProvider
	events   *fakeEventRecorder
}

func newOAuthFixture(clock func() time.Time, users ...domain.User) *oauthFixture {
	f := &oauthFixture{
		gateway: &fakeOAuthGateway{
			profile: &domain.ProviderProfile{
				ProviderUserID: "prov-1",
				Email:          "alice@example.com",
				Username:       "alice",
				Verified:       true,
			},
		},
		states:   newFakeOAuthStateStore(),
		accounts: newFakeLinkedAccountStore(),
		idp:      newFakeIdentityProvider(users...),
		events:   &fakeEventRecorder{},
	}
	f.service = NewOAuthLinkService(
		config.OAuthSettings{StateTTL: 10 * time.Minute},
		f.gateway, f.states, f.accounts, f.idp, f.events, nil,
	)
	f.service.WithClock(clock)
	return f
}

// issueState runs the authorize leg and extracts the state parameter the
// way a browser would carry it back.
func (f *oauthFixture) issueState(t *testing.T, provider domain.OAuthProvider) string {
	t.Helper()
	url, err := f.service.AuthorizationURL(context.Background(), provider, "https://app.example.com/done")
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	idx := strings.Index(url, "state=")
	if idx < 0 {
		t.Fatalf("authorize URL carries no state: %s", url)
	}
	return url[idx+len("state="):]
}

func TestAuthorizationURLStoresBoundState(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newOAuthFixture(func() time.Time { return current })

	state := f.issueState(t, domain.OAuthProviderGoogle)

	stored, ok := f.states.states[state]
	if !ok {
		t.Fatal("state must be persisted before the redirect")
	}
	if stored.Provider != domain.OAuthProviderGoogle {
		t.Fatalf("state bound to wrong provider: %s", stored.Provider)
	}
	if stored.RedirectURI != "https://app.example.com/done" {
		t.Fatalf("unexpected redirect uri: %s", stored.RedirectURI)
	}
	if !stored.ExpiresAt.Equal(current.Add(10 * time.Minute)) {
		t.Fatalf("unexpected state expiry: %s", stored.ExpiresAt)
	}
}

func TestHandleCallbackRejectsBadStates(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("unknown state", func(t *testing.T) {
		f := newOAuthFixture(func() time.Time { return current })
		_, err := f.service.HandleCallback(context.Background(), CallbackInput{
			Provider: domain.OAuthProviderGoogle,
			State:    "never-issued",
			Code:     "code-1",
		})
		if !errors.Is(err, ErrStateInvalid) {
			t.Fatalf("expected ErrStateInvalid, got %v", err)
		}
	})

	t.Run("provider mismatch", func(t *testing.T) {
		f := newOAuthFixture(func() time.Time { return current })
		state := f.issueState(t, domain.OAuthProviderGoogle)
		_, err := f.service.HandleCallback(context.Background(), CallbackInput{
			Provider: domain.OAuthProviderGitHub,
			State:    state,
			Code:     "code-1",
		})
		if !errors.Is(err, ErrStateInvalid) {
			t.Fatalf("expected ErrStateInvalid, got %v", err)
		}
	})

	t.Run("expired state", func(t *testing.T) {
		now := current
		f := newOAuthFixture(func() time.Time { return now })
		state := f.issueState(t, domain.OAuthProviderGoogle)

		now = now.Add(11 * time.Minute)

		_, err := f.service.HandleCallback(context.Background(), CallbackInput{
			Provider: domain.OAuthProviderGoogle,
			State:    state,
			Code:     "code-1",
		})
		if !errors.Is(err, ErrStateInvalid) {
			t.Fatalf("expected ErrStateInvalid, got %v", err)
		}
	})

	t.Run("reused state", func(t *testing.T) {
		user := domain.User{ID: "user-1", Username: "alice", Email: "alice@example.com", Enabled: true}
		f := newOAuthFixture(func() time.Time { return current }, user)
		state := f.issueState(t, domain.OAuthProviderGoogle)
		ctx := context.Background()

		if _, err := f.service.HandleCallback(ctx, CallbackInput{
			Provider: domain.OAuthProviderGoogle,
			State:    state,
			Code:     "code-1",
		}); err != nil {
			t.Fatalf("first HandleCallback: %v", err)
		}

		_, err := f.service.HandleCallback(ctx, CallbackInput{
			Provider: domain.OAuthProviderGoogle,
			State:    state,
			Code:     "code-2",
		})
		if !errors.Is(err, ErrStateInvalid) {
			t.Fatalf("expected ErrStateInvalid on replay, got %v", err)
		}
	})
}

func TestHandleCallbackMatchesLocalAccountByEmail(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	user := domain.User{ID: "user-1", Username: "alice", Email: "alice@example.com", Enabled: true}
	f := newOAuthFixture(func() time.Time { return current }, user)
	state := f.issueState(t, domain.OAuthProviderGoogle)

	result, err := f.service.HandleCallback(context.Background(), CallbackInput{
		Provider: domain.OAuthProviderGoogle,
		State:    state,
		Code:     "code-1",
	})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if result.UserID != "user-1" || result.Created {
		t.Fatalf("expected existing user-1 without provisioning, got %+v", result)
	}
	if !result.Linked {
		t.Fatal("first callback for an identity must create the link")
	}
	if result.Tokens == nil || result.Tokens.AccessToken != "access-token" {
		t.Fatalf("expected issued tokens, got %+v", result.Tokens)
	}
	if result.RedirectURI != "https://app.example.com/done" {
		t.Fatalf("redirect uri must come from the stored state, got %q", result.RedirectURI)
	}
	if len(f.idp.created) != 0 {
		t.Fatalf("no user may be provisioned, got %v", f.idp.created)
	}
	if _, err := f.accounts.GetByUserAndProvider(context.Background(), "user-1", domain.OAuthProviderGoogle); err != nil {
		t.Fatalf("link must be stored: %v", err)
	}
	if len(f.events.linked) != 1 || !f.events.linked[0].Linked {
		t.Fatalf("expected one linked event, got %v", f.events.linked)
	}
}

func TestHandleCallbackProvisionsUnknownUser(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newOAuthFixture(func() time.Time { return current })
	state := f.issueState(t, domain.OAuthProviderGoogle)

	result, err := f.service.HandleCallback(context.Background(), CallbackInput{
		Provider: domain.OAuthProviderGoogle,
		State:    state,
		Code:     "code-1",
	})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if !result.Created {
		t.Fatal("unknown email must provision a local account")
	}
	if len(f.idp.created) != 1 || f.idp.created[0].Email != "alice@example.com" {
		t.Fatalf("unexpected provisioning input: %v", f.idp.created)
	}
	if result.UserID != "created-1" {
		t.Fatalf("unexpected user id: %q", result.UserID)
	}
	if result.Tokens == nil {
		t.Fatal("provisioned login must still issue tokens")
	}
}

func TestHandleCallbackKnownIdentityLogsStraightIn(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	user := domain.User{ID: "user-1", Username: "alice", Email: "alice@example.com", Enabled: true}
	f := newOAuthFixture(func() time.Time { return current }, user)
	if err := f.accounts.Upsert(context.Background(), domain.LinkedAccount{
		UserID:         "user-1",
		Provider:       domain.OAuthProviderGoogle,
		ProviderUserID: "prov-1",
		Email:          "alice@example.com",
		LinkedAt:       current.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	state := f.issueState(t, domain.OAuthProviderGoogle)

	result, err := f.service.HandleCallback(context.Background(), CallbackInput{
		Provider: domain.OAuthProviderGoogle,
		State:    state,
		Code:     "code-1",
	})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if result.UserID != "user-1" || result.Created || result.Linked {
		t.Fatalf("known identity must log in without relinking, got %+v", result)
	}

	account, err := f.accounts.GetByUserAndProvider(context.Background(), "user-1", domain.OAuthProviderGoogle)
	if err != nil {
		t.Fatalf("GetByUserAndProvider: %v", err)
	}
	if account.LastSyncAt == nil || !account.LastSyncAt.Equal(current) {
		t.Fatalf("callback must refresh the sync timestamp, got %v", account.LastSyncAt)
	}
}

func TestLinkAccountRejectsForeignIdentity(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newOAuthFixture(func() time.Time { return current })
	if err := f.accounts.Upsert(context.Background(), domain.LinkedAccount{
		UserID:         "user-2",
		Provider:       domain.OAuthProviderGoogle,
		ProviderUserID: "prov-1",
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	state := f.issueState(t, domain.OAuthProviderGoogle)

	_, err := f.service.LinkAccount(context.Background(), "user-1", CallbackInput{
		Provider: domain.OAuthProviderGoogle,
		State:    state,
		Code:     "code-1",
	})
	if !errors.Is(err, ErrAccountAlreadyLinked) {
		t.Fatalf("expected ErrAccountAlreadyLinked, got %v", err)
	}
	if _, getErr := f.accounts.GetByUserAndProvider(context.Background(), "user-1", domain.OAuthProviderGoogle); !errors.Is(getErr, repository.ErrNotFound) {
		t.Fatal("conflicting link must not be written")
	}
}

func TestLinkAccountAttachesProviderIdentity(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newOAuthFixture(func() time.Time { return current })
	state := f.issueState(t, domain.OAuthProviderGitHub)

	account, err := f.service.LinkAccount(context.Background(), "user-1", CallbackInput{
		Provider: domain.OAuthProviderGitHub,
		State:    state,
		Code:     "code-1",
	})
	if err != nil {
		t.Fatalf("LinkAccount: %v", err)
	}
	if account.UserID != "user-1" || account.Provider != domain.OAuthProviderGitHub {
		t.Fatalf("unexpected link: %+v", account)
	}
	if account.ProviderUserID != "prov-1" {
		t.Fatalf("unexpected provider user id: %q", account.ProviderUserID)
	}
	if len(f.events.linked) != 1 || !f.events.linked[0].Linked {
		t.Fatalf("expected one linked event, got %v", f.events.linked)
	}
}

func TestUnlinkAccount(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newOAuthFixture(func() time.Time { return current })
	ctx := context.Background()

	if err := f.service.UnlinkAccount(ctx, "user-1", domain.OAuthProviderGoogle); !errors.Is(err, ErrAccountNotLinked) {
		t.Fatalf("expected ErrAccountNotLinked, got %v", err)
	}

	if err := f.accounts.Upsert(ctx, domain.LinkedAccount{
		UserID:         "user-1",
		Provider:       domain.OAuthProviderGoogle,
		ProviderUserID: "prov-1",
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := f.service.UnlinkAccount(ctx, "user-1", domain.OAuthProviderGoogle); err != nil {
		t.Fatalf("UnlinkAccount: %v", err)
	}
	if _, err := f.accounts.GetByUserAndProvider(ctx, "user-1", domain.OAuthProviderGoogle); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("link must be removed")
	}
	last := f.events.linked[len(f.events.linked)-1]
	if last.Linked {
		t.Fatal("unlink must publish linked=false")
	}
}

func TestRefreshProviderToken(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newOAuthFixture(func() time.Time { return current })
	ctx := context.Background()

	// GitHub never issues refresh tokens.
	if _, err := f.service.RefreshProviderToken(ctx, domain.OAuthProviderGitHub, "refresh-1"); !errors.Is(err, ErrRefreshUnsupported) {
		t.Fatalf("expected ErrRefreshUnsupported, got %v", err)
	}
	if len(f.gateway.refreshed) != 0 {
		t.Fatal("unsupported provider must not reach the gateway")
	}

	token, err := f.service.RefreshProviderToken(ctx, domain.OAuthProviderGoogle, "refresh-1")
	if err != nil {
		t.Fatalf("RefreshProviderToken: %v", err)
	}
	if token.AccessToken != "provider-access-2" {
		t.Fatalf("unexpected access token: %q", token.AccessToken)
	}
	if len(f.gateway.refreshed) != 1 || f.gateway.refreshed[0] != "refresh-1" {
		t.Fatalf("unexpected refresh calls: %v", f.gateway.refreshed)
	}
}
