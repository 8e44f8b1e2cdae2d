package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/config"
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
	"github.com/smplatform/mu-auth/internal/infra/logger"
	"github.com/smplatform/mu-auth/internal/infra/security"
	"github.com/smplatform/mu-auth/internal/repository"
)

const defaultStateTTL = 10 * time.Minute

// OAuthLinkService links Google/GitHub identities to local accounts.
type OAuthLinkService struct {
	cfg      config.OAuthSettings
	gateway  port.OAuthGateway
	states   port.OAuthStateStore
	accounts port.LinkedAccountRepository
	idp      port.IdentityProvider
	events   port.EventPublisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewOAuthLinkService constructs the account linking engine.
func NewOAuthLinkService(
	cfg config.OAuthSettings,
	gateway port.OAuthGateway,
	states port.OAuthStateStore,
	accounts port.LinkedAccountRepository,
	idp port.IdentityProvider,
	events port.EventPublisher,
	log *zap.Logger,
) *OAuthLinkService {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &OAuthLinkService{
		cfg:      cfg,
		gateway:  gateway,
		states:   states,
		accounts: accounts,
		idp:      idp,
		events:   events,
		logger:   log,
		now:      time.Now,
	}
}

// WithClock overrides the service clock, used in tests.
func (s *OAuthLinkService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// AuthorizationURL persists a single-use state and returns the provider
// authorize URL.
func (s *OAuthLinkService) AuthorizationURL(ctx context.Context, provider domain.OAuthProvider, redirectURI string) (string, error) {
	stateValue, err := security.GenerateSecureToken(24)
	if err != nil {
		return "", err
	}
	nonce, err := security.GenerateSecureToken(16)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	state := domain.OAuthState{
		State:       stateValue,
		Provider:    provider,
		RedirectURI: strings.TrimSpace(redirectURI),
		Nonce:       nonce,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.StateTTL),
	}
	if err := s.states.Save(ctx, state); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}

	url, err := s.gateway.AuthCodeURL(provider, stateValue)
	if err != nil {
		return "", err
	}
	return url, nil
}

// CallbackInput carries the provider redirect parameters.
type CallbackInput struct {
	Provider domain.OAuthProvider
	State    string
	Code     string
	Context  domain.RequestContext
}

// CallbackResult reports the resolved local identity and issued tokens.
type CallbackResult struct {
	UserID      string
	Created     bool
	Linked      bool
	Tokens      *domain.TokenPair
	RedirectURI string
}

// HandleCallback validates the state, exchanges the code, resolves or
// provisions the local account, upserts the link and issues tokens.
func (s *OAuthLinkService) HandleCallback(ctx context.Context, input CallbackInput) (*CallbackResult, error) {
	state, err := s.consumeState(ctx, input.Provider, input.State)
	if err != nil {
		return nil, err
	}

	token, err := s.gateway.Exchange(ctx, input.Provider, strings.TrimSpace(input.Code))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	profile, err := s.gateway.FetchProfile(ctx, input.Provider, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	if profile.ProviderUserID == "" {
		return nil, fmt.Errorf("provider returned empty user id")
	}

	result := &CallbackResult{RedirectURI: state.RedirectURI}

	// A known provider identity logs straight in.
	existing, err := s.accounts.GetByProviderUser(ctx, input.Provider, profile.ProviderUserID)
	switch {
	case err == nil:
		result.UserID = existing.UserID
		s.touchLink(ctx, *existing)
	case errors.Is(err, repository.ErrNotFound):
		userID, created, resolveErr := s.resolveLocalUser(ctx, profile)
		if resolveErr != nil {
			return nil, resolveErr
		}
		result.UserID = userID
		result.Created = created
		if linkErr := s.upsertLink(ctx, userID, input.Provider, profile); linkErr != nil {
			return nil, linkErr
		}
		result.Linked = true
	default:
		return nil, fmt.Errorf("lookup linked account: %w", err)
	}

	tokens, err := s.idp.ImpersonateTokens(ctx, result.UserID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	result.Tokens = tokens

	s.logger.Info("oauth callback handled",
		zap.String("provider", string(input.Provider)),
		zap.String("email", logger.MaskEmail(profile.Email)),
		zap.Bool("created", result.Created),
	)
	return result, nil
}

// LinkAccount attaches a provider identity to an already authenticated
// user. The provider identity must not belong to someone else.
func (s *OAuthLinkService) LinkAccount(ctx context.Context, userID string, input CallbackInput) (*domain.LinkedAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	if _, err := s.consumeState(ctx, input.Provider, input.State); err != nil {
		return nil, err
	}

	token, err := s.gateway.Exchange(ctx, input.Provider, strings.TrimSpace(input.Code))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	profile, err := s.gateway.FetchProfile(ctx, input.Provider, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}

	existing, err := s.accounts.GetByProviderUser(ctx, input.Provider, profile.ProviderUserID)
	if err == nil && existing.UserID != userID {
		return nil, ErrAccountAlreadyLinked
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup linked account: %w", err)
	}

	if err := s.upsertLink(ctx, userID, input.Provider, profile); err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByUserAndProvider(ctx, userID, input.Provider)
	if err != nil {
		return nil, fmt.Errorf("lookup link: %w", err)
	}
	return account, nil
}

// UnlinkAccount removes the user's link for one provider.
func (s *OAuthLinkService) UnlinkAccount(ctx context.Context, userID string, provider domain.OAuthProvider) error {
	if err := s.accounts.Delete(ctx, userID, provider); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotLinked
		}
		return fmt.Errorf("delete link: %w", err)
	}

	s.publishLinked(ctx, userID, provider, false)
	return nil
}

// ListLinkedAccounts returns every provider link the user holds.
func (s *OAuthLinkService) ListLinkedAccounts(ctx context.Context, userID string) ([]domain.LinkedAccount, error) {
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	return accounts, nil
}

// RefreshProviderToken refreshes an upstream access token. Providers that
// never issue refresh tokens report ErrRefreshUnsupported rather than an
// ambiguous exchange failure.
func (s *OAuthLinkService) RefreshProviderToken(ctx context.Context, provider domain.OAuthProvider, refreshToken string) (*port.ProviderToken, error) {
	if !provider.SupportsRefresh() {
		return nil, ErrRefreshUnsupported
	}

	token, err := s.gateway.Refresh(ctx, provider, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh provider token: %w", err)
	}
	return token, nil
}

func (s *OAuthLinkService) consumeState(ctx context.Context, provider domain.OAuthProvider, stateValue string) (*domain.OAuthState, error) {
	stateValue = strings.TrimSpace(stateValue)
	if stateValue == "" {
		return nil, ErrStateInvalid
	}

	state, err := s.states.Consume(ctx, stateValue)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrStateInvalid
		}
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if state.Provider != provider || state.IsExpired(s.now().UTC()) {
		return nil, ErrStateInvalid
	}
	return state, nil
}

func (s *OAuthLinkService) resolveLocalUser(ctx context.Context, profile *domain.ProviderProfile) (string, bool, error) {
	if profile.Email != "" {
		user, err := s.idp.GetUserByEmail(ctx, profile.Email)
		if err == nil {
			return user.ID, false, nil
		}
		if !errors.Is(err, keycloak.ErrNotFound) {
			return "", false, fmt.Errorf("lookup user: %w", err)
		}
	}

	if profile.Email == "" {
		return "", false, fmt.Errorf("provider profile has no email")
	}

	username := profile.Username
	if username == "" {
		username = profile.Email
	}
	id, err := s.idp.CreateUser(ctx, port.NewUserInput{
		Username:      username,
		Email:         profile.Email,
		FirstName:     profile.FirstName,
		LastName:      profile.LastName,
		EmailVerified: profile.Verified,
		Enabled:       true,
	})
	if err != nil {
		return "", false, fmt.Errorf("provision user: %w", err)
	}
	return id, true, nil
}

func (s *OAuthLinkService) upsertLink(ctx context.Context, userID string, provider domain.OAuthProvider, profile *domain.ProviderProfile) error {
	now := s.now().UTC()
	account := domain.LinkedAccount{
		UserID:         userID,
		Provider:       provider,
		ProviderUserID: profile.ProviderUserID,
		Email:          profile.Email,
		Username:       profile.Username,
		LinkedAt:       now,
		LastSyncAt:     &now,
	}
	if err := s.accounts.Upsert(ctx, account); err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}

	s.publishLinked(ctx, userID, provider, true)
	return nil
}

func (s *OAuthLinkService) touchLink(ctx context.Context, account domain.LinkedAccount) {
	now := s.now().UTC()
	account.LastSyncAt = &now
	if err := s.accounts.Upsert(ctx, account); err != nil {
		s.logger.Warn("refresh link timestamp failed", zap.Error(err))
	}
}

func (s *OAuthLinkService) publishLinked(ctx context.Context, userID string, provider domain.OAuthProvider, linked bool) {
	if s.events == nil {
		return
	}
	event := domain.AccountLinkedEvent{
		EventID:  uuid.NewString(),
		UserID:   userID,
		Provider: provider,
		Linked:   linked,
		At:       s.now().UTC(),
	}
	if err := s.events.PublishAccountLinked(ctx, event); err != nil {
		s.logger.Warn("publish account linked failed", zap.Error(err))
	}
}
