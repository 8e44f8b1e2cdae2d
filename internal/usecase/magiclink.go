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

const (
	defaultTokenBytes      = 32
	defaultLinkExpiry      = 30 * time.Minute
	defaultLinkRetention   = 7 * 24 * time.Hour
	magicLinkRequestScope  = "magic_link_request"
	magicLinkDailyScope    = "magic_link_daily"
	loginMethodMagicLink   = "magic_link"
	failureReasonUnknown   = "unknown_email"
	failureReasonWrongLink = "invalid_link"
)

// MagicLinkService owns the single-use login link lifecycle.
type MagicLinkService struct {
	cfg        config.MagicLinkSettings
	idp        port.IdentityProvider
	links      port.MagicLinkStore
	dispatcher port.Dispatcher
	events     port.EventPublisher
	mfa        *MFAService
	limiter    *RateLimiter
	logger     *zap.Logger
	now        func() time.Time
}

// NewMagicLinkService constructs the magic link engine.
func NewMagicLinkService(
	cfg config.MagicLinkSettings,
	idp port.IdentityProvider,
	links port.MagicLinkStore,
	dispatcher port.Dispatcher,
	events port.EventPublisher,
	mfa *MFAService,
	limiter *RateLimiter,
	log *zap.Logger,
) *MagicLinkService {
	if cfg.TokenBytes <= 0 {
		cfg.TokenBytes = defaultTokenBytes
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultLinkExpiry
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultLinkRetention
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &MagicLinkService{
		cfg:        cfg,
		idp:        idp,
		links:      links,
		dispatcher: dispatcher,
		events:     events,
		mfa:        mfa,
		limiter:    limiter,
		logger:     log,
		now:        time.Now,
	}
}

// WithClock overrides the service clock, used in tests.
func (s *MagicLinkService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// GenerateInput requests a magic link delivery.
type GenerateInput struct {
	Email       string
	Action      domain.MagicLinkAction
	RedirectURL string
	Context     domain.RequestContext
}

// GenerateResult acknowledges the request. The response shape is identical
// whether or not the email maps to an account, so callers cannot probe for
// registered addresses.
type GenerateResult struct {
	MaskedEmail string
	ExpiresAt   time.Time
}

// Generate issues a single-use link and hands it to the dispatcher. Unknown
// emails produce the same acknowledgement without a delivery; the
// distinction is logged server-side only.
func (s *MagicLinkService) Generate(ctx context.Context, input GenerateInput) (*GenerateResult, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	action := input.Action
	if action == "" {
		action = domain.MagicLinkActionLogin
	}
	switch action {
	case domain.MagicLinkActionLogin, domain.MagicLinkActionRegister,
		domain.MagicLinkActionResetPassword, domain.MagicLinkActionVerifyEmail:
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}

	if err := s.limiter.check(ctx, magicLinkRequestScope, email); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.Expiry)
	acknowledgement := &GenerateResult{
		MaskedEmail: logger.MaskEmail(email),
		ExpiresAt:   expiresAt,
	}

	if s.cfg.MaxUsesPerDay > 0 {
		count, err := s.links.IncrementDailyUse(ctx, email, now)
		if err != nil {
			return nil, fmt.Errorf("daily use counter: %w", err)
		}
		if count > s.cfg.MaxUsesPerDay {
			return nil, &RateLimitedError{Scope: magicLinkDailyScope, RetryAfter: untilNextUTCDay(now)}
		}
	}

	var userID *string
	user, err := s.idp.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		userID = &user.ID
	case errors.Is(err, keycloak.ErrNotFound):
		registering := action == domain.MagicLinkActionRegister && s.cfg.AutoCreateUser
		if s.cfg.RequireExistingUser && !registering {
			// Same acknowledgement, no delivery.
			s.logger.Info("magic link suppressed",
				zap.String("email", logger.MaskEmail(email)),
				zap.String("reason", failureReasonUnknown),
			)
			return acknowledgement, nil
		}
	default:
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	token, err := security.GenerateSecureToken(s.cfg.TokenBytes)
	if err != nil {
		return nil, err
	}

	link := domain.MagicLink{
		ID:          uuid.NewString(),
		TokenHash:   security.HashToken(token),
		Email:       email,
		UserID:      userID,
		Status:      domain.MagicLinkStatusPending,
		Action:      action,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		RedirectURL: strings.TrimSpace(input.RedirectURL),
		Context:     input.Context,
	}
	if err := s.links.Create(ctx, link, s.cfg.Retention); err != nil {
		return nil, fmt.Errorf("store magic link: %w", err)
	}

	msg := port.MagicLinkMessage{
		Email:       email,
		Token:       token,
		Action:      string(action),
		RedirectURL: link.RedirectURL,
		ExpiresIn:   int(s.cfg.Expiry.Seconds()),
	}
	if err := s.dispatcher.SendMagicLink(ctx, msg); err != nil {
		return nil, fmt.Errorf("dispatch magic link: %w", err)
	}

	s.publishIssued(ctx, link)
	s.logger.Info("magic link issued",
		zap.String("link_id", link.ID),
		zap.String("email", logger.MaskEmail(email)),
		zap.String("action", string(action)),
	)
	return acknowledgement, nil
}

// VerifyInput redeems a raw magic link token.
type VerifyInput struct {
	Token   string
	Context domain.RequestContext
}

// VerifyResult carries the redemption outcome. When the account enforces
// MFA the tokens are withheld and a fresh challenge is returned instead.
type VerifyResult struct {
	Success     bool
	RequiresMFA bool
	Challenge   *ChallengeView
	Tokens      *domain.TokenPair
	UserID      string
	Email       string
	Action      domain.MagicLinkAction
	RedirectURL string
}

// Verify atomically redeems the link. Exactly one of N concurrent calls for
// the same token succeeds; the rest observe the terminal state.
func (s *MagicLinkService) Verify(ctx context.Context, input VerifyInput) (*VerifyResult, error) {
	token := strings.TrimSpace(input.Token)
	if token == "" {
		return nil, ErrMagicLinkInvalid
	}

	now := s.now().UTC()
	outcome, link, err := s.links.Redeem(ctx, security.HashToken(token), now)
	if err != nil {
		return nil, fmt.Errorf("redeem magic link: %w", err)
	}

	switch outcome {
	case port.RedeemOK:
	case port.RedeemExpired:
		return nil, ErrMagicLinkExpired
	case port.RedeemAlreadyUsed:
		return nil, ErrMagicLinkUsed
	case port.RedeemRevoked:
		return nil, ErrMagicLinkRevoked
	default:
		s.publishLoginFailed(ctx, "", failureReasonWrongLink, input.Context.IP)
		return nil, ErrMagicLinkInvalid
	}

	user, err := s.resolveUser(ctx, link)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		UserID:      user.ID,
		Email:       link.Email,
		Action:      link.Action,
		RedirectURL: link.RedirectURL,
	}

	// Enforced MFA withholds tokens unless the device carries active trust.
	if user.MFAEnforced && s.mfa != nil {
		hasMethod, err := s.mfa.HasVerifiedMethod(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		trusted := false
		fingerprint := input.Context.DeviceFingerprint
		if fingerprint == "" {
			fingerprint = link.Context.DeviceFingerprint
		}
		if fingerprint != "" {
			trusted, err = s.mfa.IsDeviceTrusted(ctx, user.ID, fingerprint)
			if err != nil {
				return nil, err
			}
		}
		if hasMethod && !trusted {
			challenge, err := s.mfa.InitiateChallenge(ctx, InitiateChallengeInput{UserID: user.ID})
			if err != nil {
				return nil, err
			}
			result.RequiresMFA = true
			result.Challenge = challenge
			return result, nil
		}
	}

	tokens, err := s.idp.ImpersonateTokens(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	result.Success = true
	result.Tokens = tokens

	s.publishLoginSucceeded(ctx, user.ID, input.Context)
	s.logger.Info("magic link redeemed",
		zap.String("link_id", link.ID),
		zap.String("email", logger.MaskEmail(link.Email)),
	)
	return result, nil
}

// Revoke invalidates a pending link. Revoking an already terminal link is a
// no-op.
func (s *MagicLinkService) Revoke(ctx context.Context, linkID string) error {
	if err := s.links.Revoke(ctx, linkID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMagicLinkInvalid
		}
		return fmt.Errorf("revoke magic link: %w", err)
	}
	return nil
}

// ListForEmail returns the retained links generated for one address.
func (s *MagicLinkService) ListForEmail(ctx context.Context, email string) ([]domain.MagicLink, error) {
	links, err := s.links.ListByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, fmt.Errorf("list magic links: %w", err)
	}
	return links, nil
}

// CleanupExpired sweeps lapsed pending links into the expired state and
// reports how many were transitioned. Retention purging is handled by the
// store's TTLs.
func (s *MagicLinkService) CleanupExpired(ctx context.Context) (int, error) {
	count, err := s.links.ExpirePending(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire pending links: %w", err)
	}
	if count > 0 {
		s.logger.Info("expired magic links swept", zap.Int("count", count))
	}
	return count, nil
}

func (s *MagicLinkService) resolveUser(ctx context.Context, link *domain.MagicLink) (*domain.User, error) {
	if link.UserID != nil {
		user, err := s.idp.GetUser(ctx, *link.UserID)
		if err != nil {
			return nil, fmt.Errorf("lookup user: %w", err)
		}
		return user, nil
	}

	user, err := s.idp.GetUserByEmail(ctx, link.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, keycloak.ErrNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !s.cfg.AutoCreateUser {
		return nil, ErrRegistrationDisabled
	}

	id, err := s.idp.CreateUser(ctx, port.NewUserInput{
		Username:      link.Email,
		Email:         link.Email,
		EmailVerified: true,
		Enabled:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}

	if err := s.dispatcher.SendWelcome(ctx, link.Email, link.Email); err != nil {
		s.logger.Warn("welcome message failed", zap.Error(err))
	}

	user, err = s.idp.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup provisioned user: %w", err)
	}
	return user, nil
}

func (s *MagicLinkService) publishIssued(ctx context.Context, link domain.MagicLink) {
	if s.events == nil {
		return
	}
	event := domain.MagicLinkIssuedEvent{
		EventID:     uuid.NewString(),
		LinkID:      link.ID,
		MaskedEmail: logger.MaskEmail(link.Email),
		Action:      link.Action,
		ExpiresAt:   link.ExpiresAt,
		At:          s.now().UTC(),
	}
	if err := s.events.PublishMagicLinkIssued(ctx, event); err != nil {
		s.logger.Warn("publish magic link issued failed", zap.Error(err))
	}
}

func (s *MagicLinkService) publishLoginSucceeded(ctx context.Context, userID string, reqCtx domain.RequestContext) {
	if s.events == nil {
		return
	}
	event := domain.LoginSucceededEvent{
		EventID:   uuid.NewString(),
		UserID:    userID,
		Method:    loginMethodMagicLink,
		IP:        reqCtx.IP,
		UserAgent: reqCtx.UserAgent,
		At:        s.now().UTC(),
	}
	if err := s.events.PublishLoginSucceeded(ctx, event); err != nil {
		s.logger.Warn("publish login succeeded failed", zap.Error(err))
	}
}

func (s *MagicLinkService) publishLoginFailed(ctx context.Context, identifier, reason, ip string) {
	if s.events == nil {
		return
	}
	event := domain.LoginFailedEvent{
		EventID:    uuid.NewString(),
		Identifier: logger.MaskEmail(identifier),
		Reason:     reason,
		IP:         ip,
		At:         s.now().UTC(),
	}
	if err := s.events.PublishLoginFailed(ctx, event); err != nil {
		s.logger.Warn("publish login failed event failed", zap.Error(err))
	}
}

func untilNextUTCDay(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}
