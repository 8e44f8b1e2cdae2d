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
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
	"github.com/smplatform/mu-auth/internal/infra/logger"
)

const (
	loginScope          = "login"
	loginMethodPassword = "password"
)

// LoginService is the unified entry point combining password, magic link
// and MFA credentials in one call.
type LoginService struct {
	idp       port.IdentityProvider
	mfa       *MFAService
	magicLink *MagicLinkService
	events    port.EventPublisher
	limiter   *RateLimiter
	logger    *zap.Logger
	now       func() time.Time
}

// NewLoginService constructs the login orchestrator.
func NewLoginService(
	idp port.IdentityProvider,
	mfa *MFAService,
	magicLink *MagicLinkService,
	events port.EventPublisher,
	limiter *RateLimiter,
	log *zap.Logger,
) *LoginService {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoginService{
		idp:       idp,
		mfa:       mfa,
		magicLink: magicLink,
		events:    events,
		limiter:   limiter,
		logger:    log,
		now:       time.Now,
	}
}

// WithClock overrides the service clock, used in tests.
func (s *LoginService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// LoginOptions is the single flexible credential set. Magic-link redemption
// takes precedence; otherwise username+password; an attached challenge id
// and code complete a pending MFA step.
type LoginOptions struct {
	Username          string
	Password          string
	MagicLinkToken    string
	MFACode           string
	ChallengeID       string
	DeviceFingerprint string
	RememberDevice    bool
	IP                string
	UserAgent         string
}

// LoginResult reports the outcome. RequiresMFA means the credentials were
// accepted but tokens are withheld until the challenge is answered.
type LoginResult struct {
	Success     bool
	RequiresMFA bool
	Challenge   *ChallengeView
	Tokens      *domain.TokenPair
	UserID      string
}

// LoginWithOptions resolves the supplied credentials. The service holds no
// state between calls; the stored challenge and link records carry the flow.
func (s *LoginService) LoginWithOptions(ctx context.Context, opts LoginOptions) (*LoginResult, error) {
	if token := strings.TrimSpace(opts.MagicLinkToken); token != "" {
		return s.loginWithMagicLink(ctx, token, opts)
	}

	username := strings.TrimSpace(opts.Username)
	if username == "" || opts.Password == "" {
		// A bare challenge answer completes a previously issued challenge.
		if opts.ChallengeID != "" && opts.MFACode != "" {
			return s.completeChallenge(ctx, opts)
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.limiter.check(ctx, loginScope, strings.ToLower(username)); err != nil {
		return nil, err
	}

	tokens, err := s.idp.Login(ctx, username, opts.Password)
	if err != nil {
		if errors.Is(err, keycloak.ErrInvalidCredentials) {
			s.publishFailed(ctx, username, "invalid_credentials", opts.IP)
			return nil, ErrInvalidCredentials
		}
		if errors.Is(err, keycloak.ErrUnavailable) {
			return nil, ErrServiceUnavailable
		}
		return nil, fmt.Errorf("password login: %w", err)
	}

	claims, err := s.idp.Introspect(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("introspect issued token: %w", err)
	}

	user, err := s.idp.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	needMFA, err := s.needsMFA(ctx, user, opts.DeviceFingerprint)
	if err != nil {
		return nil, err
	}

	if needMFA {
		// An MFA code supplied alongside the password completes the step in
		// one round trip.
		if opts.ChallengeID != "" && opts.MFACode != "" {
			verify, err := s.verifyChallenge(ctx, opts, user.ID)
			if err != nil {
				return nil, err
			}
			if !verify.Verified {
				return &LoginResult{RequiresMFA: true, UserID: user.ID}, nil
			}
		} else {
			challenge, err := s.mfa.InitiateChallenge(ctx, InitiateChallengeInput{UserID: user.ID})
			if err != nil {
				return nil, err
			}
			return &LoginResult{
				RequiresMFA: true,
				Challenge:   challenge,
				UserID:      user.ID,
			}, nil
		}
	}

	s.publishSucceeded(ctx, user.ID, needMFA, opts)
	s.logger.Info("login succeeded",
		zap.String("user_id", user.ID),
		zap.Bool("mfa_used", needMFA),
		zap.String("ip", logger.MaskIP(opts.IP)),
	)
	return &LoginResult{Success: true, Tokens: tokens, UserID: user.ID}, nil
}

func (s *LoginService) loginWithMagicLink(ctx context.Context, token string, opts LoginOptions) (*LoginResult, error) {
	verify, err := s.magicLink.Verify(ctx, VerifyInput{
		Token: token,
		Context: domain.RequestContext{
			IP:                opts.IP,
			UserAgent:         opts.UserAgent,
			DeviceFingerprint: opts.DeviceFingerprint,
		},
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Success:     verify.Success,
		RequiresMFA: verify.RequiresMFA,
		Challenge:   verify.Challenge,
		Tokens:      verify.Tokens,
		UserID:      verify.UserID,
	}, nil
}

// completeChallenge answers a pending challenge and issues tokens on match.
func (s *LoginService) completeChallenge(ctx context.Context, opts LoginOptions) (*LoginResult, error) {
	verify, err := s.verifyChallenge(ctx, opts, "")
	if err != nil {
		return nil, err
	}
	if !verify.Verified {
		return &LoginResult{RequiresMFA: true, UserID: verify.UserID}, nil
	}

	tokens, err := s.idp.ImpersonateTokens(ctx, verify.UserID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.publishSucceeded(ctx, verify.UserID, true, opts)
	return &LoginResult{Success: true, Tokens: tokens, UserID: verify.UserID}, nil
}

func (s *LoginService) verifyChallenge(ctx context.Context, opts LoginOptions, expectUserID string) (*VerifyChallengeResult, error) {
	verify, err := s.mfa.VerifyChallenge(ctx, VerifyChallengeInput{
		ChallengeID:    opts.ChallengeID,
		Code:           opts.MFACode,
		RememberDevice: opts.RememberDevice,
		Device: DeviceInfo{
			Fingerprint: opts.DeviceFingerprint,
			IP:          opts.IP,
		},
	})
	if err != nil {
		return nil, err
	}
	if expectUserID != "" && verify.UserID != expectUserID {
		return nil, ErrChallengeNotFound
	}
	return verify, nil
}

func (s *LoginService) needsMFA(ctx context.Context, user *domain.User, fingerprint string) (bool, error) {
	if !user.MFAEnforced {
		return false, nil
	}

	hasMethod, err := s.mfa.HasVerifiedMethod(ctx, user.ID)
	if err != nil {
		return false, err
	}
	if !hasMethod {
		return false, nil
	}

	if strings.TrimSpace(fingerprint) != "" {
		trusted, err := s.mfa.IsDeviceTrusted(ctx, user.ID, fingerprint)
		if err != nil {
			return false, err
		}
		if trusted {
			return false, nil
		}
	}
	return true, nil
}

func (s *LoginService) publishSucceeded(ctx context.Context, userID string, mfaUsed bool, opts LoginOptions) {
	if s.events == nil {
		return
	}
	event := domain.LoginSucceededEvent{
		EventID:   uuid.NewString(),
		UserID:    userID,
		Method:    loginMethodPassword,
		MFAUsed:   mfaUsed,
		IP:        opts.IP,
		UserAgent: opts.UserAgent,
		At:        s.now().UTC(),
	}
	if err := s.events.PublishLoginSucceeded(ctx, event); err != nil {
		s.logger.Warn("publish login succeeded failed", zap.Error(err))
	}
}

func (s *LoginService) publishFailed(ctx context.Context, identifier, reason, ip string) {
	if s.events == nil {
		return
	}
	event := domain.LoginFailedEvent{
		EventID:    uuid.NewString(),
		Identifier: logger.MaskString(identifier),
		Reason:     reason,
		IP:         ip,
		At:         s.now().UTC(),
	}
	if err := s.events.PublishLoginFailed(ctx, event); err != nil {
		s.logger.Warn("publish login failed event failed", zap.Error(err))
	}
}
