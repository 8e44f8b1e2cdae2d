package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
	"github.com/smplatform/mu-auth/internal/infra/logger"
)

// PasswordlessMethod selects the delivery mechanism for a passwordless
// login.
type PasswordlessMethod string

const (
	PasswordlessMagicLink PasswordlessMethod = "magic_link"
	PasswordlessEmailCode PasswordlessMethod = "email_code"
	PasswordlessSMS       PasswordlessMethod = "sms"
)

// PasswordlessService normalizes magic-link and one-time-code flows behind
// a single initiate/verify pair.
type PasswordlessService struct {
	magicLink *MagicLinkService
	mfa       *MFAService
	idp       port.IdentityProvider
	logger    *zap.Logger
	now       func() time.Time
}

// NewPasswordlessService constructs the orchestrator.
func NewPasswordlessService(magicLink *MagicLinkService, mfa *MFAService, idp port.IdentityProvider, log *zap.Logger) *PasswordlessService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PasswordlessService{
		magicLink: magicLink,
		mfa:       mfa,
		idp:       idp,
		logger:    log,
		now:       time.Now,
	}
}

// InitiatePasswordlessInput starts a passwordless login for an identifier.
type InitiatePasswordlessInput struct {
	Identifier  string
	Method      PasswordlessMethod
	Action      domain.MagicLinkAction
	RedirectURL string
	Context     domain.RequestContext
}

// InitiatePasswordlessResult is the normalized acknowledgement. ChallengeID
// is set for code-based methods only.
type InitiatePasswordlessResult struct {
	Method            PasswordlessMethod
	MaskedDestination string
	ChallengeID       string
	ExpiresAt         time.Time
}

// Initiate dispatches the chosen artifact: a magic link or a one-time code
// over the user's matching verified method.
func (s *PasswordlessService) Initiate(ctx context.Context, input InitiatePasswordlessInput) (*InitiatePasswordlessResult, error) {
	identifier := strings.ToLower(strings.TrimSpace(input.Identifier))
	if identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}

	switch input.Method {
	case PasswordlessMagicLink, "":
		ack, err := s.magicLink.Generate(ctx, GenerateInput{
			Email:       identifier,
			Action:      input.Action,
			RedirectURL: input.RedirectURL,
			Context:     input.Context,
		})
		if err != nil {
			return nil, err
		}
		return &InitiatePasswordlessResult{
			Method:            PasswordlessMagicLink,
			MaskedDestination: ack.MaskedEmail,
			ExpiresAt:         ack.ExpiresAt,
		}, nil

	case PasswordlessEmailCode, PasswordlessSMS:
		return s.initiateCode(ctx, identifier, input.Method)

	default:
		return nil, fmt.Errorf("unknown passwordless method %q", input.Method)
	}
}

// VerifyPasswordlessInput completes a passwordless login. Token redeems a
// magic link; ChallengeID+Code answers a code challenge.
type VerifyPasswordlessInput struct {
	Token       string
	ChallengeID string
	Code        string
	Context     domain.RequestContext
}

// Verify delegates by artifact type and returns the unified login result.
func (s *PasswordlessService) Verify(ctx context.Context, input VerifyPasswordlessInput) (*LoginResult, error) {
	if token := strings.TrimSpace(input.Token); token != "" {
		verify, err := s.magicLink.Verify(ctx, VerifyInput{Token: token, Context: input.Context})
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

	if strings.TrimSpace(input.ChallengeID) == "" {
		return nil, ErrChallengeNotFound
	}

	verify, err := s.mfa.VerifyChallenge(ctx, VerifyChallengeInput{
		ChallengeID: input.ChallengeID,
		Code:        input.Code,
		Device:      DeviceInfo{Fingerprint: input.Context.DeviceFingerprint, IP: input.Context.IP},
	})
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
	return &LoginResult{Success: true, UserID: verify.UserID, Tokens: tokens}, nil
}

// initiateCode resolves the account and issues a challenge on its matching
// verified method. Code-based flows require an existing account; the
// failure is uniform to the caller.
func (s *PasswordlessService) initiateCode(ctx context.Context, identifier string, method PasswordlessMethod) (*InitiatePasswordlessResult, error) {
	user, err := s.idp.GetUserByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			s.logger.Info("passwordless code suppressed",
				zap.String("identifier", logger.MaskEmail(identifier)),
			)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	wantType := domain.MFAMethodEmail
	if method == PasswordlessSMS {
		wantType = domain.MFAMethodSMS
	}

	methods, err := s.mfa.ListMethods(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	var methodID string
	for _, m := range methods {
		if m.Type == wantType && m.IsVerified && m.IsEnabled {
			methodID = m.ID
			break
		}
	}
	if methodID == "" {
		return nil, ErrInvalidCredentials
	}

	challenge, err := s.mfa.InitiateChallenge(ctx, InitiateChallengeInput{UserID: user.ID, MethodID: methodID})
	if err != nil {
		return nil, err
	}

	return &InitiatePasswordlessResult{
		Method:            method,
		MaskedDestination: challenge.MaskedDestination,
		ChallengeID:       challenge.ID,
		ExpiresAt:         challenge.ExpiresAt,
	}, nil
}
