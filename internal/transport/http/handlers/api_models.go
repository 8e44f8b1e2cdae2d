package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/transport/http/middleware"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: middleware.GetTraceID(c),
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// TokenPayload carries the issued token pair in API responses.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// ChallengePayload describes a pending MFA challenge in API responses.
type ChallengePayload struct {
	ID                string    `json:"id"`
	MethodID          string    `json:"method_id"`
	MethodType        string    `json:"method_type"`
	MaskedDestination string    `json:"masked_destination,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

// LoginRequest defines the unified login payload. Credentials are
// combinable: password, magic-link token, and a challenge answer.
type LoginRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	MagicLinkToken    string `json:"magic_link_token"`
	ChallengeID       string `json:"challenge_id"`
	MFACode           string `json:"mfa_code"`
	DeviceFingerprint string `json:"device_fingerprint"`
	RememberDevice    bool   `json:"remember_device"`
}

// LoginResponse reports the unified login outcome.
type LoginResponse struct {
	Success     bool              `json:"success"`
	RequiresMFA bool              `json:"requires_mfa"`
	UserID      string            `json:"user_id,omitempty"`
	Tokens      *TokenPayload     `json:"tokens,omitempty"`
	Challenge   *ChallengePayload `json:"challenge,omitempty"`
}

// TokenRefreshRequest represents the payload to refresh an access token.
type TokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// LogoutRequest terminates the upstream session.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// MagicLinkRequest asks for a single-use login link.
type MagicLinkRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Action      string `json:"action"`
	RedirectURL string `json:"redirect_url"`
}

// MagicLinkRequestResponse acknowledges the request without revealing
// whether the address maps to an account.
type MagicLinkRequestResponse struct {
	Message     string    `json:"message"`
	MaskedEmail string    `json:"masked_email"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// MagicLinkVerifyRequest redeems a raw magic-link token.
type MagicLinkVerifyRequest struct {
	Token             string `json:"token" binding:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// MagicLinkRevokeRequest invalidates a pending link by ID.
type MagicLinkRevokeRequest struct {
	LinkID string `json:"link_id" binding:"required"`
}

// MagicLinkSummary is the admin-facing view of a stored link.
type MagicLinkSummary struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Status    string     `json:"status"`
	Action    string     `json:"action"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// MFASetupRequest registers a new second factor.
type MFASetupRequest struct {
	Type    string `json:"type" binding:"required"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Account string `json:"account"`
}

// MFASetupResponse carries setup artifacts. Secret and ProvisionURL are
// present for TOTP only and shown exactly once.
type MFASetupResponse struct {
	Method            MFAMethodPayload `json:"method"`
	Secret            string           `json:"secret,omitempty"`
	ProvisionURL      string           `json:"provision_url,omitempty"`
	BackupCodes       []string         `json:"backup_codes,omitempty"`
	ChallengeID       string           `json:"challenge_id,omitempty"`
	MaskedDestination string           `json:"masked_destination,omitempty"`
}

// MFAVerifySetupRequest confirms ownership of a pending method.
type MFAVerifySetupRequest struct {
	MethodID    string `json:"method_id" binding:"required"`
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code" binding:"required"`
}

// MFAMethodPayload is the masked method view returned by the API.
type MFAMethodPayload struct {
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	Name              string     `json:"name,omitempty"`
	IsEnabled         bool       `json:"is_enabled"`
	IsPrimary         bool       `json:"is_primary"`
	IsVerified        bool       `json:"is_verified"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	MaskedDestination string     `json:"masked_destination,omitempty"`
}

// MFAMethodListResponse wraps the user's registered methods.
type MFAMethodListResponse struct {
	Methods []MFAMethodPayload `json:"methods"`
}

// MFAChallengeRequest issues a challenge on the chosen or primary method.
type MFAChallengeRequest struct {
	MethodID  string `json:"method_id"`
	SessionID string `json:"session_id"`
}

// MFAVerifyRequest answers a pending challenge.
type MFAVerifyRequest struct {
	ChallengeID       string `json:"challenge_id" binding:"required"`
	Code              string `json:"code" binding:"required"`
	RememberDevice    bool   `json:"remember_device"`
	DeviceFingerprint string `json:"device_fingerprint"`
	DeviceName        string `json:"device_name"`
	DevicePlatform    string `json:"device_platform"`
	DeviceBrowser     string `json:"device_browser"`
}

// MFAVerifyResponse reports the attempt outcome. A wrong code with attempts
// left is a 200 with verified=false, not an error.
type MFAVerifyResponse struct {
	Verified          bool   `json:"verified"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	UserID            string `json:"user_id,omitempty"`
	DeviceTrusted     bool   `json:"device_trusted"`
}

// BackupCodesResponse returns a freshly generated batch. Codes are shown
// exactly once.
type BackupCodesResponse struct {
	Codes       []string  `json:"codes"`
	GeneratedAt time.Time `json:"generated_at"`
}

// BackupCodeUseRequest consumes one recovery code.
type BackupCodeUseRequest struct {
	Code string `json:"code" binding:"required"`
}

// BackupCodeUseResponse reports the remaining unused codes.
type BackupCodeUseResponse struct {
	Accepted  bool `json:"accepted"`
	Remaining int  `json:"remaining"`
}

// TrustedDevicePayload is the API view of a remembered device.
type TrustedDevicePayload struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Platform   string     `json:"platform,omitempty"`
	Browser    string     `json:"browser,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// TrustedDeviceListResponse wraps the user's remembered devices.
type TrustedDeviceListResponse struct {
	Devices []TrustedDevicePayload `json:"devices"`
}

// PasswordlessInitiateRequest starts a passwordless login.
type PasswordlessInitiateRequest struct {
	Identifier  string `json:"identifier" binding:"required"`
	Method      string `json:"method"`
	RedirectURL string `json:"redirect_url"`
}

// PasswordlessInitiateResponse acknowledges the dispatched artifact.
type PasswordlessInitiateResponse struct {
	Method            string    `json:"method"`
	MaskedDestination string    `json:"masked_destination"`
	ChallengeID       string    `json:"challenge_id,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// PasswordlessVerifyRequest completes a passwordless login.
type PasswordlessVerifyRequest struct {
	Token             string `json:"token"`
	ChallengeID       string `json:"challenge_id"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// OAuthAuthorizeResponse returns the provider redirect target.
type OAuthAuthorizeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// OAuthCallbackRequest carries the provider redirect parameters.
type OAuthCallbackRequest struct {
	State string `json:"state" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// OAuthCallbackResponse reports the resolved local identity.
type OAuthCallbackResponse struct {
	UserID      string        `json:"user_id"`
	Created     bool          `json:"created"`
	Linked      bool          `json:"linked"`
	Tokens      *TokenPayload `json:"tokens,omitempty"`
	RedirectURI string        `json:"redirect_uri,omitempty"`
}

// LinkedAccountPayload is the API view of a provider link.
type LinkedAccountPayload struct {
	Provider   string     `json:"provider"`
	Email      string     `json:"email,omitempty"`
	Username   string     `json:"username,omitempty"`
	LinkedAt   time.Time  `json:"linked_at"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// LinkedAccountListResponse wraps the user's provider links.
type LinkedAccountListResponse struct {
	Accounts []LinkedAccountPayload `json:"accounts"`
}

// SyncResponse summarizes a user-mirror sync run.
type SyncResponse struct {
	Total     int       `json:"total"`
	Upserted  int       `json:"upserted"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// AuthzCheckRequest submits an authorization question.
type AuthzCheckRequest struct {
	Resource string         `json:"resource" binding:"required"`
	Action   string         `json:"action" binding:"required"`
	Context  map[string]any `json:"context"`
}

// AuthzCheckResponse reports the policy decision.
type AuthzCheckResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse describes readiness probe results with dependency checks.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func newTokenPayload(pair *domain.TokenPair) *TokenPayload {
	if pair == nil {
		return nil
	}
	tokenType := pair.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &TokenPayload{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		IDToken:      pair.IDToken,
		TokenType:    tokenType,
		ExpiresIn:    pair.ExpiresIn,
	}
}

func newChallengePayload(challenge *usecase.ChallengeView) *ChallengePayload {
	if challenge == nil {
		return nil
	}
	return &ChallengePayload{
		ID:                challenge.ID,
		MethodID:          challenge.MethodID,
		MethodType:        string(challenge.MethodType),
		MaskedDestination: challenge.MaskedDestination,
		ExpiresAt:         challenge.ExpiresAt,
		AttemptsRemaining: challenge.AttemptsRemaining,
	}
}

func newMethodPayload(view usecase.MethodView) MFAMethodPayload {
	return MFAMethodPayload{
		ID:                view.ID,
		Type:              string(view.Type),
		Name:              view.Name,
		IsEnabled:         view.IsEnabled,
		IsPrimary:         view.IsPrimary,
		IsVerified:        view.IsVerified,
		CreatedAt:         view.CreatedAt,
		LastUsedAt:        view.LastUsedAt,
		MaskedDestination: view.MaskedDestination,
	}
}

func newDevicePayload(device domain.TrustedDevice) TrustedDevicePayload {
	return TrustedDevicePayload{
		ID:         device.ID,
		Name:       device.Name,
		Platform:   device.Platform,
		Browser:    device.Browser,
		IsActive:   device.IsActive,
		CreatedAt:  device.CreatedAt,
		LastUsedAt: device.LastUsedAt,
		ExpiresAt:  device.ExpiresAt,
	}
}

func newLinkedAccountPayload(account domain.LinkedAccount) LinkedAccountPayload {
	return LinkedAccountPayload{
		Provider:   string(account.Provider),
		Email:      account.Email,
		Username:   account.Username,
		LinkedAt:   account.LinkedAt,
		LastSyncAt: account.LastSyncAt,
	}
}
