package domain

import "time"

// OAuthProvider enumerates supported upstream OAuth2 providers.
type OAuthProvider string

const (
	OAuthProviderGoogle OAuthProvider = "google"
	OAuthProviderGitHub OAuthProvider = "github"
)

// SupportsRefresh reports whether the provider issues refresh tokens.
// GitHub OAuth apps do not; callers must treat refresh as unsupported
// rather than an error.
func (p OAuthProvider) SupportsRefresh() bool {
	return p == OAuthProviderGoogle
}

// OAuthState is the short-lived CSRF artifact persisted between the
// authorize redirect and the provider callback. Single-use.
type OAuthState struct {
	State       string
	Provider    OAuthProvider
	RedirectURI string
	Nonce       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// IsExpired reports whether the state elapsed its validity window.
func (s OAuthState) IsExpired(at time.Time) bool {
	return !s.ExpiresAt.After(at)
}

// ProviderProfile is the normalized user profile fetched from a provider.
type ProviderProfile struct {
	ProviderUserID string
	Email          string
	FirstName      string
	LastName       string
	Username       string
	Verified       bool
}

// LinkedAccount associates a local user with one upstream provider identity.
// Unique per (Provider, ProviderUserID); a user holds at most one link per
// provider.
type LinkedAccount struct {
	UserID         string
	Provider       OAuthProvider
	ProviderUserID string
	Email          string
	Username       string
	LinkedAt       time.Time
	LastSyncAt     *time.Time
}
