package port

import (
	"context"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// ProviderToken is the credential set returned by an upstream OAuth2
// provider.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// OAuthGateway abstracts the upstream OAuth2 providers (authorize URL
// construction, code exchange, profile fetch, refresh).
type OAuthGateway interface {
	AuthCodeURL(provider domain.OAuthProvider, state string) (string, error)
	Exchange(ctx context.Context, provider domain.OAuthProvider, code string) (*ProviderToken, error)
	FetchProfile(ctx context.Context, provider domain.OAuthProvider, accessToken string) (*domain.ProviderProfile, error)
	Refresh(ctx context.Context, provider domain.OAuthProvider, refreshToken string) (*ProviderToken, error)
}
