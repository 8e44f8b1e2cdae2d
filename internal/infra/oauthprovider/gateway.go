package oauthprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/config"
)

const (
	googleUserInfoURL  = "https://www.googleapis.com/oauth2/v3/userinfo"
	githubUserURL      = "https://api.github.com/user"
	githubUserEmailURL = "https://api.github.com/user/emails"
)

// ErrProviderUnknown indicates a provider the gateway is not configured for.
var ErrProviderUnknown = errors.New("oauth provider unknown")

// Gateway drives the Google and GitHub OAuth2 flows through
// golang.org/x/oauth2.
type Gateway struct {
	configs    map[domain.OAuthProvider]*oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGateway builds provider configs from settings. Providers without a
// client id are left unconfigured and rejected at call time.
func NewGateway(cfg config.OAuthSettings, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}

	configs := make(map[domain.OAuthProvider]*oauth2.Config)
	if cfg.Google.ClientID != "" {
		configs[domain.OAuthProviderGoogle] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURI,
			Scopes:       cfg.Google.Scopes,
			Endpoint:     google.Endpoint,
		}
	}
	if cfg.GitHub.ClientID != "" {
		configs[domain.OAuthProviderGitHub] = &oauth2.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURI,
			Scopes:       cfg.GitHub.Scopes,
			Endpoint:     github.Endpoint,
		}
	}

	return &Gateway{
		configs:    configs,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log,
	}
}

// AuthCodeURL builds the provider authorize URL carrying the CSRF state.
func (g *Gateway) AuthCodeURL(provider domain.OAuthProvider, state string) (string, error) {
	conf, ok := g.configs[provider]
	if !ok {
		return "", ErrProviderUnknown
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades the authorization code for provider tokens.
func (g *Gateway) Exchange(ctx context.Context, provider domain.OAuthProvider, code string) (*port.ProviderToken, error) {
	conf, ok := g.configs[provider]
	if !ok {
		return nil, ErrProviderUnknown
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return fromOAuth2Token(token), nil
}

// FetchProfile retrieves and normalizes the provider's user profile.
func (g *Gateway) FetchProfile(ctx context.Context, provider domain.OAuthProvider, accessToken string) (*domain.ProviderProfile, error) {
	switch provider {
	case domain.OAuthProviderGoogle:
		return g.fetchGoogleProfile(ctx, accessToken)
	case domain.OAuthProviderGitHub:
		return g.fetchGitHubProfile(ctx, accessToken)
	default:
		return nil, ErrProviderUnknown
	}
}

// Refresh obtains a fresh access token. Only Google issues refresh tokens;
// the caller guards GitHub before reaching here.
func (g *Gateway) Refresh(ctx context.Context, provider domain.OAuthProvider, refreshToken string) (*port.ProviderToken, error) {
	conf, ok := g.configs[provider]
	if !ok {
		return nil, ErrProviderUnknown
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh provider token: %w", err)
	}
	return fromOAuth2Token(token), nil
}

func (g *Gateway) fetchGoogleProfile(ctx context.Context, accessToken string) (*domain.ProviderProfile, error) {
	var payload struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
	}
	if err := g.getJSON(ctx, googleUserInfoURL, accessToken, &payload); err != nil {
		return nil, err
	}

	return &domain.ProviderProfile{
		ProviderUserID: payload.Sub,
		Email:          payload.Email,
		FirstName:      payload.GivenName,
		LastName:       payload.FamilyName,
		Verified:       payload.EmailVerified,
	}, nil
}

func (g *Gateway) fetchGitHubProfile(ctx context.Context, accessToken string) (*domain.ProviderProfile, error) {
	var payload struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := g.getJSON(ctx, githubUserURL, accessToken, &payload); err != nil {
		return nil, err
	}

	profile := &domain.ProviderProfile{
		ProviderUserID: fmt.Sprintf("%d", payload.ID),
		Email:          payload.Email,
		Username:       payload.Login,
		FirstName:      payload.Name,
	}

	// The profile email is often hidden; the emails endpoint lists the
	// verified primary.
	if profile.Email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := g.getJSON(ctx, githubUserEmailURL, accessToken, &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary {
				profile.Email = e.Email
				profile.Verified = e.Verified
				break
			}
		}
	} else {
		profile.Verified = true
	}

	return profile, nil
}

func (g *Gateway) getJSON(ctx context.Context, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch profile: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}
	return nil
}

func fromOAuth2Token(token *oauth2.Token) *port.ProviderToken {
	return &port.ProviderToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
}

var _ port.OAuthGateway = (*Gateway)(nil)
