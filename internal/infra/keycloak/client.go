package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/infra/config"
	"github.com/smplatform/mu-auth/internal/infra/logger"
)

var (
	// ErrInvalidCredentials indicates Keycloak rejected the supplied credentials.
	ErrInvalidCredentials = errors.New("keycloak: invalid credentials")
	// ErrNotFound indicates the requested user does not exist in the realm.
	ErrNotFound = errors.New("keycloak: not found")
	// ErrUnavailable indicates Keycloak could not be reached or answered 5xx.
	ErrUnavailable = errors.New("keycloak: unavailable")
)

// Client talks to one Keycloak realm: the public OIDC endpoints for token
// grants and the admin REST API for user management.
type Client struct {
	cfg        config.KeycloakSettings
	httpClient *http.Client
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	admin      *adminTokenCell
	logger     *zap.Logger
}

// NewClient performs OIDC discovery against the realm issuer and prepares
// the admin credential cell.
func NewClient(ctx context.Context, cfg config.KeycloakSettings, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	discoveryCtx := oidc.ClientContext(ctx, httpClient)
	provider, err := oidc.NewProvider(discoveryCtx, cfg.IssuerURL())
	if err != nil {
		return nil, fmt.Errorf("keycloak discovery: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:          cfg.ClientID,
		SkipClientIDCheck: cfg.ClientID == "",
	})

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		provider:   provider,
		verifier:   verifier,
		logger:     log,
	}
	c.admin = newAdminTokenCell(cfg, httpClient)

	log.Info("keycloak client initialized",
		zap.String("issuer", cfg.IssuerURL()),
		zap.String("client_id", cfg.ClientID),
	)

	return c, nil
}

// Login performs the resource-owner password grant.
func (c *Client) Login(ctx context.Context, username, password string) (*domain.TokenPair, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"scope":      {"openid"},
	}
	return c.tokenGrant(ctx, form)
}

// RefreshToken exchanges a refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.tokenGrant(ctx, form)
}

// ImpersonateTokens issues tokens for a user authenticated out-of-band
// (magic link, OAuth broker) through the token-exchange grant.
func (c *Client) ImpersonateTokens(ctx context.Context, userID string) (*domain.TokenPair, error) {
	form := url.Values{
		"grant_type":        {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"requested_subject": {userID},
	}
	return c.tokenGrant(ctx, form)
}

// Logout invalidates the session bound to the refresh token.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}

	endpoint := c.cfg.IssuerURL() + "/protocol/openid-connect/logout"
	resp, err := c.postForm(ctx, endpoint, form, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ErrUnavailable
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("keycloak logout: status %d", resp.StatusCode)
	}
	return nil
}

// Introspect asks Keycloak whether the token is active and returns its
// claims. Tokens that are locally decodable and already past their exp are
// answered without a round trip, matching what the endpoint would say.
func (c *Client) Introspect(ctx context.Context, token string) (*domain.TokenClaims, error) {
	if exp, expired := expiredLocally(token, time.Now().UTC()); expired {
		return &domain.TokenClaims{Active: false, ExpiresAt: exp}, nil
	}

	form := url.Values{
		"token":         {token},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	endpoint := c.cfg.IssuerURL() + "/protocol/openid-connect/token/introspect"
	resp, err := c.postForm(ctx, endpoint, form, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keycloak introspect: status %d", resp.StatusCode)
	}

	var payload struct {
		Active      bool   `json:"active"`
		Sub         string `json:"sub"`
		Username    string `json:"preferred_username"`
		Email       string `json:"email"`
		SessionID   string `json:"sid"`
		Iat         int64  `json:"iat"`
		Exp         int64  `json:"exp"`
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}

	claims := &domain.TokenClaims{
		Subject:   payload.Sub,
		Username:  payload.Username,
		Email:     payload.Email,
		Roles:     payload.RealmAccess.Roles,
		SessionID: payload.SessionID,
		Active:    payload.Active,
	}
	if payload.Iat > 0 {
		claims.IssuedAt = time.Unix(payload.Iat, 0).UTC()
	}
	if payload.Exp > 0 {
		claims.ExpiresAt = time.Unix(payload.Exp, 0).UTC()
	}

	return claims, nil
}

// VerifyToken validates the token signature and audience locally against
// the realm JWKS, without a network round trip per call.
func (c *Client) VerifyToken(ctx context.Context, rawToken string) (*oidc.IDToken, error) {
	return c.verifier.Verify(ctx, rawToken)
}

func (c *Client) tokenGrant(ctx context.Context, form url.Values) (*domain.TokenPair, error) {
	if form.Get("client_id") == "" {
		form.Set("client_id", c.cfg.ClientID)
	}
	if c.cfg.ClientSecret != "" && form.Get("client_secret") == "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	endpoint := c.cfg.IssuerURL() + "/protocol/openid-connect/token"
	resp, err := c.postForm(ctx, endpoint, form, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		// Keycloak answers 401 for bad client credentials and 400
		// invalid_grant for bad user credentials.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if strings.Contains(string(body), "invalid_grant") || resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("keycloak token grant: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, ErrUnavailable
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("keycloak token grant: status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		TokenType:    payload.TokenType,
		ExpiresIn:    payload.ExpiresIn,
	}, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, bearer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("keycloak request failed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func maskedIdentifier(identifier string) string {
	if strings.Contains(identifier, "@") {
		return logger.MaskEmail(identifier)
	}
	return logger.MaskString(identifier)
}

var _ oauth2.TokenSource = (*adminTokenCell)(nil)
