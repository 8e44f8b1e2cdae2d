package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
	"github.com/smplatform/mu-auth/internal/infra/security"
)

const (
	tokenRefPrefix   = "tokenref:"
	tokenClaimPrefix = "token:"
)

// TokenService validates and refreshes Keycloak-issued tokens with a short
// bounded cache in front of introspection. Cached entries are invalidated
// explicitly on logout and password change; a stale allow is the failure
// mode the cache design guards against.
type TokenService struct {
	idp      port.IdentityProvider
	cache    port.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewTokenService constructs the token service.
func NewTokenService(idp port.IdentityProvider, cache port.Cache, cacheTTL time.Duration, log *zap.Logger) *TokenService {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenService{
		idp:      idp,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   log,
		now:      time.Now,
	}
}

// WithClock overrides the service clock, used in tests.
func (s *TokenService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

type cachedClaims struct {
	Subject   string    `json:"sub"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	SessionID string    `json:"sid"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Validate introspects the token, serving repeat validations from the
// cache until the TTL or an explicit invalidation.
func (s *TokenService) Validate(ctx context.Context, token string) (*domain.TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}

	hash := security.HashToken(token)
	if claims, ok := s.cachedLookup(ctx, hash); ok {
		if !claims.ExpiresAt.After(s.now().UTC()) {
			s.invalidateHash(ctx, hash, claims.Subject)
			return nil, ErrTokenExpired
		}
		return claims, nil
	}

	claims, err := s.idp.Introspect(ctx, token)
	if err != nil {
		if errors.Is(err, keycloak.ErrUnavailable) {
			return nil, ErrServiceUnavailable
		}
		return nil, fmt.Errorf("introspect token: %w", err)
	}
	if !claims.Active {
		return nil, ErrTokenInvalid
	}
	if !claims.ExpiresAt.IsZero() && !claims.ExpiresAt.After(s.now().UTC()) {
		return nil, ErrTokenExpired
	}

	s.cacheStore(ctx, hash, claims)
	return claims, nil
}

// Refresh exchanges the refresh token for a fresh pair.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	pair, err := s.idp.RefreshToken(ctx, strings.TrimSpace(refreshToken))
	if err != nil {
		if errors.Is(err, keycloak.ErrInvalidCredentials) {
			return nil, ErrTokenInvalid
		}
		if errors.Is(err, keycloak.ErrUnavailable) {
			return nil, ErrServiceUnavailable
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return pair, nil
}

// Logout terminates the upstream session and drops the cached validation
// for the access token immediately.
func (s *TokenService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := s.idp.Logout(ctx, strings.TrimSpace(refreshToken)); err != nil {
		if errors.Is(err, keycloak.ErrUnavailable) {
			return ErrServiceUnavailable
		}
		return fmt.Errorf("logout: %w", err)
	}

	if token := strings.TrimSpace(accessToken); token != "" {
		hash := security.HashToken(token)
		if claims, ok := s.cachedLookup(ctx, hash); ok {
			s.invalidateHash(ctx, hash, claims.Subject)
		} else {
			s.cache.Delete(ctx, tokenRefPrefix+hash)
		}
	}
	return nil
}

// InvalidateUser drops every cached validation for the subject, used after
// password changes and role updates.
func (s *TokenService) InvalidateUser(ctx context.Context, userID string) {
	if s.cache == nil || userID == "" {
		return
	}
	s.cache.DeletePrefix(ctx, tokenClaimPrefix+userID+":")
}

// cachedLookup resolves the two-step cache: token hash to subject, then the
// subject-scoped claims entry. The subject scoping is what makes per-user
// invalidation possible.
func (s *TokenService) cachedLookup(ctx context.Context, hash string) (*domain.TokenClaims, bool) {
	if s.cache == nil {
		return nil, false
	}

	subject, ok := s.cache.Get(ctx, tokenRefPrefix+hash)
	if !ok {
		return nil, false
	}
	raw, ok := s.cache.Get(ctx, tokenClaimPrefix+subject+":"+hash)
	if !ok {
		return nil, false
	}

	var cached cachedClaims
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, false
	}
	return &domain.TokenClaims{
		Subject:   cached.Subject,
		Username:  cached.Username,
		Email:     cached.Email,
		Roles:     cached.Roles,
		SessionID: cached.SessionID,
		IssuedAt:  cached.IssuedAt,
		ExpiresAt: cached.ExpiresAt,
		Active:    true,
	}, true
}

func (s *TokenService) cacheStore(ctx context.Context, hash string, claims *domain.TokenClaims) {
	if s.cache == nil {
		return
	}

	encoded, err := json.Marshal(cachedClaims{
		Subject:   claims.Subject,
		Username:  claims.Username,
		Email:     claims.Email,
		Roles:     claims.Roles,
		SessionID: claims.SessionID,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	})
	if err != nil {
		s.logger.Warn("encode cached claims failed", zap.Error(err))
		return
	}

	ttl := s.cacheTTL
	if !claims.ExpiresAt.IsZero() {
		if remaining := claims.ExpiresAt.Sub(s.now().UTC()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}

	s.cache.Set(ctx, tokenRefPrefix+hash, claims.Subject, ttl)
	s.cache.Set(ctx, tokenClaimPrefix+claims.Subject+":"+hash, string(encoded), ttl)
}

func (s *TokenService) invalidateHash(ctx context.Context, hash, subject string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, tokenRefPrefix+hash)
	if subject != "" {
		s.cache.Delete(ctx, tokenClaimPrefix+subject+":"+hash)
	}
}
