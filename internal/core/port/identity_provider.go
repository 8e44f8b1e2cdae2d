package port

import (
	"context"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// NewUserInput captures the attributes required to provision an identity.
type NewUserInput struct {
	Username      string
	Email         string
	FirstName     string
	LastName      string
	EmailVerified bool
	Enabled       bool
	Attributes    map[string][]string
}

// IdentityProvider abstracts the Keycloak realm the gateway fronts.
// Every call must honor the context deadline; implementations do not retry.
type IdentityProvider interface {
	Login(ctx context.Context, username, password string) (*domain.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
	Introspect(ctx context.Context, token string) (*domain.TokenClaims, error)
	Logout(ctx context.Context, refreshToken string) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	CreateUser(ctx context.Context, input NewUserInput) (string, error)
	AssignRoles(ctx context.Context, userID string, roles []string) error
	ResetPassword(ctx context.Context, email string) error
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error
	ListUsers(ctx context.Context, offset, limit int) ([]domain.User, error)
	// ImpersonateTokens issues tokens for a user authenticated through a
	// non-password flow (magic link, OAuth broker). Uses the token-exchange
	// grant under the admin credential.
	ImpersonateTokens(ctx context.Context, userID string) (*domain.TokenPair, error)
}
