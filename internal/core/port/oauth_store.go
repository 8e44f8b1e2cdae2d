package port

import (
	"context"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// OAuthStateStore persists short-lived CSRF state between the authorize
// redirect and the provider callback. Consume must atomically fetch and
// delete so each state value is accepted at most once.
type OAuthStateStore interface {
	Save(ctx context.Context, state domain.OAuthState) error
	Consume(ctx context.Context, state string) (*domain.OAuthState, error)
}

// LinkedAccountRepository persists provider account links in Postgres.
type LinkedAccountRepository interface {
	Upsert(ctx context.Context, account domain.LinkedAccount) error
	GetByProviderUser(ctx context.Context, provider domain.OAuthProvider, providerUserID string) (*domain.LinkedAccount, error)
	GetByUserAndProvider(ctx context.Context, userID string, provider domain.OAuthProvider) (*domain.LinkedAccount, error)
	ListByUser(ctx context.Context, userID string) ([]domain.LinkedAccount, error)
	Delete(ctx context.Context, userID string, provider domain.OAuthProvider) error
}
