package port

import (
	"context"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// EventPublisher publishes domain events to the message bus.
type EventPublisher interface {
	PublishLoginSucceeded(ctx context.Context, event domain.LoginSucceededEvent) error
	PublishLoginFailed(ctx context.Context, event domain.LoginFailedEvent) error
	PublishMFAMethodChanged(ctx context.Context, event domain.MFAMethodChangedEvent) error
	PublishMagicLinkIssued(ctx context.Context, event domain.MagicLinkIssuedEvent) error
	PublishAccountLinked(ctx context.Context, event domain.AccountLinkedEvent) error
}
