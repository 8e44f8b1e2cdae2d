package port

import "context"

// MagicLinkMessage describes a magic-link delivery.
type MagicLinkMessage struct {
	Email       string
	Token       string
	Action      string
	RedirectURL string
	ExpiresIn   int
}

// MFACodeMessage describes a one-time-code delivery.
type MFACodeMessage struct {
	Destination string
	Channel     string
	Code        string
	ExpiresIn   int
}

// Dispatcher sends authentication messages through the configured
// email/SMS provider. Implementations must not log message payloads.
type Dispatcher interface {
	SendMagicLink(ctx context.Context, msg MagicLinkMessage) error
	SendMFACode(ctx context.Context, msg MFACodeMessage) error
	SendWelcome(ctx context.Context, email, username string) error
}
