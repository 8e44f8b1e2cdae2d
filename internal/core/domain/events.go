package domain

import "time"

// LoginSucceededEvent is published after a fully authenticated login.
type LoginSucceededEvent struct {
	EventID   string
	UserID    string
	Method    string
	MFAUsed   bool
	IP        string
	UserAgent string
	At        time.Time
}

// LoginFailedEvent is published on authentication failures. Identifier is
// masked before publication.
type LoginFailedEvent struct {
	EventID    string
	Identifier string
	Reason     string
	IP         string
	At         time.Time
}

// MFAMethodChangedEvent is published when a method is added, verified,
// promoted to primary, or removed.
type MFAMethodChangedEvent struct {
	EventID    string
	UserID     string
	MethodID   string
	MethodType MFAMethodType
	Change     string
	At         time.Time
}

// MagicLinkIssuedEvent is published when a magic link has been generated
// and handed to the dispatcher. The raw token is never part of the event.
type MagicLinkIssuedEvent struct {
	EventID     string
	LinkID      string
	MaskedEmail string
	Action      MagicLinkAction
	ExpiresAt   time.Time
	At          time.Time
}

// AccountLinkedEvent is published when an OAuth provider account is linked
// or unlinked.
type AccountLinkedEvent struct {
	EventID  string
	UserID   string
	Provider OAuthProvider
	Linked   bool
	At       time.Time
}

// AuditEntry is the append-only record of authorization decisions and
// admin sync operations.
type AuditEntry struct {
	ID        string
	Actor     string
	Action    string
	Resource  string
	Outcome   string
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}
