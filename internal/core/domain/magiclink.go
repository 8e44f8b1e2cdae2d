package domain

import "time"

// MagicLinkStatus enumerates the lifecycle states of a magic link.
type MagicLinkStatus string

const (
	MagicLinkStatusPending MagicLinkStatus = "pending"
	MagicLinkStatusUsed    MagicLinkStatus = "used"
	MagicLinkStatusExpired MagicLinkStatus = "expired"
	MagicLinkStatusRevoked MagicLinkStatus = "revoked"
)

// IsTerminal reports whether the link can no longer change state.
func (s MagicLinkStatus) IsTerminal() bool {
	return s == MagicLinkStatusUsed || s == MagicLinkStatusExpired || s == MagicLinkStatusRevoked
}

// MagicLinkAction describes what redeeming the link accomplishes.
type MagicLinkAction string

const (
	MagicLinkActionLogin         MagicLinkAction = "login"
	MagicLinkActionRegister      MagicLinkAction = "register"
	MagicLinkActionResetPassword MagicLinkAction = "reset_password"
	MagicLinkActionVerifyEmail   MagicLinkAction = "verify_email"
)

// RequestContext carries client metadata captured at generation time.
type RequestContext struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

// MagicLink is a single-use authentication token. The raw token is the
// lookup key and is stored only as a hash.
type MagicLink struct {
	ID          string
	TokenHash   string
	Email       string
	UserID      *string
	Status      MagicLinkStatus
	Action      MagicLinkAction
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UsedAt      *time.Time
	RedirectURL string
	Context     RequestContext
}

// IsExpired reports whether the link elapsed its validity window.
func (l MagicLink) IsExpired(at time.Time) bool {
	return !l.ExpiresAt.After(at)
}

// EffectiveStatus resolves the status as observed at the given instant:
// a stored pending link past its expiry reads as expired even before the
// cleanup sweep transitions it.
func (l MagicLink) EffectiveStatus(at time.Time) MagicLinkStatus {
	if l.Status == MagicLinkStatusPending && l.IsExpired(at) {
		return MagicLinkStatusExpired
	}
	return l.Status
}
