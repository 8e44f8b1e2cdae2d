package domain

import "time"

// TrustedDevice is a remembered device allowed to skip MFA. Trust is scoped
// to the (UserID, FingerprintHash) pair.
type TrustedDevice struct {
	ID              string
	UserID          string
	FingerprintHash string
	Name            string
	Platform        string
	Browser         string
	IP              string
	IsActive        bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	ExpiresAt       *time.Time
}

// IsExpired reports whether the device trust elapsed its validity window.
// Devices without an expiry never expire.
func (d TrustedDevice) IsExpired(at time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(at)
}

// CanSkipMFA reports whether the device may bypass an MFA challenge.
func (d TrustedDevice) CanSkipMFA(at time.Time) bool {
	return d.IsActive && !d.IsExpired(at)
}
