package usecase

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers every authentication failure surfaced to
	// callers: wrong password, unknown user, disabled account. The specific
	// cause is logged server-side, never returned.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenExpired indicates an access or refresh token past its lifetime.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid indicates a malformed or revoked token.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrCodeExpired indicates the challenge elapsed before verification.
	ErrCodeExpired = errors.New("verification code expired")
	// ErrTooManyAttempts indicates the challenge consumed its last attempt.
	ErrTooManyAttempts = errors.New("too many verification attempts")
	// ErrMethodNotFound indicates no such MFA method for the user.
	ErrMethodNotFound = errors.New("mfa method not found")
	// ErrMethodAlreadyExists indicates a duplicate method registration.
	ErrMethodAlreadyExists = errors.New("mfa method already exists")
	// ErrMethodNotVerified indicates the method has not completed setup.
	ErrMethodNotVerified = errors.New("mfa method not verified")
	// ErrMethodNotSupported indicates the method type is enumerated but not
	// dispatchable.
	ErrMethodNotSupported = errors.New("mfa method type not supported")
	// ErrChallengeNotFound indicates no pending challenge for the id.
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	// ErrDeviceNotTrusted indicates the fingerprint has no active trust grant.
	ErrDeviceNotTrusted = errors.New("device not trusted")
	// ErrBackupCodeInvalid indicates the code is unknown or already used.
	ErrBackupCodeInvalid = errors.New("backup code invalid")
	// ErrMagicLinkExpired indicates the link elapsed before redemption.
	ErrMagicLinkExpired = errors.New("magic link expired")
	// ErrMagicLinkUsed indicates the link was already redeemed.
	ErrMagicLinkUsed = errors.New("magic link already used")
	// ErrMagicLinkRevoked indicates the link was revoked.
	ErrMagicLinkRevoked = errors.New("magic link revoked")
	// ErrMagicLinkInvalid indicates no link exists for the token.
	ErrMagicLinkInvalid = errors.New("magic link invalid")
	// ErrRegistrationDisabled indicates auto-provisioning is off.
	ErrRegistrationDisabled = errors.New("registration disabled")
	// ErrAccountAlreadyLinked indicates the provider identity belongs to
	// another user.
	ErrAccountAlreadyLinked = errors.New("account already linked")
	// ErrAccountNotLinked indicates no link exists for the provider.
	ErrAccountNotLinked = errors.New("account not linked")
	// ErrRefreshUnsupported indicates the provider does not issue refresh
	// tokens.
	ErrRefreshUnsupported = errors.New("provider does not support token refresh")
	// ErrStateInvalid indicates the OAuth state is unknown, reused or expired.
	ErrStateInvalid = errors.New("oauth state invalid")
	// ErrServiceUnavailable indicates an upstream dependency is unreachable.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// RateLimitedError carries the wait hint for a throttled operation.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry after %s", e.Scope, e.RetryAfter)
}

// ErrRateLimited is the sentinel matched by errors.Is for any RateLimitedError.
var ErrRateLimited = errors.New("rate limited")

// Is lets errors.Is(err, ErrRateLimited) match the typed error.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
