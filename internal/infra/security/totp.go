package security

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPManager generates and validates RFC 6238 time-based one-time codes.
type TOTPManager struct {
	issuer string
	skew   uint
}

// NewTOTPManager constructs a TOTP manager for the given issuer label.
func NewTOTPManager(issuer string, skew uint) *TOTPManager {
	if issuer == "" {
		issuer = "mu-auth"
	}
	return &TOTPManager{issuer: issuer, skew: skew}
}

// GenerateSecret creates a fresh TOTP secret and its otpauth:// provisioning
// URL for the given account label.
func (m *TOTPManager) GenerateSecret(account string) (secret, provisionURL string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}

	return key.Secret(), key.URL(), nil
}

// Validate checks the submitted code against the secret, allowing the
// configured clock skew in 30s steps.
func (m *TOTPManager) Validate(code, secret string, at time.Time) (bool, error) {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      m.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("validate totp: %w", err)
	}
	return ok, nil
}
