package domain

import "time"

// MFAMethodType enumerates supported second-factor method types.
type MFAMethodType string

const (
	MFAMethodTOTP          MFAMethodType = "totp"
	MFAMethodSMS           MFAMethodType = "sms"
	MFAMethodEmail         MFAMethodType = "email"
	MFAMethodWebAuthn      MFAMethodType = "webauthn"
	MFAMethodBackupCodes   MFAMethodType = "backup_codes"
	MFAMethodHardwareToken MFAMethodType = "hardware_token"
	MFAMethodPush          MFAMethodType = "push"
	MFAMethodVoice         MFAMethodType = "voice"
)

// ChallengeStatus enumerates the lifecycle states of an MFA challenge.
type ChallengeStatus string

const (
	ChallengeStatusPending     ChallengeStatus = "pending"
	ChallengeStatusVerified    ChallengeStatus = "verified"
	ChallengeStatusFailed      ChallengeStatus = "failed"
	ChallengeStatusExpired     ChallengeStatus = "expired"
	ChallengeStatusRateLimited ChallengeStatus = "rate_limited"
)

// IsTerminal reports whether no further transitions are allowed from the status.
func (s ChallengeStatus) IsTerminal() bool {
	switch s {
	case ChallengeStatusVerified, ChallengeStatusExpired, ChallengeStatusRateLimited:
		return true
	}
	return false
}

// TOTPMetadata holds the secret material for an authenticator-app method.
// PendingSecret carries the secret between setup and first verification;
// it is promoted to Secret once the setup code is confirmed.
type TOTPMetadata struct {
	Secret        string
	PendingSecret string
	Issuer        string
}

// SMSMetadata holds the destination for SMS-delivered codes.
type SMSMetadata struct {
	Phone string
}

// EmailMetadata holds the destination for email-delivered codes.
type EmailMetadata struct {
	Email string
}

// BackupCodesMetadata references the active batch of recovery codes.
// Only hashes are retained; plaintext codes are shown once at generation.
type BackupCodesMetadata struct {
	BatchID     string
	CodeHashes  []string
	GeneratedAt time.Time
}

// MFAMethodMetadata is a tagged union over the per-type metadata variants.
// Exactly one field is non-nil, matching the method type.
type MFAMethodMetadata struct {
	TOTP        *TOTPMetadata
	SMS         *SMSMetadata
	Email       *EmailMetadata
	BackupCodes *BackupCodesMetadata
}

// MFAMethod is a configured second factor for one user.
type MFAMethod struct {
	ID         string
	UserID     string
	Type       MFAMethodType
	Name       string
	IsEnabled  bool
	IsPrimary  bool
	IsVerified bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Metadata   MFAMethodMetadata
}

// CanSatisfyChallenge reports whether the method may answer a login challenge.
func (m MFAMethod) CanSatisfyChallenge() bool {
	return m.IsEnabled && m.IsVerified
}

// Destination returns the out-of-band delivery target for the method, if any.
func (m MFAMethod) Destination() string {
	switch m.Type {
	case MFAMethodSMS:
		if m.Metadata.SMS != nil {
			return m.Metadata.SMS.Phone
		}
	case MFAMethodEmail:
		if m.Metadata.Email != nil {
			return m.Metadata.Email.Email
		}
	}
	return ""
}

// MFAChallenge is an in-flight verification attempt against one method.
type MFAChallenge struct {
	ID                string
	UserID            string
	SessionID         *string
	MethodID          string
	MethodType        MFAMethodType
	Status            ChallengeStatus
	CodeHash          string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
	MaskedDestination string
}

// IsExpired reports whether the challenge elapsed its validity window.
func (c MFAChallenge) IsExpired(at time.Time) bool {
	return !c.ExpiresAt.After(at)
}

// BackupCodeBatch is a generation of one-time recovery codes for a user.
// Codes are stored hashed; the plaintext set exists only in the generation
// response.
type BackupCodeBatch struct {
	ID          string
	UserID      string
	CodeHashes  []string
	UsedHashes  []string
	GeneratedAt time.Time
}

// Remaining returns how many codes in the batch are still usable.
func (b BackupCodeBatch) Remaining() int {
	return len(b.CodeHashes) - len(b.UsedHashes)
}
