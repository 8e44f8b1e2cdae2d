package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/config"
	"github.com/smplatform/mu-auth/internal/infra/logger"
	"github.com/smplatform/mu-auth/internal/infra/security"
	"github.com/smplatform/mu-auth/internal/repository"
)

const (
	defaultCodeLength  = 6
	defaultCodeExpiry  = 5 * time.Minute
	defaultMaxAttempts = 3

	mfaInitiateScope = "mfa_initiate"

	methodChangeAdded       = "added"
	methodChangeVerified    = "verified"
	methodChangePrimary     = "primary"
	methodChangeRemoved     = "removed"
	methodChangeRegenerated = "backup_codes_regenerated"
)

// MFAService owns the second-factor method and challenge lifecycle.
type MFAService struct {
	cfg         config.MFASettings
	methods     port.MFAMethodStore
	challenges  port.ChallengeStore
	backupCodes port.BackupCodeStore
	devices     port.TrustedDeviceStore
	dispatcher  port.Dispatcher
	events      port.EventPublisher
	totp        *security.TOTPManager
	limiter     *RateLimiter
	logger      *zap.Logger
	now         func() time.Time
}

// NewMFAService constructs the MFA engine.
func NewMFAService(
	cfg config.MFASettings,
	methods port.MFAMethodStore,
	challenges port.ChallengeStore,
	backupCodes port.BackupCodeStore,
	devices port.TrustedDeviceStore,
	dispatcher port.Dispatcher,
	events port.EventPublisher,
	limiter *RateLimiter,
	log *zap.Logger,
) *MFAService {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = defaultCodeLength
	}
	if cfg.CodeExpiry <= 0 {
		cfg.CodeExpiry = defaultCodeExpiry
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &MFAService{
		cfg:         cfg,
		methods:     methods,
		challenges:  challenges,
		backupCodes: backupCodes,
		devices:     devices,
		dispatcher:  dispatcher,
		events:      events,
		totp:        security.NewTOTPManager(cfg.TOTPIssuer, cfg.TOTPSkew),
		limiter:     limiter,
		logger:      log,
		now:         time.Now,
	}
}

// WithClock overrides the service clock, used in tests.
func (s *MFAService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// MethodView is the masked representation returned to callers. Secrets and
// raw destinations never leave the service.
type MethodView struct {
	ID                string
	Type              domain.MFAMethodType
	Name              string
	IsEnabled         bool
	IsPrimary         bool
	IsVerified        bool
	CreatedAt         time.Time
	LastUsedAt        *time.Time
	MaskedDestination string
}

// ChallengeView is the caller-facing shape of an issued challenge.
type ChallengeView struct {
	ID                string
	MethodID          string
	MethodType        domain.MFAMethodType
	MaskedDestination string
	ExpiresAt         time.Time
	AttemptsRemaining int
}

// SetupMethodInput registers a new second factor.
type SetupMethodInput struct {
	UserID  string
	Type    domain.MFAMethodType
	Name    string
	Phone   string
	Email   string
	Account string
}

// SetupMethodResult carries the setup artifacts. Secret and ProvisionURL are
// populated for TOTP only; BackupCodes for backup_codes only. Both are shown
// exactly once.
type SetupMethodResult struct {
	Method            MethodView
	Secret            string
	ProvisionURL      string
	BackupCodes       []string
	ChallengeID       string
	MaskedDestination string
}

// SetupMethod registers an unverified method. TOTP returns the provisioning
// secret; SMS and email dispatch a setup code to prove destination ownership.
func (s *MFAService) SetupMethod(ctx context.Context, input SetupMethodInput) (*SetupMethodResult, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	// Backup codes have no second channel to prove, so setup is the batch
	// generation itself and the codes come back immediately.
	if input.Type == domain.MFAMethodBackupCodes {
		return s.setupBackupCodes(ctx, userID)
	}

	existing, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list methods: %w", err)
	}

	now := s.now().UTC()
	method := domain.MFAMethod{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      input.Type,
		Name:      strings.TrimSpace(input.Name),
		IsEnabled: true,
		CreatedAt: now,
	}

	result := &SetupMethodResult{}

	switch input.Type {
	case domain.MFAMethodTOTP:
		for _, m := range existing {
			if m.Type == domain.MFAMethodTOTP {
				return nil, ErrMethodAlreadyExists
			}
		}
		account := strings.TrimSpace(input.Account)
		if account == "" {
			account = userID
		}
		secret, url, err := s.totp.GenerateSecret(account)
		if err != nil {
			return nil, err
		}
		method.Metadata.TOTP = &domain.TOTPMetadata{PendingSecret: secret, Issuer: s.cfg.TOTPIssuer}
		result.Secret = secret
		result.ProvisionURL = url

	case domain.MFAMethodSMS:
		phone := strings.TrimSpace(input.Phone)
		if phone == "" {
			return nil, fmt.Errorf("phone is required for sms method")
		}
		for _, m := range existing {
			if m.Type == domain.MFAMethodSMS && m.Metadata.SMS != nil && m.Metadata.SMS.Phone == phone {
				return nil, ErrMethodAlreadyExists
			}
		}
		method.Metadata.SMS = &domain.SMSMetadata{Phone: phone}

	case domain.MFAMethodEmail:
		email := strings.ToLower(strings.TrimSpace(input.Email))
		if email == "" {
			return nil, fmt.Errorf("email is required for email method")
		}
		for _, m := range existing {
			if m.Type == domain.MFAMethodEmail && m.Metadata.Email != nil && m.Metadata.Email.Email == email {
				return nil, ErrMethodAlreadyExists
			}
		}
		method.Metadata.Email = &domain.EmailMetadata{Email: email}

	default:
		return nil, ErrMethodNotSupported
	}

	if err := s.methods.Create(ctx, method); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrMethodAlreadyExists
		}
		return nil, fmt.Errorf("store method: %w", err)
	}

	// Out-of-band methods prove destination ownership with a setup code.
	if input.Type == domain.MFAMethodSMS || input.Type == domain.MFAMethodEmail {
		challenge, err := s.issueChallenge(ctx, method, nil)
		if err != nil {
			return nil, err
		}
		result.ChallengeID = challenge.ID
		result.MaskedDestination = challenge.MaskedDestination
	}

	s.publishMethodChanged(ctx, method, methodChangeAdded)
	s.logger.Info("mfa method registered",
		zap.String("user_id", userID),
		zap.String("method_type", string(input.Type)),
	)

	result.Method = s.view(method)
	return result, nil
}

// VerifySetupInput completes method setup. ChallengeID is required for SMS
// and email methods; TOTP validates the code against the pending secret.
type VerifySetupInput struct {
	UserID      string
	MethodID    string
	ChallengeID string
	Code        string
}

// VerifySetup flips the method to verified. The first verified method for a
// user becomes primary.
func (s *MFAService) VerifySetup(ctx context.Context, input VerifySetupInput) (*MethodView, error) {
	method, err := s.ownedMethod(ctx, input.UserID, input.MethodID)
	if err != nil {
		return nil, err
	}
	if method.IsVerified {
		view := s.view(*method)
		return &view, nil
	}

	now := s.now().UTC()

	switch method.Type {
	case domain.MFAMethodTOTP:
		meta := method.Metadata.TOTP
		if meta == nil || meta.PendingSecret == "" {
			return nil, ErrMethodNotFound
		}
		ok, err := s.totp.Validate(strings.TrimSpace(input.Code), meta.PendingSecret, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidCredentials
		}
		meta.Secret = meta.PendingSecret
		meta.PendingSecret = ""

	case domain.MFAMethodSMS, domain.MFAMethodEmail:
		if strings.TrimSpace(input.ChallengeID) == "" {
			return nil, ErrChallengeNotFound
		}
		outcome, _, err := s.challenges.ConsumeAttempt(ctx, input.ChallengeID, security.HashToken(strings.TrimSpace(input.Code)), now)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrChallengeNotFound
			}
			return nil, fmt.Errorf("consume setup attempt: %w", err)
		}
		switch outcome {
		case port.AttemptMatched:
		case port.AttemptMismatch:
			return nil, ErrInvalidCredentials
		case port.AttemptExhausted:
			return nil, ErrTooManyAttempts
		default:
			return nil, ErrCodeExpired
		}

	default:
		return nil, ErrMethodNotSupported
	}

	method.IsVerified = true

	// First verified method becomes the user's primary.
	others, err := s.methods.ListByUser(ctx, method.UserID)
	if err != nil {
		return nil, fmt.Errorf("list methods: %w", err)
	}
	hasPrimary := false
	for _, m := range others {
		if m.ID != method.ID && m.IsPrimary {
			hasPrimary = true
			break
		}
	}
	if !hasPrimary {
		method.IsPrimary = true
	}

	if err := s.methods.Update(ctx, *method); err != nil {
		return nil, fmt.Errorf("update method: %w", err)
	}

	s.publishMethodChanged(ctx, *method, methodChangeVerified)
	view := s.view(*method)
	return &view, nil
}

// InitiateChallengeInput issues a login challenge. MethodID empty means the
// user's primary method.
type InitiateChallengeInput struct {
	UserID    string
	MethodID  string
	SessionID string
}

// InitiateChallenge creates a pending challenge and, for out-of-band
// methods, dispatches the one-time code.
func (s *MFAService) InitiateChallenge(ctx context.Context, input InitiateChallengeInput) (*ChallengeView, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	if err := s.limiter.check(ctx, mfaInitiateScope, userID); err != nil {
		return nil, err
	}

	method, err := s.resolveChallengeMethod(ctx, userID, input.MethodID)
	if err != nil {
		return nil, err
	}

	var sessionID *string
	if sid := strings.TrimSpace(input.SessionID); sid != "" {
		sessionID = &sid
	}

	challenge, err := s.issueChallenge(ctx, *method, sessionID)
	if err != nil {
		return nil, err
	}

	return &ChallengeView{
		ID:                challenge.ID,
		MethodID:          method.ID,
		MethodType:        method.Type,
		MaskedDestination: challenge.MaskedDestination,
		ExpiresAt:         challenge.ExpiresAt,
		AttemptsRemaining: challenge.AttemptsRemaining,
	}, nil
}

// DeviceInfo carries the client attributes captured when trusting a device.
type DeviceInfo struct {
	Fingerprint string
	Name        string
	Platform    string
	Browser     string
	IP          string
}

// VerifyChallengeInput answers a pending challenge.
type VerifyChallengeInput struct {
	ChallengeID    string
	Code           string
	RememberDevice bool
	Device         DeviceInfo
}

// VerifyChallengeResult reports the attempt outcome. A failed attempt that
// leaves attempts on the table is a structured result, not an error.
type VerifyChallengeResult struct {
	Verified          bool
	AttemptsRemaining int
	UserID            string
	MethodID          string
	DeviceTrusted     bool
}

// VerifyChallenge checks the submitted code. Expiry and attempt exhaustion
// are terminal regardless of code correctness; the decrement is atomic in
// the store.
func (s *MFAService) VerifyChallenge(ctx context.Context, input VerifyChallengeInput) (*VerifyChallengeResult, error) {
	challengeID := strings.TrimSpace(input.ChallengeID)
	if challengeID == "" {
		return nil, ErrChallengeNotFound
	}

	challenge, err := s.challenges.GetByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("lookup challenge: %w", err)
	}

	now := s.now().UTC()
	switch challenge.Status {
	case domain.ChallengeStatusPending:
	case domain.ChallengeStatusExpired:
		return nil, ErrCodeExpired
	case domain.ChallengeStatusRateLimited:
		return nil, ErrTooManyAttempts
	default:
		return nil, ErrChallengeNotFound
	}
	if challenge.IsExpired(now) {
		_ = s.challenges.MarkExpired(ctx, challengeID)
		return nil, ErrCodeExpired
	}

	submittedHash, err := s.submittedHash(ctx, challenge, strings.TrimSpace(input.Code), now)
	if err != nil {
		return nil, err
	}

	outcome, remaining, err := s.challenges.ConsumeAttempt(ctx, challengeID, submittedHash, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("consume attempt: %w", err)
	}

	switch outcome {
	case port.AttemptMatched:
	case port.AttemptMismatch:
		s.logger.Info("mfa attempt failed",
			zap.String("challenge_id", challengeID),
			zap.Int("attempts_remaining", remaining),
		)
		return &VerifyChallengeResult{AttemptsRemaining: remaining, UserID: challenge.UserID}, nil
	case port.AttemptExhausted:
		return nil, ErrTooManyAttempts
	default:
		// The store observed a terminal state between our read and the
		// consume call.
		stored, lookupErr := s.challenges.GetByID(ctx, challengeID)
		if lookupErr == nil {
			switch stored.Status {
			case domain.ChallengeStatusExpired:
				return nil, ErrCodeExpired
			case domain.ChallengeStatusRateLimited:
				return nil, ErrTooManyAttempts
			}
		}
		return nil, ErrChallengeNotFound
	}

	result := &VerifyChallengeResult{
		Verified:          true,
		AttemptsRemaining: remaining,
		UserID:            challenge.UserID,
		MethodID:          challenge.MethodID,
	}

	if method, err := s.methods.GetByID(ctx, challenge.MethodID); err == nil {
		used := now
		method.LastUsedAt = &used
		if updateErr := s.methods.Update(ctx, *method); updateErr != nil {
			s.logger.Warn("update method last used failed", zap.Error(updateErr))
		}
	}

	if input.RememberDevice && strings.TrimSpace(input.Device.Fingerprint) != "" {
		if _, err := s.TrustDevice(ctx, TrustDeviceInput{UserID: challenge.UserID, Device: input.Device}); err != nil {
			s.logger.Warn("trust device failed", zap.Error(err))
		} else {
			result.DeviceTrusted = true
		}
	}

	return result, nil
}

// ListMethods returns the user's methods with destinations masked.
func (s *MFAService) ListMethods(ctx context.Context, userID string) ([]MethodView, error) {
	methods, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list methods: %w", err)
	}

	views := make([]MethodView, 0, len(methods))
	for _, m := range methods {
		views = append(views, s.view(m))
	}
	return views, nil
}

// RemoveMethod deletes the method immediately. Primary status is not
// reassigned; the user explicitly promotes another method.
func (s *MFAService) RemoveMethod(ctx context.Context, userID, methodID string) error {
	method, err := s.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}

	if err := s.methods.Delete(ctx, methodID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMethodNotFound
		}
		return fmt.Errorf("delete method: %w", err)
	}

	if method.Type == domain.MFAMethodBackupCodes {
		if err := s.backupCodes.Delete(ctx, userID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("delete backup codes failed", zap.Error(err))
		}
	}

	s.publishMethodChanged(ctx, *method, methodChangeRemoved)
	return nil
}

// SetPrimaryMethod promotes a verified method, demoting any other primary.
func (s *MFAService) SetPrimaryMethod(ctx context.Context, userID, methodID string) error {
	method, err := s.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if !method.IsVerified {
		return ErrMethodNotVerified
	}

	methods, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list methods: %w", err)
	}
	for _, m := range methods {
		if m.ID != methodID && m.IsPrimary {
			m.IsPrimary = false
			if err := s.methods.Update(ctx, m); err != nil {
				return fmt.Errorf("demote method: %w", err)
			}
		}
	}

	if !method.IsPrimary {
		method.IsPrimary = true
		if err := s.methods.Update(ctx, *method); err != nil {
			return fmt.Errorf("promote method: %w", err)
		}
	}

	s.publishMethodChanged(ctx, *method, methodChangePrimary)
	return nil
}

// BackupCodesResult carries the freshly generated plaintext codes. They are
// shown exactly once; only argon2id hashes are retained.
type BackupCodesResult struct {
	Codes       []string
	GeneratedAt time.Time
}

// GenerateBackupCodes replaces the user's recovery codes. All codes from a
// prior batch stop working.
func (s *MFAService) GenerateBackupCodes(ctx context.Context, userID string) (*BackupCodesResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	count := s.cfg.BackupCodes
	if count <= 0 {
		count = 10
	}
	length := s.cfg.BackupCodeLen
	if length <= 0 {
		length = 8
	}

	now := s.now().UTC()
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := security.GenerateBackupCode(length)
		if err != nil {
			return nil, err
		}
		hash, err := security.HashBackupCode(code)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}

	batch := domain.BackupCodeBatch{
		ID:          uuid.NewString(),
		UserID:      userID,
		CodeHashes:  hashes,
		GeneratedAt: now,
	}
	if err := s.backupCodes.Replace(ctx, batch); err != nil {
		return nil, fmt.Errorf("replace backup codes: %w", err)
	}

	method, err := s.ensureBackupCodesMethod(ctx, userID, batch, now)
	if err != nil {
		return nil, err
	}

	s.publishMethodChanged(ctx, *method, methodChangeRegenerated)
	s.logger.Info("backup codes regenerated",
		zap.String("user_id", userID),
		zap.Int("count", count),
	)
	return &BackupCodesResult{Codes: codes, GeneratedAt: now}, nil
}

// UseBackupCode consumes one recovery code and reports how many remain.
func (s *MFAService) UseBackupCode(ctx context.Context, userID, code string) (int, error) {
	batch, err := s.backupCodes.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrBackupCodeInvalid
		}
		return 0, fmt.Errorf("lookup backup codes: %w", err)
	}

	used := make(map[string]struct{}, len(batch.UsedHashes))
	for _, h := range batch.UsedHashes {
		used[h] = struct{}{}
	}

	// Hashes are salted, so the match is found by verification rather than
	// lookup. The consume itself stays atomic in the store.
	var matched string
	for _, hash := range batch.CodeHashes {
		if _, taken := used[hash]; taken {
			continue
		}
		ok, verifyErr := security.VerifyBackupCode(code, hash)
		if verifyErr != nil {
			continue
		}
		if ok {
			matched = hash
			break
		}
	}
	if matched == "" {
		return batch.Remaining(), ErrBackupCodeInvalid
	}

	consumed, remaining, err := s.backupCodes.Consume(ctx, batch.UserID, matched)
	if err != nil {
		return 0, fmt.Errorf("consume backup code: %w", err)
	}
	if !consumed {
		return remaining, ErrBackupCodeInvalid
	}

	s.logger.Info("backup code consumed",
		zap.String("user_id", logger.MaskString(batch.UserID)),
		zap.Int("remaining", remaining),
	)
	return remaining, nil
}

// TrustDeviceInput registers a device trust grant.
type TrustDeviceInput struct {
	UserID string
	Device DeviceInfo
}

// TrustDevice remembers the device so subsequent logins may skip MFA until
// the trust expires or is revoked. The raw fingerprint is stored hashed.
func (s *MFAService) TrustDevice(ctx context.Context, input TrustDeviceInput) (*domain.TrustedDevice, error) {
	userID := strings.TrimSpace(input.UserID)
	fingerprint := strings.TrimSpace(input.Device.Fingerprint)
	if userID == "" || fingerprint == "" {
		return nil, fmt.Errorf("user id and fingerprint are required")
	}

	now := s.now().UTC()
	device := domain.TrustedDevice{
		ID:              uuid.NewString(),
		UserID:          userID,
		FingerprintHash: security.HashToken(fingerprint),
		Name:            strings.TrimSpace(input.Device.Name),
		Platform:        input.Device.Platform,
		Browser:         input.Device.Browser,
		IP:              input.Device.IP,
		IsActive:        true,
		CreatedAt:       now,
	}
	if s.cfg.DeviceTrustTTL > 0 {
		expires := now.Add(s.cfg.DeviceTrustTTL)
		device.ExpiresAt = &expires
	}

	// Re-trusting the same fingerprint refreshes the existing grant.
	if existing, err := s.devices.GetByFingerprint(ctx, userID, device.FingerprintHash); err == nil {
		device.ID = existing.ID
		device.CreatedAt = existing.CreatedAt
	}

	if err := s.devices.Save(ctx, device); err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}
	return &device, nil
}

// IsDeviceTrusted reports whether the fingerprint holds an active,
// unexpired trust grant for the user. Trust never crosses users.
func (s *MFAService) IsDeviceTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false, nil
	}

	device, err := s.devices.GetByFingerprint(ctx, userID, security.HashToken(fingerprint))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup device: %w", err)
	}

	if !device.CanSkipMFA(s.now().UTC()) {
		return false, nil
	}

	used := s.now().UTC()
	device.LastUsedAt = &used
	if err := s.devices.Save(ctx, *device); err != nil {
		s.logger.Warn("update device last used failed", zap.Error(err))
	}
	return true, nil
}

// ListTrustedDevices returns the user's remembered devices.
func (s *MFAService) ListTrustedDevices(ctx context.Context, userID string) ([]domain.TrustedDevice, error) {
	devices, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// RevokeTrustedDevice deactivates one device grant.
func (s *MFAService) RevokeTrustedDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.devices.Revoke(ctx, userID, deviceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDeviceNotTrusted
		}
		return fmt.Errorf("revoke device: %w", err)
	}
	return nil
}

// HasVerifiedMethod reports whether the user can answer an MFA challenge.
func (s *MFAService) HasVerifiedMethod(ctx context.Context, userID string) (bool, error) {
	methods, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list methods: %w", err)
	}
	for _, m := range methods {
		if m.CanSatisfyChallenge() && m.Type != domain.MFAMethodBackupCodes {
			return true, nil
		}
	}
	return false, nil
}

func (s *MFAService) issueChallenge(ctx context.Context, method domain.MFAMethod, sessionID *string) (*domain.MFAChallenge, error) {
	now := s.now().UTC()
	challenge := domain.MFAChallenge{
		ID:                uuid.NewString(),
		UserID:            method.UserID,
		SessionID:         sessionID,
		MethodID:          method.ID,
		MethodType:        method.Type,
		Status:            domain.ChallengeStatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.CodeExpiry),
		AttemptsRemaining: s.cfg.MaxAttempts,
		MaskedDestination: maskDestination(method),
	}

	var rawCode string
	switch method.Type {
	case domain.MFAMethodTOTP:
		// The code is computed, not stored; the hash is an opaque marker the
		// verify path echoes back after local TOTP validation.
		marker, err := security.GenerateSecureToken(16)
		if err != nil {
			return nil, err
		}
		challenge.CodeHash = security.HashToken(marker)

	case domain.MFAMethodSMS, domain.MFAMethodEmail:
		code, err := security.GenerateNumericCode(s.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		rawCode = code
		challenge.CodeHash = security.HashToken(code)

	default:
		return nil, ErrMethodNotSupported
	}

	// The record outlives the code expiry so status reads after the window
	// still resolve.
	if err := s.challenges.Create(ctx, challenge, 2*s.cfg.CodeExpiry); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	if rawCode != "" {
		channel := "email"
		if method.Type == domain.MFAMethodSMS {
			channel = "sms"
		}
		msg := port.MFACodeMessage{
			Destination: method.Destination(),
			Channel:     channel,
			Code:        rawCode,
			ExpiresIn:   int(s.cfg.CodeExpiry.Seconds()),
		}
		if err := s.dispatcher.SendMFACode(ctx, msg); err != nil {
			return nil, fmt.Errorf("dispatch code: %w", err)
		}
		s.logger.Info("mfa code dispatched",
			zap.String("challenge_id", challenge.ID),
			zap.String("destination", challenge.MaskedDestination),
		)
	}

	return &challenge, nil
}

func (s *MFAService) submittedHash(ctx context.Context, challenge *domain.MFAChallenge, code string, at time.Time) (string, error) {
	if challenge.MethodType != domain.MFAMethodTOTP {
		return security.HashToken(code), nil
	}

	method, err := s.methods.GetByID(ctx, challenge.MethodID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrMethodNotFound
		}
		return "", fmt.Errorf("lookup method: %w", err)
	}
	meta := method.Metadata.TOTP
	if meta == nil || meta.Secret == "" {
		return "", ErrMethodNotVerified
	}

	ok, err := s.totp.Validate(code, meta.Secret, at)
	if err != nil {
		return "", err
	}
	if ok {
		// Echo the stored marker so the store records a match.
		return challenge.CodeHash, nil
	}
	return security.HashToken("totp-mismatch:" + code), nil
}

func (s *MFAService) resolveChallengeMethod(ctx context.Context, userID, methodID string) (*domain.MFAMethod, error) {
	if id := strings.TrimSpace(methodID); id != "" {
		method, err := s.ownedMethod(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if !method.CanSatisfyChallenge() {
			return nil, ErrMethodNotVerified
		}
		return method, nil
	}

	methods, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list methods: %w", err)
	}

	var fallback *domain.MFAMethod
	for i := range methods {
		m := &methods[i]
		if !m.CanSatisfyChallenge() || m.Type == domain.MFAMethodBackupCodes {
			continue
		}
		if m.IsPrimary {
			return m, nil
		}
		if fallback == nil {
			fallback = m
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrMethodNotFound
}

func (s *MFAService) ownedMethod(ctx context.Context, userID, methodID string) (*domain.MFAMethod, error) {
	method, err := s.methods.GetByID(ctx, strings.TrimSpace(methodID))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMethodNotFound
		}
		return nil, fmt.Errorf("lookup method: %w", err)
	}
	if method.UserID != strings.TrimSpace(userID) {
		return nil, ErrMethodNotFound
	}
	return method, nil
}

func (s *MFAService) setupBackupCodes(ctx context.Context, userID string) (*SetupMethodResult, error) {
	batch, err := s.GenerateBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	methods, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list methods: %w", err)
	}
	result := &SetupMethodResult{BackupCodes: batch.Codes}
	for _, m := range methods {
		if m.Type == domain.MFAMethodBackupCodes {
			result.Method = s.view(m)
			break
		}
	}
	return result, nil
}

func (s *MFAService) ensureBackupCodesMethod(ctx context.Context, userID string, batch domain.BackupCodeBatch, now time.Time) (*domain.MFAMethod, error) {
	meta := &domain.BackupCodesMetadata{BatchID: batch.ID, GeneratedAt: now}

	methods, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list methods: %w", err)
	}
	for i := range methods {
		if methods[i].Type == domain.MFAMethodBackupCodes {
			methods[i].Metadata.BackupCodes = meta
			methods[i].IsVerified = true
			if err := s.methods.Update(ctx, methods[i]); err != nil {
				return nil, fmt.Errorf("update backup codes method: %w", err)
			}
			return &methods[i], nil
		}
	}

	method := domain.MFAMethod{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       domain.MFAMethodBackupCodes,
		Name:       "Backup codes",
		IsEnabled:  true,
		IsVerified: true,
		CreatedAt:  now,
		Metadata:   domain.MFAMethodMetadata{BackupCodes: meta},
	}
	if err := s.methods.Create(ctx, method); err != nil {
		return nil, fmt.Errorf("store backup codes method: %w", err)
	}
	return &method, nil
}

func (s *MFAService) publishMethodChanged(ctx context.Context, method domain.MFAMethod, change string) {
	if s.events == nil {
		return
	}
	event := domain.MFAMethodChangedEvent{
		EventID:    uuid.NewString(),
		UserID:     method.UserID,
		MethodID:   method.ID,
		MethodType: method.Type,
		Change:     change,
		At:         s.now().UTC(),
	}
	if err := s.events.PublishMFAMethodChanged(ctx, event); err != nil {
		s.logger.Warn("publish mfa method changed failed", zap.Error(err))
	}
}

func (s *MFAService) view(method domain.MFAMethod) MethodView {
	return MethodView{
		ID:                method.ID,
		Type:              method.Type,
		Name:              method.Name,
		IsEnabled:         method.IsEnabled,
		IsPrimary:         method.IsPrimary,
		IsVerified:        method.IsVerified,
		CreatedAt:         method.CreatedAt,
		LastUsedAt:        method.LastUsedAt,
		MaskedDestination: maskDestination(method),
	}
}

func maskDestination(method domain.MFAMethod) string {
	switch method.Type {
	case domain.MFAMethodSMS:
		return logger.MaskPhone(method.Destination())
	case domain.MFAMethodEmail:
		return logger.MaskEmail(method.Destination())
	}
	return ""
}
