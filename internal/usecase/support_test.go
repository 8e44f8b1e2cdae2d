package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
	"github.com/smplatform/mu-auth/internal/repository"
)

type fakeIdentityProvider struct {
	users        map[string]domain.User
	passwords    map[string]string
	claims       map[string]*domain.TokenClaims
	pair         domain.TokenPair
	introspects  int
	refreshErr   error
	listUsers    []domain.User
	listFailures int
	created      []port.NewUserInput
	logoutTokens []string
	impersonated []string
}

func newFakeIdentityProvider(users ...domain.User) *fakeIdentityProvider {
	idp := &fakeIdentityProvider{
		users:     make(map[string]domain.User),
		passwords: make(map[string]string),
		claims:    make(map[string]*domain.TokenClaims),
		pair: domain.TokenPair{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			TokenType:    "Bearer",
			ExpiresIn:    300,
		},
	}
	for _, u := range users {
		idp.users[u.ID] = u
	}
	return idp
}

func (f *fakeIdentityProvider) Login(_ context.Context, username, password string) (*domain.TokenPair, error) {
	stored, ok := f.passwords[username]
	if !ok || stored != password {
		return nil, keycloak.ErrInvalidCredentials
	}
	pair := f.pair
	return &pair, nil
}

func (f *fakeIdentityProvider) RefreshToken(_ context.Context, _ string) (*domain.TokenPair, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	pair := f.pair
	return &pair, nil
}

func (f *fakeIdentityProvider) Introspect(_ context.Context, token string) (*domain.TokenClaims, error) {
	f.introspects++
	claims, ok := f.claims[token]
	if !ok {
		return &domain.TokenClaims{Active: false}, nil
	}
	copied := *claims
	return &copied, nil
}

func (f *fakeIdentityProvider) Logout(_ context.Context, refreshToken string) error {
	f.logoutTokens = append(f.logoutTokens, refreshToken)
	return nil
}

func (f *fakeIdentityProvider) GetUser(_ context.Context, id string) (*domain.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, keycloak.ErrNotFound
	}
	copied := user
	return &copied, nil
}

func (f *fakeIdentityProvider) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			copied := user
			return &copied, nil
		}
	}
	return nil, keycloak.ErrNotFound
}

func (f *fakeIdentityProvider) CreateUser(_ context.Context, input port.NewUserInput) (string, error) {
	f.created = append(f.created, input)
	id := fmt.Sprintf("created-%d", len(f.created))
	f.users[id] = domain.User{
		ID:       id,
		Username: input.Username,
		Email:    input.Email,
		Enabled:  input.Enabled,
	}
	return id, nil
}

func (f *fakeIdentityProvider) AssignRoles(context.Context, string, []string) error { return nil }

func (f *fakeIdentityProvider) ResetPassword(context.Context, string) error { return nil }

func (f *fakeIdentityProvider) ChangePassword(context.Context, string, string, string) error {
	return nil
}

func (f *fakeIdentityProvider) ListUsers(_ context.Context, offset, limit int) ([]domain.User, error) {
	if f.listFailures > 0 {
		f.listFailures--
		return nil, keycloak.ErrUnavailable
	}
	if offset >= len(f.listUsers) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.listUsers) {
		end = len(f.listUsers)
	}
	return append([]domain.User(nil), f.listUsers[offset:end]...), nil
}

func (f *fakeIdentityProvider) ImpersonateTokens(_ context.Context, userID string) (*domain.TokenPair, error) {
	f.impersonated = append(f.impersonated, userID)
	pair := f.pair
	return &pair, nil
}

type fakeMethodStore struct {
	methods map[string]domain.MFAMethod
}

func newFakeMethodStore() *fakeMethodStore {
	return &fakeMethodStore{methods: make(map[string]domain.MFAMethod)}
}

func (f *fakeMethodStore) Create(_ context.Context, method domain.MFAMethod) error {
	if _, ok := f.methods[method.ID]; ok {
		return repository.ErrConflict
	}
	f.methods[method.ID] = method
	return nil
}

func (f *fakeMethodStore) GetByID(_ context.Context, id string) (*domain.MFAMethod, error) {
	method, ok := f.methods[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := method
	return &copied, nil
}

func (f *fakeMethodStore) ListByUser(_ context.Context, userID string) ([]domain.MFAMethod, error) {
	result := make([]domain.MFAMethod, 0)
	for _, method := range f.methods {
		if method.UserID == userID {
			result = append(result, method)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (f *fakeMethodStore) Update(_ context.Context, method domain.MFAMethod) error {
	if _, ok := f.methods[method.ID]; !ok {
		return repository.ErrNotFound
	}
	f.methods[method.ID] = method
	return nil
}

func (f *fakeMethodStore) Delete(_ context.Context, id string) error {
	if _, ok := f.methods[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.methods, id)
	return nil
}

type fakeChallengeStore struct {
	challenges map[string]*domain.MFAChallenge
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{challenges: make(map[string]*domain.MFAChallenge)}
}

func (f *fakeChallengeStore) Create(_ context.Context, challenge domain.MFAChallenge, _ time.Duration) error {
	copied := challenge
	f.challenges[challenge.ID] = &copied
	return nil
}

func (f *fakeChallengeStore) GetByID(_ context.Context, id string) (*domain.MFAChallenge, error) {
	challenge, ok := f.challenges[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *challenge
	return &copied, nil
}

func (f *fakeChallengeStore) ConsumeAttempt(_ context.Context, id string, codeHash string, at time.Time) (port.AttemptOutcome, int, error) {
	challenge, ok := f.challenges[id]
	if !ok {
		return port.AttemptRejected, 0, repository.ErrNotFound
	}
	if challenge.Status != domain.ChallengeStatusPending || challenge.IsExpired(at) {
		return port.AttemptRejected, challenge.AttemptsRemaining, nil
	}
	if challenge.CodeHash == codeHash {
		challenge.Status = domain.ChallengeStatusVerified
		return port.AttemptMatched, challenge.AttemptsRemaining, nil
	}
	challenge.AttemptsRemaining--
	if challenge.AttemptsRemaining <= 0 {
		challenge.Status = domain.ChallengeStatusRateLimited
		return port.AttemptExhausted, 0, nil
	}
	return port.AttemptMismatch, challenge.AttemptsRemaining, nil
}

func (f *fakeChallengeStore) MarkExpired(_ context.Context, id string) error {
	challenge, ok := f.challenges[id]
	if !ok {
		return repository.ErrNotFound
	}
	if challenge.Status == domain.ChallengeStatusPending {
		challenge.Status = domain.ChallengeStatusExpired
	}
	return nil
}

type fakeBackupCodeStore struct {
	batches map[string]*domain.BackupCodeBatch
}

func newFakeBackupCodeStore() *fakeBackupCodeStore {
	return &fakeBackupCodeStore{batches: make(map[string]*domain.BackupCodeBatch)}
}

func (f *fakeBackupCodeStore) Replace(_ context.Context, batch domain.BackupCodeBatch) error {
	copied := batch
	f.batches[batch.UserID] = &copied
	return nil
}

func (f *fakeBackupCodeStore) Get(_ context.Context, userID string) (*domain.BackupCodeBatch, error) {
	batch, ok := f.batches[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *batch
	copied.CodeHashes = append([]string(nil), batch.CodeHashes...)
	copied.UsedHashes = append([]string(nil), batch.UsedHashes...)
	return &copied, nil
}

func (f *fakeBackupCodeStore) Consume(_ context.Context, userID, codeHash string) (bool, int, error) {
	batch, ok := f.batches[userID]
	if !ok {
		return false, 0, repository.ErrNotFound
	}
	for _, used := range batch.UsedHashes {
		if used == codeHash {
			return false, batch.Remaining(), nil
		}
	}
	for _, hash := range batch.CodeHashes {
		if hash == codeHash {
			batch.UsedHashes = append(batch.UsedHashes, codeHash)
			return true, batch.Remaining(), nil
		}
	}
	return false, batch.Remaining(), nil
}

func (f *fakeBackupCodeStore) Delete(_ context.Context, userID string) error {
	if _, ok := f.batches[userID]; !ok {
		return repository.ErrNotFound
	}
	delete(f.batches, userID)
	return nil
}

type fakeDeviceStore struct {
	devices map[string]*domain.TrustedDevice
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[string]*domain.TrustedDevice)}
}

func (f *fakeDeviceStore) Save(_ context.Context, device domain.TrustedDevice) error {
	copied := device
	f.devices[device.ID] = &copied
	return nil
}

func (f *fakeDeviceStore) GetByFingerprint(_ context.Context, userID, fingerprintHash string) (*domain.TrustedDevice, error) {
	for _, device := range f.devices {
		if device.UserID == userID && device.FingerprintHash == fingerprintHash {
			copied := *device
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeviceStore) ListByUser(_ context.Context, userID string) ([]domain.TrustedDevice, error) {
	result := make([]domain.TrustedDevice, 0)
	for _, device := range f.devices {
		if device.UserID == userID {
			result = append(result, *device)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (f *fakeDeviceStore) Revoke(_ context.Context, userID, deviceID string) error {
	device, ok := f.devices[deviceID]
	if !ok || device.UserID != userID {
		return repository.ErrNotFound
	}
	device.IsActive = false
	return nil
}

type fakeDispatcher struct {
	magicLinks []port.MagicLinkMessage
	codes      []port.MFACodeMessage
	welcomes   []string
	sendErr    error
}

func (f *fakeDispatcher) SendMagicLink(_ context.Context, msg port.MagicLinkMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.magicLinks = append(f.magicLinks, msg)
	return nil
}

func (f *fakeDispatcher) SendMFACode(_ context.Context, msg port.MFACodeMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.codes = append(f.codes, msg)
	return nil
}

func (f *fakeDispatcher) SendWelcome(_ context.Context, email, _ string) error {
	f.welcomes = append(f.welcomes, email)
	return nil
}

func (f *fakeDispatcher) lastCode() string {
	if len(f.codes) == 0 {
		return ""
	}
	return f.codes[len(f.codes)-1].Code
}

type fakeEventRecorder struct {
	succeeded     []domain.LoginSucceededEvent
	failed        []domain.LoginFailedEvent
	methodChanges []domain.MFAMethodChangedEvent
	linksIssued   []domain.MagicLinkIssuedEvent
	linked        []domain.AccountLinkedEvent
}

func (f *fakeEventRecorder) PublishLoginSucceeded(_ context.Context, event domain.LoginSucceededEvent) error {
	f.succeeded = append(f.succeeded, event)
	return nil
}

func (f *fakeEventRecorder) PublishLoginFailed(_ context.Context, event domain.LoginFailedEvent) error {
	f.failed = append(f.failed, event)
	return nil
}

func (f *fakeEventRecorder) PublishMFAMethodChanged(_ context.Context, event domain.MFAMethodChangedEvent) error {
	f.methodChanges = append(f.methodChanges, event)
	return nil
}

func (f *fakeEventRecorder) PublishMagicLinkIssued(_ context.Context, event domain.MagicLinkIssuedEvent) error {
	f.linksIssued = append(f.linksIssued, event)
	return nil
}

func (f *fakeEventRecorder) PublishAccountLinked(_ context.Context, event domain.AccountLinkedEvent) error {
	f.linked = append(f.linked, event)
	return nil
}

type fakeMagicLinkStore struct {
	links map[string]*domain.MagicLink
	daily map[string]int
}

func newFakeMagicLinkStore() *fakeMagicLinkStore {
	return &fakeMagicLinkStore{
		links: make(map[string]*domain.MagicLink),
		daily: make(map[string]int),
	}
}

func (f *fakeMagicLinkStore) Create(_ context.Context, link domain.MagicLink, _ time.Duration) error {
	copied := link
	f.links[link.TokenHash] = &copied
	return nil
}

func (f *fakeMagicLinkStore) GetByTokenHash(_ context.Context, tokenHash string) (*domain.MagicLink, error) {
	link, ok := f.links[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *link
	return &copied, nil
}

func (f *fakeMagicLinkStore) GetByID(_ context.Context, id string) (*domain.MagicLink, error) {
	for _, link := range f.links {
		if link.ID == id {
			copied := *link
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeMagicLinkStore) Redeem(_ context.Context, tokenHash string, at time.Time) (port.RedeemOutcome, *domain.MagicLink, error) {
	link, ok := f.links[tokenHash]
	if !ok {
		return port.RedeemNotFound, nil, nil
	}
	switch link.Status {
	case domain.MagicLinkStatusUsed:
		return port.RedeemAlreadyUsed, nil, nil
	case domain.MagicLinkStatusRevoked:
		return port.RedeemRevoked, nil, nil
	case domain.MagicLinkStatusExpired:
		return port.RedeemExpired, nil, nil
	}
	if link.IsExpired(at) {
		link.Status = domain.MagicLinkStatusExpired
		return port.RedeemExpired, nil, nil
	}
	link.Status = domain.MagicLinkStatusUsed
	used := at
	link.UsedAt = &used
	copied := *link
	return port.RedeemOK, &copied, nil
}

func (f *fakeMagicLinkStore) Revoke(_ context.Context, id string, at time.Time) error {
	for _, link := range f.links {
		if link.ID == id {
			if link.Status == domain.MagicLinkStatusPending {
				link.Status = domain.MagicLinkStatusRevoked
				used := at
				link.UsedAt = &used
			}
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeMagicLinkStore) ListByEmail(_ context.Context, email string) ([]domain.MagicLink, error) {
	result := make([]domain.MagicLink, 0)
	for _, link := range f.links {
		if link.Email == email {
			result = append(result, *link)
		}
	}
	return result, nil
}

func (f *fakeMagicLinkStore) ExpirePending(_ context.Context, before time.Time) (int, error) {
	count := 0
	for _, link := range f.links {
		if link.Status == domain.MagicLinkStatusPending && link.IsExpired(before) {
			link.Status = domain.MagicLinkStatusExpired
			count++
		}
	}
	return count, nil
}

func (f *fakeMagicLinkStore) IncrementDailyUse(_ context.Context, email string, _ time.Time) (int, error) {
	f.daily[email]++
	return f.daily[email], nil
}

type memoryRateLimitStore struct {
	attempts map[string][]time.Time
}

func newMemoryRateLimitStore() *memoryRateLimitStore {
	return &memoryRateLimitStore{attempts: make(map[string][]time.Time)}
}

func (m *memoryRateLimitStore) TrimWindow(_ context.Context, identifier string, window time.Duration, reference time.Time) error {
	cutoff := reference.Add(-window)
	kept := m.attempts[identifier][:0]
	for _, at := range m.attempts[identifier] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.attempts[identifier] = kept
	return nil
}

func (m *memoryRateLimitStore) CountAttempts(_ context.Context, identifier string, window time.Duration, reference time.Time) (int, error) {
	cutoff := reference.Add(-window)
	count := 0
	for _, at := range m.attempts[identifier] {
		if at.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *memoryRateLimitStore) RecordAttempt(_ context.Context, identifier string, at time.Time) error {
	m.attempts[identifier] = append(m.attempts[identifier], at)
	return nil
}

func (m *memoryRateLimitStore) OldestAttempt(_ context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error) {
	cutoff := reference.Add(-window)
	var oldest time.Time
	found := false
	for _, at := range m.attempts[identifier] {
		if !at.After(cutoff) {
			continue
		}
		if !found || at.Before(oldest) {
			oldest = at
			found = true
		}
	}
	return oldest, found, nil
}

type cacheEntry struct {
	value   string
	expires time.Time
}

type fakeCache struct {
	entries map[string]cacheEntry
	clock   func() time.Time
}

func newFakeCache(clock func() time.Time) *fakeCache {
	if clock == nil {
		clock = time.Now
	}
	return &fakeCache{entries: make(map[string]cacheEntry), clock: clock}
}

func (f *fakeCache) Get(_ context.Context, key string) (string, bool) {
	entry, ok := f.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expires.After(f.clock()) {
		delete(f.entries, key)
		return "", false
	}
	return entry.value, true
}

func (f *fakeCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	f.entries[key] = cacheEntry{value: value, expires: f.clock().Add(ttl)}
}

func (f *fakeCache) Delete(_ context.Context, key string) {
	delete(f.entries, key)
}

func (f *fakeCache) DeletePrefix(_ context.Context, prefix string) {
	for key := range f.entries {
		if strings.HasPrefix(key, prefix) {
			delete(f.entries, key)
		}
	}
}

type fakePolicyEngine struct {
	decision  domain.PolicyDecision
	err       error
	calls     int
	lastInput port.PolicyInput
}

func (f *fakePolicyEngine) Evaluate(_ context.Context, input port.PolicyInput) (*domain.PolicyDecision, error) {
	f.calls++
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	decision := f.decision
	return &decision, nil
}

type fakeUserMirror struct {
	upserts  map[string]domain.User
	failIDs  map[string]error
	deleted  []string
	upserted int
}

func newFakeUserMirror() *fakeUserMirror {
	return &fakeUserMirror{
		upserts: make(map[string]domain.User),
		failIDs: make(map[string]error),
	}
}

func (f *fakeUserMirror) Upsert(_ context.Context, user domain.User) error {
	if err, ok := f.failIDs[user.ID]; ok {
		return err
	}
	f.upserts[user.ID] = user
	f.upserted++
	return nil
}

func (f *fakeUserMirror) GetByID(_ context.Context, id string) (*domain.User, error) {
	user, ok := f.upserts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := user
	return &copied, nil
}

func (f *fakeUserMirror) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, user := range f.upserts {
		if user.Email == email {
			copied := user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserMirror) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.upserts, id)
	return nil
}

type fakeAuditLog struct {
	entries []domain.AuditEntry
}

func (f *fakeAuditLog) Append(_ context.Context, entry domain.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditLog) ListByActor(_ context.Context, actor string, limit int) ([]domain.AuditEntry, error) {
	result := make([]domain.AuditEntry, 0)
	for _, entry := range f.entries {
		if entry.Actor == actor {
			result = append(result, entry)
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
