package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/security"
)

const policyCachePrefix = "policy:"

// AuthorizationService evaluates access decisions against OPA with a short
// bounded result cache. Every evaluation is appended to the audit log.
type AuthorizationService struct {
	engine   port.PolicyEngine
	cache    port.Cache
	cacheTTL time.Duration
	audit    port.AuditLogRepository
	logger   *zap.Logger
	now      func() time.Time
}

// NewAuthorizationService constructs the authorization service.
func NewAuthorizationService(engine port.PolicyEngine, cache port.Cache, cacheTTL time.Duration, audit port.AuditLogRepository, log *zap.Logger) *AuthorizationService {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthorizationService{
		engine:   engine,
		cache:    cache,
		cacheTTL: cacheTTL,
		audit:    audit,
		logger:   log,
		now:      time.Now,
	}
}

// WithClock overrides the service clock, used in tests.
func (s *AuthorizationService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// EvaluateInput identifies the actor and the guarded operation.
type EvaluateInput struct {
	UserID   string
	Roles    []string
	Resource string
	Action   string
	Context  map[string]any
}

// Evaluate consults the policy engine, serving repeat questions from the
// cache. The decision, cached or not, lands in the audit log.
func (s *AuthorizationService) Evaluate(ctx context.Context, input EvaluateInput) (*domain.PolicyDecision, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	key := s.cacheKey(input)
	if decision, ok := s.cachedDecision(ctx, key); ok {
		s.appendAudit(ctx, input, decision, true)
		return decision, nil
	}

	decision, err := s.engine.Evaluate(ctx, port.PolicyInput{
		UserID:   input.UserID,
		Roles:    input.Roles,
		Resource: input.Resource,
		Action:   input.Action,
		Context:  input.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}

	s.cacheDecision(ctx, key, decision)
	s.appendAudit(ctx, input, decision, false)
	return decision, nil
}

// InvalidateUser drops cached decisions for the user, used after role
// changes.
func (s *AuthorizationService) InvalidateUser(ctx context.Context, userID string) {
	if s.cache == nil || userID == "" {
		return
	}
	s.cache.DeletePrefix(ctx, policyCachePrefix+userID+":")
}

func (s *AuthorizationService) cacheKey(input EvaluateInput) string {
	roles := append([]string(nil), input.Roles...)
	sort.Strings(roles)

	payload, _ := json.Marshal(map[string]any{
		"roles":    roles,
		"resource": input.Resource,
		"action":   input.Action,
		"context":  input.Context,
	})
	return policyCachePrefix + input.UserID + ":" + security.HashToken(string(payload))
}

func (s *AuthorizationService) cachedDecision(ctx context.Context, key string) (*domain.PolicyDecision, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var decision domain.PolicyDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil, false
	}
	return &decision, true
}

func (s *AuthorizationService) cacheDecision(ctx context.Context, key string, decision *domain.PolicyDecision) {
	if s.cache == nil {
		return
	}
	encoded, err := json.Marshal(decision)
	if err != nil {
		return
	}
	s.cache.Set(ctx, key, string(encoded), s.cacheTTL)
}

func (s *AuthorizationService) appendAudit(ctx context.Context, input EvaluateInput, decision *domain.PolicyDecision, cached bool) {
	if s.audit == nil {
		return
	}

	outcome := "deny"
	if decision.Allow {
		outcome = "allow"
	}

	entry := domain.AuditEntry{
		ID:       uuid.NewString(),
		Actor:    input.UserID,
		Action:   input.Action,
		Resource: input.Resource,
		Outcome:  outcome,
		Reason:   decision.Reason,
		Metadata: map[string]any{
			"cached": cached,
			"roles":  input.Roles,
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Warn("append audit entry failed", zap.Error(err))
	}
}
