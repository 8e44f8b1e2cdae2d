package port

import (
	"context"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

// PolicyInput carries the attributes submitted for a policy evaluation.
type PolicyInput struct {
	UserID   string
	Roles    []string
	Resource string
	Action   string
	Context  map[string]any
}

// PolicyEngine abstracts the OPA instance consulted for authorization
// decisions.
type PolicyEngine interface {
	Evaluate(ctx context.Context, input PolicyInput) (*domain.PolicyDecision, error)
}
