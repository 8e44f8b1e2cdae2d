package domain

import "time"

// User mirrors the Keycloak representation of an account. Keycloak remains
// the source of truth; the Postgres mirror exists for joins and reporting.
type User struct {
	ID            string
	Username      string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	Phone         string
	Enabled       bool
	Roles         []string
	MFAEnforced   bool
	CreatedAt     time.Time
	LastSyncAt    *time.Time
}

// TokenPair carries the tokens issued by the identity provider.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int
}

// TokenClaims is the subset of introspected claims the gateway acts on.
type TokenClaims struct {
	Subject   string
	Username  string
	Email     string
	Roles     []string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Active    bool
}

// PolicyDecision is the outcome of a policy engine evaluation.
type PolicyDecision struct {
	Allow  bool
	Reason string
}
