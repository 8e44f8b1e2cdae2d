package keycloak

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	raw, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestExpiredLocally(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	exp, expired := expiredLocally(signedToken(t, now.Add(-time.Minute)), now)
	if !expired {
		t.Fatal("expected an elapsed exp to be detected")
	}
	if !exp.Equal(now.Add(-time.Minute)) {
		t.Fatalf("unexpected expiry %s", exp)
	}

	if _, expired := expiredLocally(signedToken(t, now.Add(time.Minute)), now); expired {
		t.Fatal("a live token must fall through to introspection")
	}
}

func TestExpiredLocallyOpaqueToken(t *testing.T) {
	// Opaque (non-JWT) tokens cannot be screened locally.
	if _, expired := expiredLocally("not-a-jwt", time.Now()); expired {
		t.Fatal("opaque tokens must not be treated as expired")
	}
}

func TestExpiredLocallyMissingExp(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	raw, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, expired := expiredLocally(raw, time.Now()); expired {
		t.Fatal("tokens without exp must fall through to introspection")
	}
}
