package keycloak

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiredLocally reports whether the raw token is a JWT whose exp claim has
// already passed, along with the claimed expiry. The signature is not
// checked: a positive answer only saves the introspection round trip, and
// anything unparseable falls through to Keycloak.
func expiredLocally(raw string, now time.Time) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, !exp.After(now)
}
