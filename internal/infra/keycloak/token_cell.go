package keycloak

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/smplatform/mu-auth/internal/infra/config"
)

// adminTokenCell is a lazily refreshed holder for the service-account token
// used against the admin REST API. It checks an explicit valid-until stamp
// and guards the refresh so concurrent callers trigger at most one request
// to the token endpoint.
type adminTokenCell struct {
	conf       *clientcredentials.Config
	httpClient *http.Client

	mu         sync.Mutex
	token      *oauth2.Token
	validUntil time.Time
	now        func() time.Time
}

// refreshSkew is subtracted from the token lifetime so a token nearing
// expiry is never handed to an in-flight admin call.
const refreshSkew = 30 * time.Second

func newAdminTokenCell(cfg config.KeycloakSettings, httpClient *http.Client) *adminTokenCell {
	clientID := cfg.AdminClientID
	clientSecret := cfg.AdminClientSecret
	if clientID == "" {
		clientID = cfg.ClientID
		clientSecret = cfg.ClientSecret
	}

	return &adminTokenCell{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     cfg.IssuerURL() + "/protocol/openid-connect/token",
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns the cached admin token, refreshing it under the lock when
// the valid-until stamp has passed. Implements oauth2.TokenSource.
func (c *adminTokenCell) Token() (*oauth2.Token, error) {
	return c.tokenContext(context.Background())
}

func (c *adminTokenCell) tokenContext(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.now().Before(c.validUntil) {
		return c.token, nil
	}

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	token, err := c.conf.Token(ctx)
	if err != nil {
		return nil, err
	}

	c.token = token
	c.validUntil = token.Expiry.Add(-refreshSkew)
	if !c.validUntil.After(c.now()) {
		// Tokens shorter than the skew are still cached for half a lifetime.
		c.validUntil = c.now().Add(token.Expiry.Sub(c.now()) / 2)
	}

	return token, nil
}

// withClock overrides the cell clock, used in tests.
func (c *adminTokenCell) withClock(clock func() time.Time) {
	if clock != nil {
		c.now = clock
	}
}
