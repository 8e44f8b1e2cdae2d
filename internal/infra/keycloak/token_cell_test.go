package keycloak

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smplatform/mu-auth/internal/infra/config"
)

func newTokenEndpoint(t *testing.T, hits *atomic.Int64, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "admin-token",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func cellForServer(server *httptest.Server) *adminTokenCell {
	cfg := config.KeycloakSettings{
		BaseURL:       server.URL,
		Realm:         "test",
		AdminClientID: "admin-cli",
	}
	return newAdminTokenCell(cfg, server.Client())
}

func TestTokenCellCachesUntilValidUntil(t *testing.T) {
	var hits atomic.Int64
	server := newTokenEndpoint(t, &hits, 300)
	defer server.Close()

	cell := cellForServer(server)
	now := time.Now()
	cell.withClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		if _, err := cell.Token(); err != nil {
			t.Fatalf("token fetch failed: %v", err)
		}
	}

	if got := hits.Load(); got != 1 {
		t.Fatalf("expected a single token request, got %d", got)
	}

	// Past valid-until the cell must refresh.
	now = now.Add(300 * time.Second)
	if _, err := cell.Token(); err != nil {
		t.Fatalf("token refresh failed: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected refresh request, got %d total", got)
	}
}

func TestTokenCellSingleFlightUnderConcurrency(t *testing.T) {
	var hits atomic.Int64
	server := newTokenEndpoint(t, &hits, 300)
	defer server.Close()

	cell := cellForServer(server)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cell.Token(); err != nil {
				t.Errorf("token fetch failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one refresh across concurrent callers, got %d", got)
	}
}
