package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smplatform/mu-auth/internal/infra/config"
)

// Provider holds the domain-level collectors the services increment.
// HTTP request instrumentation lives in the transport middleware; these
// track authentication outcomes regardless of transport.
type Provider struct {
	logins      *prometheus.CounterVec
	challenges  *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	syncRuns    prometheus.Counter
}

// Attach registers the authentication collectors and returns a provider
// handle.
func Attach(_ context.Context, cfg *config.AppConfig) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	logins := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mu_auth",
		Name:      "logins_total",
		Help:      "Total login attempts partitioned by method and outcome.",
	}, []string{"method", "outcome"})

	challenges := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mu_auth",
		Name:      "mfa_challenges_total",
		Help:      "Total MFA challenge verifications partitioned by outcome.",
	}, []string{"outcome"})

	redemptions := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mu_auth",
		Name:      "magic_link_redemptions_total",
		Help:      "Total magic link redemptions partitioned by outcome.",
	}, []string{"outcome"})

	syncRuns := promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mu_auth",
		Name:      "user_sync_runs_total",
		Help:      "Total user mirror sync runs.",
	})

	return &Provider{
		logins:      logins,
		challenges:  challenges,
		redemptions: redemptions,
		syncRuns:    syncRuns,
	}, nil
}

// CountLogin records one login attempt.
func (p *Provider) CountLogin(method, outcome string) {
	if p == nil {
		return
	}
	p.logins.WithLabelValues(method, outcome).Inc()
}

// CountChallenge records one MFA challenge verification.
func (p *Provider) CountChallenge(outcome string) {
	if p == nil {
		return
	}
	p.challenges.WithLabelValues(outcome).Inc()
}

// CountRedemption records one magic link redemption.
func (p *Provider) CountRedemption(outcome string) {
	if p == nil {
		return
	}
	p.redemptions.WithLabelValues(outcome).Inc()
}

// CountSyncRun records one mirror sync run.
func (p *Provider) CountSyncRun() {
	if p == nil {
		return
	}
	p.syncRuns.Inc()
}
