package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/infra/config"
	"github.com/smplatform/mu-auth/internal/infra/telemetry"
	"github.com/smplatform/mu-auth/internal/transport/http/handlers"
	"github.com/smplatform/mu-auth/internal/transport/http/middleware"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Login        *usecase.LoginService
	Tokens       *usecase.TokenService
	MagicLinks   *usecase.MagicLinkService
	MFA          *usecase.MFAService
	Passwordless *usecase.PasswordlessService
	OAuth        *usecase.OAuthLinkService
	Sync         *usecase.SyncService
	Authz        *usecase.AuthorizationService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Metrics     *middleware.HTTPMetrics
	Telemetry   *telemetry.Provider
	Tracing     gin.HandlerFunc
	Services    ServiceSet
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if deps.Tracing != nil {
		r.Use(deps.Tracing)
	}
	if len(deps.Config.App.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(deps.Config.App.AllowedOrigins))
	}
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Handler())
	}

	authMiddleware := middleware.RequireAuth(deps.Services.Tokens)

	healthOptions := make([]handlers.HealthOption, 0, 2)
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}
	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		authGroup := api.Group("/auth")
		authHandler := handlers.NewAuthHandler(deps.Services.Login, deps.Services.Tokens, deps.Telemetry)
		authHandler.RegisterRoutes(authGroup, ipRateLimit(deps, "auth_login_ip", deps.Config.RateLimit.LoginMaxAttempts)...)

		magicGroup := api.Group("/auth/magic-link")
		magicHandler := handlers.NewMagicLinkHandler(deps.Services.MagicLinks, deps.Telemetry)
		magicHandler.RegisterRoutes(magicGroup, ipRateLimit(deps, "magic_link_ip", deps.Config.RateLimit.MagicLinkMaxAttempts)...)

		magicAdminGroup := api.Group("/auth/magic-link/admin")
		magicAdminGroup.Use(authMiddleware, middleware.RequireRole("admin"))
		magicHandler.RegisterAdminRoutes(magicAdminGroup)

		passwordlessGroup := api.Group("/auth/passwordless")
		passwordlessHandler := handlers.NewPasswordlessHandler(deps.Services.Passwordless)
		passwordlessHandler.RegisterRoutes(passwordlessGroup, ipRateLimit(deps, "passwordless_ip", deps.Config.RateLimit.MagicLinkMaxAttempts)...)

		mfaHandler := handlers.NewMFAHandler(deps.Services.MFA, deps.Telemetry)

		// Challenge verification is open: the challenge ID is the bearer.
		// Explicit initiation (resend, step-up) requires an authenticated
		// caller.
		initiateChain := append([]gin.HandlerFunc{authMiddleware}, ipRateLimit(deps, "mfa_challenge_ip", deps.Config.RateLimit.MFAMaxAttempts)...)
		mfaChallengeGroup := api.Group("/mfa")
		mfaHandler.RegisterChallengeRoutes(mfaChallengeGroup, initiateChain...)

		mfaGroup := api.Group("/mfa/manage")
		mfaGroup.Use(authMiddleware)
		mfaHandler.RegisterRoutes(mfaGroup)

		oauthHandler := handlers.NewOAuthHandler(deps.Services.OAuth)

		oauthGroup := api.Group("/oauth")
		oauthHandler.RegisterRoutes(oauthGroup)

		linkedGroup := api.Group("/linked-accounts")
		linkedGroup.Use(authMiddleware)
		oauthHandler.RegisterLinkRoutes(linkedGroup)

		adminHandler := handlers.NewAdminHandler(deps.Services.Sync, deps.Services.Authz, deps.Telemetry)

		adminGroup := api.Group("/admin")
		adminGroup.Use(authMiddleware, middleware.RequireRole("admin"))
		adminHandler.RegisterRoutes(adminGroup)

		authzGroup := api.Group("/authz")
		authzGroup.Use(authMiddleware)
		adminHandler.RegisterAuthzRoutes(authzGroup)
	}

	return r
}

// ipRateLimit builds the per-IP sliding-window middleware chain for one
// named rule, or nothing when the limit is disabled.
func ipRateLimit(deps Dependencies, name string, limit int) []gin.HandlerFunc {
	if deps.RateLimiter == nil || deps.Config == nil || limit <= 0 {
		return nil
	}

	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}

	rule := middleware.RateLimitRule{
		Name:       name,
		Limit:      limit,
		Window:     window,
		Identifier: middleware.ClientIPIdentifier(),
	}

	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule)}
}
