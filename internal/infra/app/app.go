package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/cache"
	"github.com/smplatform/mu-auth/internal/infra/config"
	"github.com/smplatform/mu-auth/internal/infra/database"
	kafkainfra "github.com/smplatform/mu-auth/internal/infra/kafka"
	"github.com/smplatform/mu-auth/internal/infra/keycloak"
	"github.com/smplatform/mu-auth/internal/infra/logger"
	"github.com/smplatform/mu-auth/internal/infra/mailer"
	"github.com/smplatform/mu-auth/internal/infra/oauthprovider"
	"github.com/smplatform/mu-auth/internal/infra/opa"
	redisinfra "github.com/smplatform/mu-auth/internal/infra/redis"
	"github.com/smplatform/mu-auth/internal/infra/telemetry"
	postgresrepo "github.com/smplatform/mu-auth/internal/repository/postgres"
	redisrepo "github.com/smplatform/mu-auth/internal/repository/redis"
	"github.com/smplatform/mu-auth/internal/transport/http/middleware"
	"github.com/smplatform/mu-auth/internal/transport/http/routes"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// Application owns the wired service graph and the HTTP server lifecycle.
type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	pool     *pgxpool.Pool
	redis    *redisinfra.Client
	producer *kafkainfra.Producer
	tracer   *telemetry.TracerProvider
}

// New assembles the full dependency graph from configuration. Infrastructure
// failures during wiring release whatever was already opened.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metricsProvider, err := telemetry.Attach(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var tracer *telemetry.TracerProvider
	if cfg.Telemetry.OTLPEndpoint != "" {
		tracer, err = telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	} else {
		log.Info("tracing not configured, spans are not exported")
	}
	shutdownTracer := func() {
		if tracer != nil {
			_ = tracer.Shutdown(context.Background())
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		shutdownTracer()
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		pool.Close()
		shutdownTracer()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	idp, err := keycloak.NewClient(ctx, cfg.Keycloak, log)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		shutdownTracer()
		return nil, fmt.Errorf("init keycloak client: %w", err)
	}

	policyEngine := opa.NewClient(cfg.OPA, log)

	var dispatcher port.Dispatcher
	if cfg.Mailer.APIBaseURL != "" {
		dispatcher = mailer.New(cfg.Mailer, log)
	} else {
		log.Info("mailer not configured, deliveries are dropped")
		dispatcher = mailer.Noop{}
	}

	var eventPublisher port.EventPublisher
	var producer *kafkainfra.Producer
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			producer = nil
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			eventPublisher = kafkainfra.NewEventPublisher(producer, cfg.App, log)
			log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	} else {
		log.Info("kafka not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	repos := postgresrepo.NewRepositories(pool)

	keyPrefix := cfg.Redis.KeyPrefix
	challenges := redisrepo.NewChallengeRepository(redisClient.Client(), keyPrefix)
	magicLinks := redisrepo.NewMagicLinkRepository(redisClient.Client(), keyPrefix)
	methods := redisrepo.NewMFAMethodRepository(redisClient.Client(), keyPrefix)
	backupCodes := redisrepo.NewBackupCodeRepository(redisClient.Client(), keyPrefix)
	devices := redisrepo.NewTrustedDeviceRepository(redisClient.Client(), keyPrefix)
	oauthStates := redisrepo.NewOAuthStateRepository(redisClient.Client(), keyPrefix)

	rateLimitWindow := cfg.RateLimit.WindowDuration
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), keyPrefix, rateLimitWindow*2)

	decisionCache := cache.New(cfg.Cache.MaxEntries)

	mfaService := usecase.NewMFAService(
		cfg.MFA,
		methods,
		challenges,
		backupCodes,
		devices,
		dispatcher,
		eventPublisher,
		usecase.NewRateLimiter(rateLimitStore, rateLimitWindow, cfg.RateLimit.MFAMaxAttempts),
		log,
	)

	magicLinkService := usecase.NewMagicLinkService(
		cfg.MagicLink,
		idp,
		magicLinks,
		dispatcher,
		eventPublisher,
		mfaService,
		usecase.NewRateLimiter(rateLimitStore, rateLimitWindow, cfg.RateLimit.MagicLinkMaxAttempts),
		log,
	)

	loginService := usecase.NewLoginService(
		idp,
		mfaService,
		magicLinkService,
		eventPublisher,
		usecase.NewRateLimiter(rateLimitStore, rateLimitWindow, cfg.RateLimit.LoginMaxAttempts),
		log,
	)

	passwordlessService := usecase.NewPasswordlessService(magicLinkService, mfaService, idp, log)

	oauthGateway := oauthprovider.NewGateway(cfg.OAuth, log)
	oauthService := usecase.NewOAuthLinkService(cfg.OAuth, oauthGateway, oauthStates, repos.LinkedAccounts, idp, eventPublisher, log)

	tokenService := usecase.NewTokenService(idp, decisionCache, cfg.Cache.TokenTTL, log)
	authzService := usecase.NewAuthorizationService(policyEngine, decisionCache, cfg.Cache.PolicyTTL, repos.AuditLog, log)
	syncService := usecase.NewSyncService(idp, repos.Users, repos.AuditLog, log)

	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		shutdownTracer()
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	var tracingMiddleware gin.HandlerFunc
	if tracer != nil {
		tracingMiddleware = middleware.Tracing(cfg.Telemetry.ServiceName, tracer.TracerProvider())
	}

	engine := routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: middleware.NewRateLimiter(rateLimitStore, log),
		Metrics:     httpMetrics,
		Telemetry:   metricsProvider,
		Tracing:     tracingMiddleware,
		Database:    pool,
		Cache:       redisClient,
		Services: routes.ServiceSet{
			Login:        loginService,
			Tokens:       tokenService,
			MagicLinks:   magicLinkService,
			MFA:          mfaService,
			Passwordless: passwordlessService,
			OAuth:        oauthService,
			Sync:         syncService,
			Authz:        authzService,
		},
	})

	return &Application{
		cfg:      cfg,
		engine:   engine,
		logger:   log,
		pool:     pool,
		redis:    redisClient,
		producer: producer,
		tracer:   tracer,
	}, nil
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer func() {
		if a.pool != nil {
			a.pool.Close()
		}
	}()
	defer func() {
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()
	defer func() {
		if a.producer != nil {
			_ = a.producer.Close()
		}
	}()
	defer func() {
		if a.tracer != nil {
			_ = a.tracer.Shutdown(context.Background())
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting auth gateway",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}
