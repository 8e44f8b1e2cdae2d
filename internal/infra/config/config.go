package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Keycloak  KeycloakSettings  `mapstructure:"keycloak"`
	OPA       OPASettings       `mapstructure:"opa"`
	Mailer    MailerSettings    `mapstructure:"mailer"`
	MFA       MFASettings       `mapstructure:"mfa"`
	MagicLink MagicLinkSettings `mapstructure:"magic_link"`
	OAuth     OAuthSettings     `mapstructure:"oauth"`
	Cache     CacheSettings     `mapstructure:"cache"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name           string   `mapstructure:"name"`
	Env            string   `mapstructure:"env"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and key prefixes.
type RedisSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// KafkaSettings configures the Kafka producer used for the audit/event stream.
type KafkaSettings struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// KeycloakSettings configures the upstream identity provider.
type KeycloakSettings struct {
	BaseURL           string        `mapstructure:"base_url"`
	Realm             string        `mapstructure:"realm"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	AdminClientID     string        `mapstructure:"admin_client_id"`
	AdminClientSecret string        `mapstructure:"admin_client_secret"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// IssuerURL returns the realm issuer used for OIDC discovery.
func (k KeycloakSettings) IssuerURL() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimRight(k.BaseURL, "/"), k.Realm)
}

// OPASettings configures the policy engine endpoint.
type OPASettings struct {
	BaseURL        string        `mapstructure:"base_url"`
	PolicyPath     string        `mapstructure:"policy_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MailerSettings configures the outbound email/SMS dispatcher.
type MailerSettings struct {
	Provider       string        `mapstructure:"provider"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	FromEmail      string        `mapstructure:"from_email"`
	FromName       string        `mapstructure:"from_name"`
	LinkBaseURL    string        `mapstructure:"link_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MFASettings configures challenge generation and device trust.
type MFASettings struct {
	CodeLength     int           `mapstructure:"code_length"`
	CodeExpiry     time.Duration `mapstructure:"code_expiry"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	TOTPIssuer     string        `mapstructure:"totp_issuer"`
	TOTPSkew       uint          `mapstructure:"totp_skew"`
	BackupCodes    int           `mapstructure:"backup_codes"`
	BackupCodeLen  int           `mapstructure:"backup_code_len"`
	DeviceTrustTTL time.Duration `mapstructure:"device_trust_ttl"`
}

// MagicLinkSettings configures magic-link generation and redemption.
type MagicLinkSettings struct {
	TokenBytes          int           `mapstructure:"token_bytes"`
	Expiry              time.Duration `mapstructure:"expiry"`
	MaxUsesPerDay       int           `mapstructure:"max_uses_per_day"`
	RequireExistingUser bool          `mapstructure:"require_existing_user"`
	AutoCreateUser      bool          `mapstructure:"auto_create_user"`
	Retention           time.Duration `mapstructure:"retention"`
}

// OAuthProviderSettings configures one upstream OAuth2 provider.
type OAuthProviderSettings struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	Scopes       []string `mapstructure:"scopes"`
}

// OAuthSettings configures account linking.
type OAuthSettings struct {
	StateTTL time.Duration         `mapstructure:"state_ttl"`
	Google   OAuthProviderSettings `mapstructure:"google"`
	GitHub   OAuthProviderSettings `mapstructure:"github"`
}

// CacheSettings bounds the in-process token/policy caches.
type CacheSettings struct {
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	PolicyTTL  time.Duration `mapstructure:"policy_ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// RateLimitSettings configures sliding-window limits per endpoint.
type RateLimitSettings struct {
	WindowDuration       time.Duration `mapstructure:"window_duration"`
	LoginMaxAttempts     int           `mapstructure:"login_max_attempts"`
	MagicLinkMaxAttempts int           `mapstructure:"magic_link_max_attempts"`
	MFAMaxAttempts       int           `mapstructure:"mfa_max_attempts"`
}

type TelemetrySettings struct {
	MetricsPort  int     `mapstructure:"metrics_port"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("MUAUTH")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.allowed_origins",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.key_prefix",
		"kafka.enabled",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"keycloak.base_url",
		"keycloak.realm",
		"keycloak.client_id",
		"keycloak.client_secret",
		"keycloak.admin_client_id",
		"keycloak.admin_client_secret",
		"keycloak.request_timeout",
		"opa.base_url",
		"opa.policy_path",
		"opa.request_timeout",
		"mailer.provider",
		"mailer.api_base_url",
		"mailer.api_key",
		"mailer.api_secret",
		"mailer.from_email",
		"mailer.from_name",
		"mailer.link_base_url",
		"mailer.request_timeout",
		"mfa.code_length",
		"mfa.code_expiry",
		"mfa.max_attempts",
		"mfa.totp_issuer",
		"mfa.totp_skew",
		"mfa.backup_codes",
		"mfa.backup_code_len",
		"mfa.device_trust_ttl",
		"magic_link.token_bytes",
		"magic_link.expiry",
		"magic_link.max_uses_per_day",
		"magic_link.require_existing_user",
		"magic_link.auto_create_user",
		"magic_link.retention",
		"oauth.state_ttl",
		"oauth.google.client_id",
		"oauth.google.client_secret",
		"oauth.google.redirect_uri",
		"oauth.github.client_id",
		"oauth.github.client_secret",
		"oauth.github.redirect_uri",
		"cache.token_ttl",
		"cache.policy_ttl",
		"cache.max_entries",
		"rate_limit.window_duration",
		"rate_limit.login_max_attempts",
		"rate_limit.magic_link_max_attempts",
		"rate_limit.mfa_max_attempts",
		"telemetry.metrics_port",
		"telemetry.service_name",
		"telemetry.otlp_endpoint",
		"telemetry.sampling_rate",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mu-auth")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 3001)
	v.SetDefault("app.allowed_origins", []string{})

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "mu_auth")
	v.SetDefault("postgres.password", "mu_auth_password")
	v.SetDefault("postgres.database", "mu_auth")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "mu:auth")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "mu-auth")
	v.SetDefault("kafka.async", true)

	v.SetDefault("keycloak.base_url", "http://localhost:8080")
	v.SetDefault("keycloak.realm", "mu-realm")
	v.SetDefault("keycloak.client_id", "mu-client")
	v.SetDefault("keycloak.request_timeout", "10s")

	v.SetDefault("opa.base_url", "http://localhost:8181")
	v.SetDefault("opa.policy_path", "/v1/data/authz/decision")
	v.SetDefault("opa.request_timeout", "5s")

	v.SetDefault("mailer.provider", "mailjet")
	v.SetDefault("mailer.api_base_url", "https://api.mailjet.com/v3.1")
	v.SetDefault("mailer.from_email", "no-reply@services.example.com")
	v.SetDefault("mailer.from_name", "mu-auth")
	v.SetDefault("mailer.link_base_url", "http://localhost:3000/auth/magic")
	v.SetDefault("mailer.request_timeout", "15s")

	v.SetDefault("mfa.code_length", 6)
	v.SetDefault("mfa.code_expiry", "5m")
	v.SetDefault("mfa.max_attempts", 3)
	v.SetDefault("mfa.totp_issuer", "mu-auth")
	v.SetDefault("mfa.totp_skew", 1)
	v.SetDefault("mfa.backup_codes", 10)
	v.SetDefault("mfa.backup_code_len", 8)
	v.SetDefault("mfa.device_trust_ttl", "720h")

	v.SetDefault("magic_link.token_bytes", 32)
	v.SetDefault("magic_link.expiry", "30m")
	v.SetDefault("magic_link.max_uses_per_day", 10)
	v.SetDefault("magic_link.require_existing_user", true)
	v.SetDefault("magic_link.auto_create_user", false)
	v.SetDefault("magic_link.retention", "168h")

	v.SetDefault("oauth.state_ttl", "10m")
	v.SetDefault("oauth.google.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("oauth.github.scopes", []string{"read:user", "user:email"})

	v.SetDefault("cache.token_ttl", "60s")
	v.SetDefault("cache.policy_ttl", "30s")
	v.SetDefault("cache.max_entries", 10000)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.login_max_attempts", 5)
	v.SetDefault("rate_limit.magic_link_max_attempts", 3)
	v.SetDefault("rate_limit.mfa_max_attempts", 10)

	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.service_name", "mu-auth")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sampling_rate", 0.1)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "MUAUTH_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
