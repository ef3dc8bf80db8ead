// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Profile       ProfileConfig       `yaml:"profile"`
	Ideation      IdeationConfig      `yaml:"ideation"`
	LinkedIn      LinkedInConfig      `yaml:"linkedin"`
	Publish       PublishConfig       `yaml:"publish"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how Supabase-issued JWTs are verified. Either
// JWKSURL or JWTSecretEnv must be set.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	JWTSecretEnv string        `yaml:"jwt_secret_env"`
	Algorithms   []string      `yaml:"algorithms"`
}

// DatabaseConfig describes the Postgres connection pool.
type DatabaseConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig describes the optional Redis connection.
type RedisConfig struct {
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// WorkflowConfig describes the workflow coordinator.
type WorkflowConfig struct {
	// Store is one of memory, postgres, redis.
	Store          string        `yaml:"store"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RedisTTL       time.Duration `yaml:"redis_ttl"`
}

// ProfileConfig describes the profile store settings.
type ProfileConfig struct {
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// ServiceConfig describes an outbound HTTP dependency.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	RateLimit      float64              `yaml:"rate_limit"`
	RateBurst      int                  `yaml:"rate_burst"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// IdeationConfig describes the n8n ideation webhook.
type IdeationConfig struct {
	Service      ServiceConfig `yaml:"service"`
	WebhookPath  string        `yaml:"webhook_path"`
	ResultsPath  string        `yaml:"results_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// LinkedInConfig describes the LinkedIn OAuth app and API.
type LinkedInConfig struct {
	Service         ServiceConfig `yaml:"service"`
	AuthURL         string        `yaml:"auth_url"`
	TokenURL        string        `yaml:"token_url"`
	ClientIDEnv     string        `yaml:"client_id_env"`
	ClientSecretEnv string        `yaml:"client_secret_env"`
	RedirectURL     string        `yaml:"redirect_url"`
	SuccessURL      string        `yaml:"success_url"`
	Scopes          []string      `yaml:"scopes"`
	StateTTL        time.Duration `yaml:"state_ttl"`
	RefreshWindow   time.Duration `yaml:"refresh_window"`
}

// PublishConfig describes publishing and scheduled dispatch.
type PublishConfig struct {
	// IdempotencyStore is one of memory, redis.
	IdempotencyStore string        `yaml:"idempotency_store"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // json or console
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			HandlerTimeout:  75 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Audience:     "authenticated",
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256", "ES256", "HS256"},
		},
		Database: DatabaseConfig{
			DSNEnv:          "POSTCRAFT_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv:     "POSTCRAFT_REDIS_ADDR",
			PasswordEnv: "POSTCRAFT_REDIS_PASSWORD",
		},
		Workflow: WorkflowConfig{
			Store:          "postgres",
			PersistTimeout: 5 * time.Second,
			SessionIdleTTL: 2 * time.Hour,
			SweepInterval:  5 * time.Minute,
			RedisTTL:       7 * 24 * time.Hour,
		},
		Profile: ProfileConfig{
			ReadTimeout: 3 * time.Second,
		},
		Ideation: IdeationConfig{
			Service: ServiceConfig{
				Timeout: 15 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
				Retry: RetryConfig{
					MaxAttempts:       2,
					BackoffInitial:    200 * time.Millisecond,
					BackoffMultiplier: 2,
					BackoffMax:        2 * time.Second,
					IdempotentOnly:    true,
				},
			},
			WebhookPath:  "/webhook/marcus",
			ResultsPath:  "/webhook/marcus/results",
			PollInterval: 2 * time.Second,
			MaxAttempts:  30,
		},
		LinkedIn: LinkedInConfig{
			Service: ServiceConfig{
				BaseURL:   "https://api.linkedin.com",
				Timeout:   10 * time.Second,
				RateLimit: 5,
				RateBurst: 10,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
				Retry: RetryConfig{
					MaxAttempts:       3,
					BackoffInitial:    250 * time.Millisecond,
					BackoffMultiplier: 2,
					BackoffMax:        5 * time.Second,
					IdempotentOnly:    true,
				},
			},
			AuthURL:         "https://www.linkedin.com/oauth/v2/authorization",
			TokenURL:        "https://www.linkedin.com/oauth/v2/accessToken",
			ClientIDEnv:     "POSTCRAFT_LINKEDIN_CLIENT_ID",
			ClientSecretEnv: "POSTCRAFT_LINKEDIN_CLIENT_SECRET",
			Scopes:          []string{"openid", "profile", "email", "w_member_social"},
			StateTTL:        10 * time.Minute,
			RefreshWindow:   5 * time.Minute,
		},
		Publish: PublishConfig{
			IdempotencyStore: "memory",
			IdempotencyTTL:   24 * time.Hour,
			DispatchInterval: 60 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" && c.Identity.JWTSecretEnv == "" {
		errs = append(errs, "identity.jwks_url or identity.jwt_secret_env is required")
	}
	switch c.Workflow.Store {
	case "memory", "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("workflow.store %q must be memory, postgres or redis", c.Workflow.Store))
	}
	switch c.Publish.IdempotencyStore {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("publish.idempotency_store %q must be memory or redis", c.Publish.IdempotencyStore))
	}
	if c.Ideation.Service.BaseURL == "" {
		errs = append(errs, "ideation.service.base_url is required")
	}
	if c.Ideation.MaxAttempts < 1 {
		errs = append(errs, "ideation.max_attempts must be at least 1")
	}
	if c.Ideation.PollInterval <= 0 {
		errs = append(errs, "ideation.poll_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads POSTCRAFT_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POSTCRAFT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("POSTCRAFT_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("POSTCRAFT_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("POSTCRAFT_IDEATION_BASE_URL"); v != "" {
		cfg.Ideation.Service.BaseURL = v
	}
	if v := os.Getenv("POSTCRAFT_LINKEDIN_REDIRECT_URL"); v != "" {
		cfg.LinkedIn.RedirectURL = v
	}
	if v := os.Getenv("POSTCRAFT_WORKFLOW_STORE"); v != "" {
		cfg.Workflow.Store = v
	}
	if v := os.Getenv("POSTCRAFT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("POSTCRAFT_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// Env returns the value of the environment variable named by key, or "" when
// key is empty.
func Env(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}
