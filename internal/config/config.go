// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage engines selectable with STORE_ENGINE.
const (
	EngineMemory   = "memory"
	EnginePostgres = "postgres"
	EngineMongo    = "mongo"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr is the side port serving /metrics and /healthz. Empty disables it.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment ("development", "production").
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// StoreEngine is "memory", "postgres" or "mongo".
	StoreEngine string `mapstructure:"STORE_ENGINE"`
	// DatabaseURL is the Postgres DSN; required when StoreEngine is postgres.
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	// RedisAddr enables the shared access-token blocklist. Empty uses an in-process blocklist.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// JWTAlg is "RS256", "ES256" or "HS256"; empty infers it from the configured key.
	JWTAlg string `mapstructure:"JWT_ALG"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; optional with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTSecret is the HS256 shared secret (at least 32 bytes, or "base64:..." encoded).
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`

	// HashAlgorithm is "bcrypt" (default) or "argon2id".
	HashAlgorithm string `mapstructure:"HASH_ALGORITHM"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// OPAPolicyPath is a Rego module deciding permission checks. Empty uses wildcard matching.
	OPAPolicyPath string `mapstructure:"OPA_POLICY_PATH"`

	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RateLimitBurst     int    `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     string `mapstructure:"REQUEST_TIMEOUT"`

	// SweepInterval is how often the worker sweeps refresh tokens.
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// RefreshRetention is how long terminal refresh tokens are kept past expiry.
	RefreshRetention string `mapstructure:"REFRESH_RETENTION"`

	// AMQPURL enables publishing security events to RabbitMQ.
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	// OTelEndpoint is the OTLP gRPC collector (e.g. localhost:4317). Empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("HTTP_ADDR", ":9090")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_ENGINE", EngineMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MONGO_URI", "")
	v.SetDefault("MONGO_DATABASE", "identity")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JWT_ALG", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "identity-core")
	v.SetDefault("JWT_AUDIENCE", "identity-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("HASH_ALGORITHM", "bcrypt")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OPA_POLICY_PATH", "")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 100)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("SWEEP_INTERVAL", "10m")
	v.SetDefault("REFRESH_RETENTION", "720h")
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "identity.security")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "identity-core")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	cfg.StoreEngine = strings.ToLower(strings.TrimSpace(cfg.StoreEngine))
	switch cfg.StoreEngine {
	case EngineMemory:
		if cfg.Env == "production" {
			return nil, errors.New("config: STORE_ENGINE=memory must not be used when APP_ENV=production")
		}
	case EnginePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when STORE_ENGINE=postgres")
		}
	case EngineMongo:
		if cfg.MongoURI == "" {
			return nil, errors.New("config: MONGO_URI must be set when STORE_ENGINE=mongo")
		}
	default:
		return nil, fmt.Errorf("config: unknown STORE_ENGINE %q", cfg.StoreEngine)
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	switch strings.ToLower(cfg.HashAlgorithm) {
	case "", "bcrypt", "argon2", "argon2id":
	default:
		return nil, fmt.Errorf("config: unknown HASH_ALGORITHM %q", cfg.HashAlgorithm)
	}

	if cfg.RateLimitPerMinute < 0 {
		return nil, errors.New("config: RATE_LIMIT_PER_MINUTE must not be negative")
	}

	return &cfg, nil
}

// SigningConfigured reports whether an access-token signing key is configured.
func (c *Config) SigningConfigured() bool {
	return c.JWTPrivateKey != "" || c.JWTSecret != ""
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return duration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return duration(c.JWTRefreshTTL, 168*time.Hour)
}

// Timeout parses RequestTimeout. Returns 10s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	return duration(c.RequestTimeout, 10*time.Second)
}

// SweepEvery parses SweepInterval. Returns 10m if unset or invalid.
func (c *Config) SweepEvery() time.Duration {
	return duration(c.SweepInterval, 10*time.Minute)
}

// Retention parses RefreshRetention. Returns 720h if unset or invalid.
func (c *Config) Retention() time.Duration {
	return duration(c.RefreshRetention, 720*time.Hour)
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
