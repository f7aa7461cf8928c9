package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the core runtime configuration for a service instance.
// It supports environment-based initialization, with sensible defaults.
type Config struct {
	ServiceName string // e.g. "etrade-adapter"
	Env         string // e.g. "dev", "uat", "prod"
	Venue       string
	LogLevel    string // "debug", "info", etc.
	Port        int    // service HTTP port

	NATSURL     string // e.g. nats://localhost:4222
	DatabaseURL string // optional; enables the rotation audit trail

	// Credential store selection: "aws", "file", "redis" or "memory".
	StoreBackend string
	AWSRegion    string
	SecretPrefix string // AWS SM name prefix, e.g. "etrade/prod/token"
	StoreFileDir string // directory for the local-file fallback store
	RedisAddr    string
	RedisDB      int

	// Broker endpoints per environment.
	ProdBaseURL    string
	SandboxBaseURL string
	AuthorizeURL   string // user-facing authorization page

	// Consumer credentials used to bootstrap an environment with no record.
	ProdConsumerKey       string
	ProdConsumerSecret    string
	SandboxConsumerKey    string
	SandboxConsumerSecret string
	SandboxEnabled        bool

	// Lifecycle timing.
	KeepAliveInterval time.Duration
	IdleCutoff        time.Duration
	IdleWarningMargin time.Duration
	SessionTTL        time.Duration
	BrokerTimezone    string // IANA zone of the broker's midnight boundary

	// Transient-failure retry policy and throttling for broker calls.
	HTTPTimeout    time.Duration
	RetryMax       int
	RateLimitRPS   int
	RateLimitBurst int

	DegradedThreshold int // consecutive probe failures before alerting
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "etrade-adapter"),
		Env:         getEnv("ENV", "dev"),
		Venue:       "etrade",
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Port:        getEnvInt("ETRADE_PORT", 9020),

		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		StoreBackend: getEnv("STORE_BACKEND", "file"),
		AWSRegion:    getEnv("AWS_REGION", "us-east-2"),
		SecretPrefix: getEnv("SECRET_PREFIX", "etrade"),
		StoreFileDir: getEnv("STORE_FILE_DIR", "./credentials"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:      getEnvInt("REDIS_DB", 0),

		ProdBaseURL:    getEnv("ETRADE_BASE_URL", "https://api.etrade.com"),
		SandboxBaseURL: getEnv("ETRADE_SANDBOX_BASE_URL", "https://apisb.etrade.com"),
		AuthorizeURL:   getEnv("ETRADE_AUTHORIZE_URL", "https://us.etrade.com/e/t/etws/authorize"),

		ProdConsumerKey:       getEnv("ETRADE_CONSUMER_KEY", ""),
		ProdConsumerSecret:    getEnv("ETRADE_CONSUMER_SECRET", ""),
		SandboxConsumerKey:    getEnv("ETRADE_SANDBOX_CONSUMER_KEY", ""),
		SandboxConsumerSecret: getEnv("ETRADE_SANDBOX_CONSUMER_SECRET", ""),
		SandboxEnabled:        getEnvBool("SANDBOX_ENABLED", true),

		KeepAliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", time.Hour),
		IdleCutoff:        getEnvDuration("IDLE_CUTOFF", 2*time.Hour),
		IdleWarningMargin: getEnvDuration("IDLE_WARNING_MARGIN", 30*time.Minute),
		SessionTTL:        getEnvDuration("RENEWAL_SESSION_TTL", 5*time.Minute),
		BrokerTimezone:    getEnv("BROKER_TIMEZONE", "America/New_York"),

		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		RetryMax:       getEnvInt("RETRY_MAX", 2),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 2),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 4),

		DegradedThreshold: getEnvInt("DEGRADED_THRESHOLD", 3),
	}
}

// Validate checks timing invariants that would otherwise surface as
// mysterious expiries in production. The keep-alive interval must leave
// room for at least one missed tick before the idle cutoff.
func (c *Config) Validate() error {
	if c.IdleWarningMargin >= c.IdleCutoff {
		return fmt.Errorf("IDLE_WARNING_MARGIN (%s) must be smaller than IDLE_CUTOFF (%s)",
			c.IdleWarningMargin, c.IdleCutoff)
	}
	if c.KeepAliveInterval > c.IdleCutoff-c.IdleWarningMargin {
		return fmt.Errorf("KEEPALIVE_INTERVAL (%s) must be <= IDLE_CUTOFF - IDLE_WARNING_MARGIN (%s)",
			c.KeepAliveInterval, c.IdleCutoff-c.IdleWarningMargin)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("RENEWAL_SESSION_TTL must be positive")
	}
	if _, err := time.LoadLocation(c.BrokerTimezone); err != nil {
		return fmt.Errorf("invalid BROKER_TIMEZONE %q: %w", c.BrokerTimezone, err)
	}
	switch c.StoreBackend {
	case "aws", "file", "redis", "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// BrokerLocation resolves the configured broker timezone.
// Validate must have been called first.
func (c *Config) BrokerLocation() *time.Location {
	loc, err := time.LoadLocation(c.BrokerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}
