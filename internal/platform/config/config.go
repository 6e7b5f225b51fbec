package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process configuration. FromEnv builds it from environment
// variables so main stays lean; zero values mean "not configured" and the
// wiring in main falls back to in-memory implementations.
type Config struct {
	Addr     string
	LogLevel string

	// PostgresURL enables the Postgres artifact store when set.
	PostgresURL string

	Redis RedisConfig

	// KafkaBrokers enables the Kafka audit publisher when non-empty.
	KafkaBrokers []string
	KafkaTopic   string

	JWTSigningKey string

	Provider ProviderConfig

	// WebhookSecret is the shared HMAC key for provider callback signatures.
	WebhookSecret string

	// ComplianceCacheTTL bounds how long a gate decision is reused before
	// re-checking the artifact store. Seconds, not minutes.
	ComplianceCacheTTL time.Duration

	// DocumentTTL is how long a completed artifact stays valid.
	DocumentTTL time.Duration
	// PendingTTL is how long an unresolved Sent/Delivered artifact may
	// linger before the scheduler expires it.
	PendingTTL time.Duration
	// RenewalWindow is how far before expiry renewals are issued.
	RenewalWindow time.Duration
	// SchedulerInterval is the sweep cadence.
	SchedulerInterval time.Duration
}

// RedisConfig mirrors the platform redis client options.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ProviderConfig holds e-signature provider client settings.
type ProviderConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	MaxRetries  int
}

// FromEnv builds a Config from environment variables with development
// defaults. Production deployments override everything.
func FromEnv() Config {
	cfg := Config{
		Addr:          envOr("SIGNGATE_ADDR", ":8080"),
		LogLevel:      envOr("SIGNGATE_LOG_LEVEL", "info"),
		PostgresURL:   os.Getenv("SIGNGATE_POSTGRES_URL"),
		JWTSigningKey: envOr("SIGNGATE_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		WebhookSecret: envOr("SIGNGATE_WEBHOOK_SECRET", "dev-webhook-secret"),
		KafkaTopic:    envOr("SIGNGATE_KAFKA_TOPIC", "signgate.audit"),

		ComplianceCacheTTL: envDuration("SIGNGATE_COMPLIANCE_CACHE_TTL", 10*time.Second),
		DocumentTTL:        envDuration("SIGNGATE_DOCUMENT_TTL", 365*24*time.Hour),
		PendingTTL:         envDuration("SIGNGATE_PENDING_TTL", 30*24*time.Hour),
		RenewalWindow:      envDuration("SIGNGATE_RENEWAL_WINDOW", 14*24*time.Hour),
		SchedulerInterval:  envDuration("SIGNGATE_SCHEDULER_INTERVAL", 24*time.Hour),

		Redis: RedisConfig{
			URL:          os.Getenv("SIGNGATE_REDIS_URL"),
			PoolSize:     envInt("SIGNGATE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("SIGNGATE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("SIGNGATE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("SIGNGATE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("SIGNGATE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},

		Provider: ProviderConfig{
			BaseURL:     os.Getenv("SIGNGATE_PROVIDER_URL"),
			APIKey:      os.Getenv("SIGNGATE_PROVIDER_API_KEY"),
			CallTimeout: envDuration("SIGNGATE_PROVIDER_TIMEOUT", 5*time.Second),
			MaxRetries:  envInt("SIGNGATE_PROVIDER_MAX_RETRIES", 3),
		},
	}

	if brokers := os.Getenv("SIGNGATE_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
