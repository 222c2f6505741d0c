package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port        string
	Environment string

	// Control-plane database. Empty means the in-memory store (dev mode).
	DatabaseURL string

	// Redis-backed rate limiting. Empty means the in-process counter.
	RedisURL string

	// Webhooks
	WebhookBaseURL string
	InstancesFile  string

	// Pre-auth throttle per source IP on the webhook endpoints.
	IPRequestsPerSecond float64
	IPBurst             int

	// Background sweeps
	PoolSweepInterval    time.Duration
	CounterSweepInterval time.Duration

	// Security
	JWTSecret     string
	EncryptionKey string
}

func Load() (*Config, error) {
	// Env vars may be set directly (docker/k8s), so a missing .env is fine.
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	cfg := &Config{
		Port:        getEnv("PORT", "3080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		WebhookBaseURL: getEnv("WEBHOOK_BASE_URL", "http://localhost:3080"),
		InstancesFile:  getEnv("INSTANCES_FILE", "data/instances.json"),

		IPRequestsPerSecond: getFloatEnv("IP_REQUESTS_PER_SECOND", 10),
		IPBurst:             getIntEnv("IP_BURST", 20),

		PoolSweepInterval:    getDurationEnv("POOL_SWEEP_INTERVAL", 5*time.Minute),
		CounterSweepInterval: getDurationEnv("COUNTER_SWEEP_INTERVAL", 10*time.Minute),

		JWTSecret: getEnv("JWT_SECRET", ""),

		// Key for decrypting instance passwords at rest.
		// Default is a 32-byte dummy key for development. IN PRODUCTION, CHANGE THIS!
		EncryptionKey: getEnv("ENCRYPTION_KEY", "dummy_encryption_key_32_bytes_lk"),
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
