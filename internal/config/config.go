package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// It is the single source of truth for runtime parameters.
type Config struct {
	Port string
	Env  string

	DB      DatabaseConfig
	Redis   RedisConfig
	Invoice InvoiceConfig
	Webhook WebhookConfig
	Risk    RiskConfig
	Worker  WorkerConfig
}

// DatabaseConfig contains PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig contains Redis connection parameters.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// InvoiceConfig contains invoice lifecycle parameters.
type InvoiceConfig struct {
	// TTL is the validity window applied at creation (expiresAt = createdAt + TTL).
	TTL time.Duration
	// PaymentBaseURL is the hosted payment page origin used to derive paymentUrl.
	PaymentBaseURL string
}

// WebhookConfig contains merchant notification parameters. An empty TargetURL
// switches the dispatcher into local/dev mode where deliveries trivially succeed.
type WebhookConfig struct {
	TargetURL string
	Secret    string
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
}

// RiskConfig contains risk engine parameters.
type RiskConfig struct {
	// Provider selects the scoring backend: "internal" or "external".
	Provider       string
	FiatAllowlist  []string
	AssetAllowlist []string
	// CacheTTL bounds how long a verdict stays in the Redis cache.
	CacheTTL time.Duration
}

// WorkerConfig contains interval configuration for background workers.
// A zero interval disables the worker.
type WorkerConfig struct {
	DispatchInterval time.Duration
	ExpiryInterval   time.Duration
}

// Load reads configuration from environment variables. If a .env file exists
// in the working directory, it will be loaded first. It returns a populated
// Config or an error with a human-friendly message.
func Load() (*Config, error) {
	// Load .env if present; ignore error if file is missing so that production
	// environments relying solely on real environment variables keep working.
	_ = godotenv.Load()

	cfg := &Config{}

	// Server
	cfg.Port = getEnv("PORT", "8080")
	cfg.Env = getEnv("ENV", "development")

	// Database
	cfg.DB = DatabaseConfig{
		Host:     getEnv("DB_HOST", ""),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", ""),
		Password: getEnv("DB_PASSWORD", ""),
		Name:     getEnv("DB_NAME", ""),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}

	// Redis
	cfg.Redis = RedisConfig{
		Host:     getEnv("REDIS_HOST", "redis"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}

	// Invoices
	cfg.Invoice.PaymentBaseURL = getEnv("PAYMENT_BASE_URL", "https://pay.psp-core.dev")

	// Webhooks
	cfg.Webhook = WebhookConfig{
		TargetURL: getEnv("WEBHOOK_TARGET_URL", ""),
		Secret:    getEnv("WEBHOOK_SECRET", ""),
	}

	// Risk engine
	cfg.Risk = RiskConfig{
		Provider:       getEnv("RISK_PROVIDER", "internal"),
		FiatAllowlist:  getEnvList("RISK_FIAT_ALLOWLIST", "USD,EUR,CHF"),
		AssetAllowlist: getEnvList("RISK_ASSET_ALLOWLIST", "USDT,USDC"),
	}

	// Durations
	var err error
	if cfg.Invoice.TTL, err = parseDurationEnv("INVOICE_TTL", "15m"); err != nil {
		return nil, fmt.Errorf("invalid INVOICE_TTL: %w", err)
	}
	if cfg.Webhook.SendTimeout, err = parseDurationEnv("WEBHOOK_SEND_TIMEOUT", "5s"); err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_SEND_TIMEOUT: %w", err)
	}
	if cfg.Risk.CacheTTL, err = parseDurationEnv("RISK_CACHE_TTL", "1h"); err != nil {
		return nil, fmt.Errorf("invalid RISK_CACHE_TTL: %w", err)
	}
	if cfg.Worker.DispatchInterval, err = parseDurationEnv("DISPATCH_INTERVAL", "1m"); err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_INTERVAL: %w", err)
	}
	if cfg.Worker.ExpiryInterval, err = parseDurationEnv("EXPIRY_INTERVAL", "30s"); err != nil {
		return nil, fmt.Errorf("invalid EXPIRY_INTERVAL: %w", err)
	}

	// Basic validation for DB parameters — keeps messages concise and helpful.
	if cfg.DB.Host == "" || cfg.DB.User == "" || cfg.DB.Name == "" {
		return nil, errors.New("database configuration incomplete: ensure DB_HOST, DB_USER, and DB_NAME are set")
	}

	// A delivery target without a signing secret would send unverifiable webhooks.
	if cfg.Webhook.TargetURL != "" && cfg.Webhook.Secret == "" {
		return nil, errors.New("WEBHOOK_SECRET must be set when WEBHOOK_TARGET_URL is configured")
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default if empty.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt returns the value of an environment variable as an integer or a default if empty/invalid.
func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getEnvList reads a comma-separated environment variable into a slice.
func getEnvList(key, def string) []string {
	raw := getEnv(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDurationEnv reads an environment variable and parses it as time.Duration.
// If the variable is empty, it falls back to the provided default value.
func parseDurationEnv(key, def string) (time.Duration, error) {
	raw := getEnv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0")
	}
	return d, nil
}
