// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Version   string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string
	RedisAddr   string // enables the sweep lease and the notification queue

	// Auth
	JWTSecret string

	// CORS; empty allows any origin without credentials
	CORSAllowedOrigins []string

	// Payment gateway
	StripeSecretKey  string // empty selects the in-memory gateway
	GatewayTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Tracing
	OTLPEndpoint string

	// Notifications
	NotifyWebhookURL    string // push/email relay; empty logs notifications only
	NotifyWebhookSecret string
	NotifyMaxRetry      int

	// Sweep windows
	AutoSelectLead      time.Duration // before job start, pick a worker if none selected
	FlexibleSuspendLead time.Duration // before job start, suspend unresolved flexible-end jobs
	ReminderOffsets     []time.Duration
	AutoConfirmGrace    time.Duration // after completion is due, implicit confirmation
	SweepInterval       time.Duration
	SweepConcurrency    int
	ReminderRPS         int

	// Quota
	MonthlyContractLimit int64
}

// Defaults. Scheduling windows are configuration, never literals in code.
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultGatewayTimeout       = 10 * time.Second
	DefaultBreakerThreshold     = 5
	DefaultBreakerCooldown      = 30 * time.Second
	DefaultAutoSelectLead       = 24 * time.Hour
	DefaultFlexibleSuspendLead  = 24 * time.Hour
	DefaultAutoConfirmGrace     = 48 * time.Hour
	DefaultSweepInterval        = time.Minute
	DefaultSweepConcurrency     = 8
	DefaultReminderRPS          = 20
	DefaultMonthlyContractLimit = 50
	DefaultNotifyMaxRetry       = 5
)

// DefaultReminderOffsets are measured from the moment completion is due.
var DefaultReminderOffsets = []time.Duration{0, 12 * time.Hour, 24 * time.Hour}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		Version:              getEnv("VERSION", "dev"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		CORSAllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		BreakerThreshold:     int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:      getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:  os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		NotifyMaxRetry:       int(getEnvInt64("NOTIFY_MAX_RETRY", DefaultNotifyMaxRetry)),
		AutoSelectLead:       getEnvDuration("AUTO_SELECT_LEAD", DefaultAutoSelectLead),
		FlexibleSuspendLead:  getEnvDuration("FLEXIBLE_SUSPEND_LEAD", DefaultFlexibleSuspendLead),
		ReminderOffsets:      getEnvDurations("REMINDER_OFFSETS", DefaultReminderOffsets),
		AutoConfirmGrace:     getEnvDuration("AUTO_CONFIRM_GRACE", DefaultAutoConfirmGrace),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepConcurrency:     int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		ReminderRPS:          int(getEnvInt64("REMINDER_RPS", DefaultReminderRPS)),
		MonthlyContractLimit: getEnvInt64("MONTHLY_CONTRACT_LIMIT", DefaultMonthlyContractLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.StripeSecretKey == "" && c.IsProduction() {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.AutoConfirmGrace <= 0 {
		return fmt.Errorf("AUTO_CONFIRM_GRACE must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be positive")
	}
	for i := 1; i < len(c.ReminderOffsets); i++ {
		if c.ReminderOffsets[i] <= c.ReminderOffsets[i-1] {
			return fmt.Errorf("REMINDER_OFFSETS must be strictly increasing")
		}
	}
	if n := len(c.ReminderOffsets); n > 0 && c.ReminderOffsets[n-1] >= c.AutoConfirmGrace {
		return fmt.Errorf("REMINDER_OFFSETS must all fall before AUTO_CONFIRM_GRACE")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvDurations parses a comma-separated list such as "0s,12h,24h".
// Any unparsable element falls back to the whole default.
func getEnvDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return append([]time.Duration(nil), defaultValue...)
	}
	var out []time.Duration
	start := 0
	for i := 0; i <= len(value); i++ {
		if i < len(value) && value[i] != ',' {
			continue
		}
		d, err := time.ParseDuration(value[start:i])
		if err != nil {
			return append([]time.Duration(nil), defaultValue...)
		}
		out = append(out, d)
		start = i + 1
	}
	return out
}

// getEnvList splits a comma-separated value, dropping empty elements.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
