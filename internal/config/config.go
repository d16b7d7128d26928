package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig

	Stripe            StripeConfig
	Kafka             KafkaConfig
	AccountingMetrics AccountingMetricsConfig
}

// RateLimitConfig controls the redis-backed limiter for payment endpoints.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PaymentUserRate  float64
	PaymentUserBurst int
}

// IdempotencyConfig controls key derivation and the retention sweep.
type IdempotencyConfig struct {
	RetentionHours int
	SweepInterval  time.Duration
	KeySecret      string
}

// StripeConfig configures the injected provider client.
type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	Timeout       time.Duration `env:"STRIPE_TIMEOUT" envDefault:"12s"`
	MaxRetries    int64         `env:"STRIPE_MAX_RETRIES" envDefault:"2"`
	SuccessURL    string        `env:"STRIPE_SUCCESS_URL" envDefault:"http://localhost:3000/billing/success"`
	CancelURL     string        `env:"STRIPE_CANCEL_URL" envDefault:"http://localhost:3000/billing/cancel"`
}

// KafkaConfig configures the outbox relay producer.
type KafkaConfig struct {
	Brokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic        string        `env:"KAFKA_PAYMENTS_TOPIC" envDefault:"successful_payments"`
	ClientID     string        `env:"KAFKA_CLIENT_ID" envDefault:"paysync"`
	DeliveryWait time.Duration `env:"KAFKA_DELIVERY_TIMEOUT" envDefault:"10s"`
}

// Enabled reports whether a broker list was configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// AccountingMetricsConfig configures the push exporter for accounting counters.
type AccountingMetricsConfig struct {
	Enabled   bool          `env:"ACCOUNTING_METRICS_ENABLED" envDefault:"false"`
	Exporter  string        `env:"ACCOUNTING_METRICS_EXPORTER"`
	Endpoint  string        `env:"ACCOUNTING_METRICS_ENDPOINT"`
	AuthToken string        `env:"ACCOUNTING_METRICS_AUTH_TOKEN"`
	Interval  time.Duration `env:"ACCOUNTING_METRICS_INTERVAL" envDefault:"1m"`
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "paysync"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "paysync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:        strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword:    getenv("REDIS_PASSWORD", ""),
			RedisDB:          getenvInt("REDIS_DB", 0),
			PaymentUserRate:  getenvFloat("RATE_LIMIT_PAYMENT_USER_RATE", 2),
			PaymentUserBurst: getenvInt("RATE_LIMIT_PAYMENT_USER_BURST", 10),
		},
		Idempotency: IdempotencyConfig{
			RetentionHours: getenvInt("IDEMPOTENCY_RETENTION_HOURS", 24),
			SweepInterval:  getenvDuration("IDEMPOTENCY_SWEEP_INTERVAL", time.Hour),
			KeySecret:      strings.TrimSpace(getenv("IDEMPOTENCY_KEY_SECRET", "")),
		},
	}

	if err := env.Parse(&cfg.Stripe); err != nil {
		fmt.Fprintf(os.Stderr, "stripe config: %v\n", err)
	}
	if err := env.Parse(&cfg.Kafka); err != nil {
		fmt.Fprintf(os.Stderr, "kafka config: %v\n", err)
	}
	if err := env.Parse(&cfg.AccountingMetrics); err != nil {
		fmt.Fprintf(os.Stderr, "accounting metrics config: %v\n", err)
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
