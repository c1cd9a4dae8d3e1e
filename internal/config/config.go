package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// External providers
	EmailProviderURL string
	SMSProviderURL   string
	ProviderTimeout  time.Duration

	// Provider resilience pipeline
	SendRetries         int
	SendRetryBase       time.Duration
	CircuitFailureRatio float64
	CircuitWindow       time.Duration
	CircuitMinRequests  uint32
	CircuitBreak        time.Duration

	// Worker pool
	MaxConcurrentSends int

	// Queue
	QueueCapacity    int
	QueueBlockOnFull bool

	// Rate limiting: maximum sends per second per channel
	RateLimit int

	// Retry scheduling
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// Delivery confirmation simulation
	DeliveryConfirmDelay time.Duration

	// Outbox dispatcher
	OutboxBatch        int
	OutboxMaxAttempts  int
	OutboxPollInterval time.Duration
	OutboxLanes        int
	WebhookTimeout     time.Duration
	WebhookMaxFailures int

	// Background loops
	SchedulerTick    time.Duration
	ReleaserInterval time.Duration
	StuckAfter       time.Duration
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		EmailProviderURL: getEnv("EMAIL_PROVIDER_URL", "http://localhost:9090/email"),
		SMSProviderURL:   getEnv("SMS_PROVIDER_URL", "http://localhost:9090/sms"),
		ProviderTimeout:  getDuration("PROVIDER_TIMEOUT", 10*time.Second),

		SendRetries:         getInt("SEND_RETRIES", 2),
		SendRetryBase:       getDuration("SEND_RETRY_BASE", 200*time.Millisecond),
		CircuitFailureRatio: getFloat("CIRCUIT_FAILURE_RATIO", 0.5),
		CircuitWindow:       getDuration("CIRCUIT_WINDOW", 30*time.Second),
		CircuitMinRequests:  uint32(getInt("CIRCUIT_MIN_REQUESTS", 5)),
		CircuitBreak:        getDuration("CIRCUIT_BREAK", 30*time.Second),

		MaxConcurrentSends: getInt("MAX_CONCURRENT_WORKERS", 10),

		QueueCapacity:    getInt("QUEUE_CAPACITY", 10000),
		QueueBlockOnFull: getBool("QUEUE_BLOCK_ON_FULL", false),

		RateLimit: getInt("RATE_LIMIT_PER_CHANNEL", 100),

		RetryBase:     getDuration("RETRY_BASE", 5*time.Second),
		RetryMaxDelay: getDuration("RETRY_MAX_DELAY", 15*time.Minute),

		DeliveryConfirmDelay: getDuration("DELIVERY_CONFIRM_DELAY", 2*time.Second),

		OutboxBatch:        getInt("OUTBOX_BATCH", 100),
		OutboxMaxAttempts:  getInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxPollInterval: getDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxLanes:        getInt("OUTBOX_LANES", 8),
		WebhookTimeout:     getDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookMaxFailures: getInt("WEBHOOK_MAX_FAILURES", 10),

		SchedulerTick:    getDuration("SCHEDULER_TICK", 100*time.Millisecond),
		ReleaserInterval: getDuration("RELEASER_INTERVAL", 10*time.Second),
		StuckAfter:       getDuration("STUCK_PROCESSING_AFTER", 5*time.Minute),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
