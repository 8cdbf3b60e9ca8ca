package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port       int
	WebhookURL string
	LogLevel   string

	// Persistence: DatabaseURL selects Postgres, SQLitePath a local
	// file; with neither set, state is memory-only.
	DatabaseURL string
	SQLitePath  string

	NatsURL   string
	NatsToken string

	RequestTimeout    time.Duration
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	QueueMaxSize     int
	QueueMaxAttempts int
	QueueExpiry      time.Duration
	QueueInterval    time.Duration

	EventHistorySize int
}

func Load() Config {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	return Config{
		Port:       envInt("FLOWCHAT_PORT", 8780),
		WebhookURL: envStr("FLOWCHAT_WEBHOOK_URL", ""),
		LogLevel:   envStr("LOG_LEVEL", "info"),

		DatabaseURL: envStr("DATABASE_URL", ""),
		SQLitePath:  envStr("FLOWCHAT_DB_PATH", ""),

		NatsURL:   envStr("NATS_URL", ""),
		NatsToken: envStr("NATS_TOKEN", ""),

		RequestTimeout:    envDuration("FLOWCHAT_REQUEST_TIMEOUT", 60*time.Second),
		RetryMaxAttempts:  envInt("FLOWCHAT_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: envDuration("FLOWCHAT_RETRY_INITIAL_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     envDuration("FLOWCHAT_RETRY_MAX_DELAY", 10*time.Second),

		QueueMaxSize:     envInt("FLOWCHAT_QUEUE_MAX_SIZE", 50),
		QueueMaxAttempts: envInt("FLOWCHAT_QUEUE_MAX_ATTEMPTS", 5),
		QueueExpiry:      envDuration("FLOWCHAT_QUEUE_EXPIRY", 24*time.Hour),
		QueueInterval:    envDuration("FLOWCHAT_QUEUE_INTERVAL", 30*time.Second),

		EventHistorySize: envInt("FLOWCHAT_EVENT_HISTORY_SIZE", 100),
	}
}

func envStr(key, fallback string) string {
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
