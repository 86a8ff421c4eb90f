package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	TelegramToken string

	DBDriver string
	DBPath   string

	HTTPAddr  string
	JWTSecret string
	GinMode   string

	CommissionPercent string
	ReminderAfter     time.Duration
	AutoDisputeAfter  time.Duration
	SweepInterval     time.Duration

	KafkaBrokers []string
	NotifyTopic  string

	CatalogURL    string
	CatalogAPIKey string

	NotifyWorkers      int
	NotifyQueueSize    int
	RateLimitPerMinute int

	LogLevel  string
	LogFormat string
}

// NewConfig creates a new configuration from environment variables
func NewConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env file not found, using environment and defaults")
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		TelegramToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		DBDriver:          getEnv("DB_DRIVER", "sqlite3"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		GinMode:           getEnv("GIN_MODE", "debug"),
		CommissionPercent: getEnv("COMMISSION_PERCENT", "0"),
		NotifyTopic:       getEnv("NOTIFY_TOPIC", "orders.notifications"),
		CatalogURL:        getEnv("CATALOG_URL", ""),
		CatalogAPIKey:     getEnv("CATALOG_API_KEY", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
	}

	switch cfg.DBDriver {
	case "sqlite3":
		cfg.DBPath = getEnv("DB_PATH", "./orders.db")
	case "pgx":
		cfg.DBPath = getEnv("DATABASE_URL", "")
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=pgx")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.ReminderAfter, err = getDuration("REMINDER_AFTER", 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AutoDisputeAfter, err = getDuration("AUTO_DISPUTE_AFTER", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReminderAfter <= 0 || cfg.AutoDisputeAfter <= cfg.ReminderAfter {
		return nil, fmt.Errorf("AUTO_DISPUTE_AFTER (%s) must be greater than REMINDER_AFTER (%s)", cfg.AutoDisputeAfter, cfg.ReminderAfter)
	}

	if cfg.NotifyWorkers, err = getInt("NOTIFY_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.NotifyQueueSize, err = getInt("NOTIFY_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return n, nil
}
