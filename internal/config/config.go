// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"post_scheduler/internal/platform"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string

	PlatformAPIURL    string
	PlatformRateLimit int
	PlatformTimeout   time.Duration

	RunInterval      time.Duration
	PollInterval     time.Duration
	Timezone         string
	RecentPostsLimit int
	ReplyRetention   time.Duration
	StaleClaimAfter  time.Duration

	TelegramBotToken    string
	TelegramAlertChatID int64
	SentryDSN           string
	AppEnv              string
	Version             string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDriver: envOr("DATABASE_DRIVER", DriverSQLite),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		PlatformAPIURL: envOr("PLATFORM_API_URL", platform.DefaultBaseURL),
		Timezone:       envOr("TIMEZONE", "UTC"),
		SentryDSN:      os.Getenv("SENTRY_DSN"),
		AppEnv:         envOr("APP_ENV", "development"),
		Version:        envOr("VERSION", "dev"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	switch cfg.DatabaseDriver {
	case DriverSQLite:
		cfg.DatabaseDSN = envOr("DATABASE_DSN", "./data/publisher.db")
	case DriverPostgres:
		cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("DATABASE_DSN is required for the postgres driver")
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}

	var err error
	if cfg.PlatformRateLimit, err = envInt("PLATFORM_RATE_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.RecentPostsLimit, err = envInt("RECENT_POSTS_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.PlatformTimeout, err = envDuration("PLATFORM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RunInterval, err = envDuration("RUN_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReplyRetention, err = envDuration("REPLY_RETENTION", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.StaleClaimAfter, err = envDuration("STALE_CLAIM_AFTER", 0); err != nil {
		return nil, err
	}

	for name, v := range map[string]int{"PLATFORM_RATE_LIMIT": cfg.PlatformRateLimit, "RECENT_POSTS_LIMIT": cfg.RecentPostsLimit} {
		if v <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	for name, v := range map[string]time.Duration{
		"PLATFORM_TIMEOUT": cfg.PlatformTimeout,
		"RUN_INTERVAL":     cfg.RunInterval,
		"POLL_INTERVAL":    cfg.PollInterval,
		"REPLY_RETENTION":  cfg.ReplyRetention,
	} {
		if v <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if cfg.StaleClaimAfter < 0 {
		return nil, fmt.Errorf("STALE_CLAIM_AFTER must not be negative, got %s", cfg.StaleClaimAfter)
	}

	if raw := strings.TrimSpace(os.Getenv("TELEGRAM_ALERT_CHAT_ID")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_ALERT_CHAT_ID %q: %w", raw, err)
		}
		cfg.TelegramAlertChatID = id
	}
	if (cfg.TelegramBotToken == "") != (cfg.TelegramAlertChatID == 0) {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_ALERT_CHAT_ID must be set together")
	}

	return cfg, nil
}

// Location returns the location used for calendar days.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TelegramAlertsEnabled reports whether failure alerts go to Telegram.
func (c *Config) TelegramAlertsEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramAlertChatID != 0
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
