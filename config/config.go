// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (e.g., Twitch chat), use ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Twitch
	TwitchChannel      string
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string
	// BotOwners match the casters group alongside the broadcaster.
	BotOwners []string

	// Database
	DBDsn string

	// Changelog
	FlushInterval    time.Duration
	LockTimeout      time.Duration
	FlushConcurrency int

	// Points and watched time
	PointsPerMessage         int64
	WatchedInterval          time.Duration
	PointsPerIntervalOnline  int64
	PointsPerIntervalOffline int64
	PresenceTTL              time.Duration
	StreamPollInterval       time.Duration

	// Permissions
	MainCurrency    string
	ExchangeRates   string
	PermissionsFile string
	RedisAddr       string
	RedisPassword   string

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are missing;
// use ValidateChatReady() when you require chat. Malformed numbers or durations are errors.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.TwitchChannel = strings.ToLower(strings.TrimPrefix(os.Getenv("TWITCH_CHANNEL"), "#"))
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.BotOwners = splitList(os.Getenv("BOT_OWNERS"))

	// DB
	cfg.DBDsn = os.Getenv("DB_DSN")

	if cfg.FlushInterval, err = durationEnv("CHANGELOG_FLUSH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = durationEnv("CHANGELOG_LOCK_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.FlushConcurrency, err = intEnv("CHANGELOG_FLUSH_CONCURRENCY", 8); err != nil {
		return nil, err
	}

	if cfg.PointsPerMessage, err = int64Env("POINTS_PER_MESSAGE", 0); err != nil {
		return nil, err
	}
	if cfg.WatchedInterval, err = durationEnv("WATCHED_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PointsPerIntervalOnline, err = int64Env("POINTS_PER_INTERVAL_ONLINE", 1); err != nil {
		return nil, err
	}
	if cfg.PointsPerIntervalOffline, err = int64Env("POINTS_PER_INTERVAL_OFFLINE", 0); err != nil {
		return nil, err
	}
	if cfg.PresenceTTL, err = durationEnv("PRESENCE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StreamPollInterval, err = durationEnv("STREAM_POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	cfg.MainCurrency = strings.ToUpper(getenv("MAIN_CURRENCY", "USD"))
	cfg.ExchangeRates = os.Getenv("EXCHANGE_RATES")
	cfg.PermissionsFile = os.Getenv("PERMISSIONS_FILE")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.HTTPAddr = getenv("HTTP_ADDR", ":8080")
	return cfg, nil
}

// ValidateChatReady checks required fields when chat is enabled.
func (c *Config) ValidateChatReady() error {
	if c.TwitchChannel == "" || c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNEL, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// HelixReady reports whether app credentials for stream polling are present.
func (c *Config) HelixReady() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive duration like 30s", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	n, err := int64Env(key, int64(def))
	return int(n), err
}

func int64Env(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative integer", key, v)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
