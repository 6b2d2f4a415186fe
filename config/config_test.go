package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"CHANGELOG_FLUSH_INTERVAL", "CHANGELOG_LOCK_TIMEOUT", "CHANGELOG_FLUSH_CONCURRENCY",
		"POINTS_PER_MESSAGE", "WATCHED_INTERVAL", "POINTS_PER_INTERVAL_ONLINE", "POINTS_PER_INTERVAL_OFFLINE",
		"PRESENCE_TTL", "STREAM_POLL_INTERVAL", "MAIN_CURRENCY", "HTTP_ADDR", "BOT_OWNERS"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.FlushInterval != time.Minute {
		t.Errorf("FlushInterval = %v, want 1m", cfg.FlushInterval)
	}
	if cfg.LockTimeout != 10*time.Second {
		t.Errorf("LockTimeout = %v, want 10s", cfg.LockTimeout)
	}
	if cfg.FlushConcurrency != 8 {
		t.Errorf("FlushConcurrency = %d, want 8", cfg.FlushConcurrency)
	}
	if cfg.PointsPerMessage != 0 || cfg.PointsPerIntervalOnline != 1 || cfg.PointsPerIntervalOffline != 0 {
		t.Errorf("unexpected points defaults: %+v", cfg)
	}
	if cfg.PresenceTTL != 5*time.Minute || cfg.StreamPollInterval != 30*time.Second || cfg.WatchedInterval != time.Minute {
		t.Errorf("unexpected interval defaults: %+v", cfg)
	}
	if cfg.MainCurrency != "USD" {
		t.Errorf("MainCurrency = %q, want USD", cfg.MainCurrency)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if len(cfg.BotOwners) != 0 {
		t.Errorf("BotOwners = %v, want empty", cfg.BotOwners)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "#SomeChannel")
	t.Setenv("BOT_OWNERS", " alice, bob ,,")
	t.Setenv("CHANGELOG_FLUSH_INTERVAL", "15s")
	t.Setenv("CHANGELOG_FLUSH_CONCURRENCY", "2")
	t.Setenv("POINTS_PER_MESSAGE", "3")
	t.Setenv("MAIN_CURRENCY", "eur")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TwitchChannel != "somechannel" {
		t.Errorf("TwitchChannel = %q, want somechannel", cfg.TwitchChannel)
	}
	if len(cfg.BotOwners) != 2 || cfg.BotOwners[0] != "alice" || cfg.BotOwners[1] != "bob" {
		t.Errorf("BotOwners = %v", cfg.BotOwners)
	}
	if cfg.FlushInterval != 15*time.Second || cfg.FlushConcurrency != 2 || cfg.PointsPerMessage != 3 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.MainCurrency != "EUR" {
		t.Errorf("MainCurrency = %q, want EUR", cfg.MainCurrency)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CHANGELOG_FLUSH_INTERVAL", "soon"},
		{"CHANGELOG_LOCK_TIMEOUT", "-1s"},
		{"CHANGELOG_FLUSH_CONCURRENCY", "many"},
		{"POINTS_PER_MESSAGE", "-5"},
		{"PRESENCE_TTL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateChatReady(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "chan")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
	if err := os.Unsetenv("TWITCH_CHANNEL"); err != nil {
		t.Fatalf("failed to unset TWITCH_CHANNEL: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateChatReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}

func TestHelixReady(t *testing.T) {
	cfg := &Config{TwitchClientID: "id"}
	if cfg.HelixReady() {
		t.Error("HelixReady without secret")
	}
	cfg.TwitchClientSecret = "secret"
	if !cfg.HelixReady() {
		t.Error("HelixReady with id and secret")
	}
}
