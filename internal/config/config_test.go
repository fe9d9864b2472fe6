package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.Port != 8084 {
		t.Errorf("Expected default port 8084, got %d", cfg.Server.Port)
	}
	if cfg.Database.SSLMode != "disable" {
		t.Errorf("Expected sslmode disable, got %s", cfg.Database.SSLMode)
	}
	if cfg.Notification.BaseURL != "http://localhost:8091" {
		t.Errorf("Expected default notification url, got %s", cfg.Notification.BaseURL)
	}
	if cfg.Notification.Timeout != 10*time.Second {
		t.Errorf("Expected default notification timeout 10s, got %v", cfg.Notification.Timeout)
	}
	if cfg.Sweeper.Interval != time.Minute {
		t.Errorf("Expected default sweep interval 1m, got %v", cfg.Sweeper.Interval)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("NOTIFICATION_URL", "http://notifier:8080")
	t.Setenv("NOTIFICATION_TIMEOUT", "5s")
	t.Setenv("SWEEPER_BATCH_SIZE", "25")

	cfg := Load()

	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Notification.BaseURL != "http://notifier:8080" {
		t.Errorf("Expected notification url override, got %s", cfg.Notification.BaseURL)
	}
	if cfg.Notification.Timeout != 5*time.Second {
		t.Errorf("Expected notification timeout 5s, got %v", cfg.Notification.Timeout)
	}
	if cfg.Sweeper.BatchSize != 25 {
		t.Errorf("Expected sweeper batch size 25, got %d", cfg.Sweeper.BatchSize)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("NOTIFICATION_TIMEOUT", "soon")

	cfg := Load()

	if cfg.Server.Port != 8084 {
		t.Errorf("Expected malformed port to fall back to 8084, got %d", cfg.Server.Port)
	}
	if cfg.Notification.Timeout != 10*time.Second {
		t.Errorf("Expected malformed timeout to fall back to 10s, got %v", cfg.Notification.Timeout)
	}
}
