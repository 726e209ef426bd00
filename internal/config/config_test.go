package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "secret: test\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Auth.MaxAttempts != 3 || cfg.Auth.Lockout != 5*time.Minute {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
	if cfg.Device.RelockDelay != 5*time.Second || cfg.Device.OfflineAfter != 30*time.Second {
		t.Fatalf("unexpected device defaults %+v", cfg.Device)
	}
	if cfg.Push.QueueSize != 32 || cfg.Events.Retention != 1000 {
		t.Fatalf("unexpected defaults push=%+v events=%+v", cfg.Push, cfg.Events)
	}
	if cfg.Storage.SQLite == nil || cfg.Storage.SQLite.Path != filepath.Join(InstancePath(), "data", "storage.db") {
		t.Fatalf("sqlite path not resolved: %+v", cfg.Storage.SQLite)
	}
	if cfg.AutoOpen.Enabled {
		t.Fatal("auto-open should be disabled by default")
	}
}

func TestLoadConfigSchedule(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
secret: test
auto_open:
  enabled: true
  timezone: UTC
  schedules:
    - days: [monday, friday]
      time_start: "08:00"
      time_end: "18:00"
  devices:
    aabbccddeeff-1:
      enabled: false
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	doc := cfg.AutoOpen.Document
	if !doc.Enabled || len(doc.Schedules) != 1 || doc.Schedules[0].TimeEnd != "18:00" {
		t.Fatalf("unexpected schedule %+v", doc)
	}
	if s, ok := doc.Devices["aabbccddeeff-1"]; !ok || s.Enabled {
		t.Fatalf("unexpected device override %+v", doc.Devices)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("unexpected location %v, %v", loc, err)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("AUTH_MAX_ATTEMPTS", "5")
	t.Setenv("DEVICE_RELOCK_DELAY", "8s")

	cfg, err := LoadConfig(writeConfig(t, "secret: test\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Auth.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts from environment, got %d", cfg.Auth.MaxAttempts)
	}
	if cfg.Device.RelockDelay != 8*time.Second {
		t.Fatalf("expected 8s relock from environment, got %s", cfg.Device.RelockDelay)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "secret: test\nauth:\n  max_attempts: 0\n")); err == nil {
		t.Fatal("expected error for zero max_attempts")
	}
	if _, err := LoadConfig(writeConfig(t, "secret: test\npush:\n  enabled: true\n")); err == nil {
		t.Fatal("expected error for push without url")
	}
	if _, err := LoadConfig(writeConfig(t, "secret: test\nauto_open:\n  timezone: Mars/Olympus\n")); err == nil {
		t.Fatal("expected error for unknown time zone")
	}

	cfg, err := LoadConfig(writeConfig(t, "secret: test\nevents:\n  retention: 10\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Events.Retention != 100 {
		t.Fatalf("expected retention raised to 100, got %d", cfg.Events.Retention)
	}
}
