package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSenderConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sender_config.toml")

	cfg, err := LoadSenderConfig(path)
	if err != nil {
		t.Fatalf("load sender config: %v", err)
	}
	if cfg.MSS != 1400 || cfg.WindowSize != 10 || cfg.MaxRetries != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RetryAfter().Seconds() != 2 {
		t.Fatalf("retry after = %v", cfg.RetryAfter())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults persisted at %s: %v", path, err)
	}

	again, err := LoadSenderConfig(path)
	if err != nil {
		t.Fatalf("reload sender config: %v", err)
	}
	if again.SenderID != cfg.SenderID {
		t.Fatalf("sender id not stable across loads: %q vs %q", cfg.SenderID, again.SenderID)
	}
}

func TestSenderConfigEnvOverride(t *testing.T) {
	t.Setenv("UDPREP_SENDER_WINDOW_SIZE", "7")
	path := filepath.Join(t.TempDir(), "sender_config.toml")

	cfg, err := LoadSenderConfig(path)
	if err != nil {
		t.Fatalf("load sender config: %v", err)
	}
	if cfg.WindowSize != 7 {
		t.Fatalf("window size = %d, want 7", cfg.WindowSize)
	}
}

func TestReceiverConfigSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receiver_config.toml")

	cfg := ReceiverConfig{
		Port:            4000,
		RootDir:         dir,
		SessionCapacity: 8,
		ReorderBuffer:   5,
		SessionTTLSecs:  30,
		LingerSecs:      20,
		DropPercent:     12.5,
		DropSeed:        42,
		ReadBufferSize:  1 << 16,
		LogLevel:        "debug",
	}
	if _, err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadReceiverConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Port != 4000 || got.SessionCapacity != 8 || got.DropPercent != 12.5 || got.DropSeed != 42 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.CompletedLinger() != 20*time.Second {
		t.Fatalf("completed linger = %s", got.CompletedLinger())
	}
	if got.RootDir != dir {
		t.Fatalf("root dir = %q, want %q", got.RootDir, dir)
	}
}

func TestReceiverConfigValidate(t *testing.T) {
	cfg := ReceiverConfig{Port: 1, SessionCapacity: 1, DropPercent: 101}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected drop_percent validation error")
	}
	cfg.DropPercent = 0
	cfg.SessionCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected session_capacity validation error")
	}
}
