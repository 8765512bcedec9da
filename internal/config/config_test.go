package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.Token = "vk1.a.secret"
	cfg.Poll.WaitSeconds = 10
	cfg.Users.TTL = Duration(time.Hour)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Token != "vk1.a.secret" {
		t.Errorf("Token = %q, want vk1.a.secret", loaded.Token)
	}
	if loaded.Poll.WaitSeconds != 10 {
		t.Errorf("Poll.WaitSeconds = %d, want 10", loaded.Poll.WaitSeconds)
	}
	if loaded.Users.TTL.Std() != time.Hour {
		t.Errorf("Users.TTL = %v, want 1h", loaded.Users.TTL.Std())
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("token = \"abc\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Poll.WaitSeconds != 25 {
		t.Errorf("Poll.WaitSeconds = %d, want default 25", loaded.Poll.WaitSeconds)
	}
	if loaded.Dispatch.HandlerTimeout.Std() != 30*time.Second {
		t.Errorf("HandlerTimeout = %v, want default 30s", loaded.Dispatch.HandlerTimeout.Std())
	}
	if loaded.Retry.BufferCapacity != 1000 {
		t.Errorf("BufferCapacity = %d, want default 1000", loaded.Retry.BufferCapacity)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestValidateRejectsBadKnobs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero wait", func(c *Config) { c.Poll.WaitSeconds = 0 }},
		{"zero reconnect budget", func(c *Config) { c.Poll.MaxReconnectAttempts = 0 }},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"zero buffer", func(c *Config) { c.Retry.BufferCapacity = 0 }},
		{"oversized batch", func(c *Config) { c.Users.BatchSize = 5000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
