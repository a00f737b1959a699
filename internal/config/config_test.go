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
	cfg.DefaultProfile = "work"
	cfg.Reconnect.BaseDelay = Duration{500 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Reconnect.BaseDelay.Duration != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", loaded.Reconnect.BaseDelay)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[server]\nurl = \"wss://chat.example/ws\"\n\n[typing]\ndebounce = \"2s\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "wss://chat.example/ws" {
		t.Errorf("URL = %q", cfg.Server.URL)
	}
	if cfg.Typing.Debounce.Duration != 2*time.Second {
		t.Errorf("Debounce = %v, want 2s", cfg.Typing.Debounce)
	}
	if cfg.Typing.Keepalive.Duration != 3*time.Second || cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("defaults not kept: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil || cfg.DefaultProfile != "main" {
		t.Errorf("LoadOrDefault() = %+v, %v", cfg, err)
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

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"http server url", func(c *Config) { c.Server.URL = "http://x/ws" }, true},
		{"ws api url", func(c *Config) { c.Server.APIURL = "ws://x" }, true},
		{"zero delay", func(c *Config) { c.Reconnect.BaseDelay = Duration{} }, true},
		{"no attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }, true},
		{"zero debounce", func(c *Config) { c.Typing.Debounce = Duration{} }, true},
		{"zero timeout", func(c *Config) { c.Send.Timeout = Duration{} }, true},
		{"zero attachment", func(c *Config) { c.Send.MaxAttachmentBytes = 0 }, true},
		{"zero buffer", func(c *Config) { c.Send.Buffer = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvServerURL, "wss://env.example/ws")
	t.Setenv(EnvUsername, "carol")
	t.Setenv(EnvToken, "")

	cfg := Default()
	cfg.Identity.Token = "keep"
	cfg.ApplyEnv()
	if cfg.Server.URL != "wss://env.example/ws" || cfg.Identity.Username != "carol" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Identity.Token != "keep" {
		t.Errorf("empty env var should not override, got %q", cfg.Identity.Token)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(dir); err != nil {
		t.Fatalf("LoadDotEnv(no file) error = %v", err)
	}

	t.Setenv(EnvAPIURL, "")
	os.Unsetenv(EnvAPIURL)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvAPIURL+"=http://dotenv:9000\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := LoadDotEnv(dir); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Server.APIURL != "http://dotenv:9000" {
		t.Errorf("APIURL = %q", cfg.Server.APIURL)
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := Default()
	cfg.Send.Timeout = Duration{time.Minute}
	sc := cfg.Session()
	if sc.Conversation.SendTimeout != time.Minute || sc.Conn.URL != cfg.Server.URL || sc.Conn.MaxAttempts != 5 {
		t.Errorf("Session() = %+v", sc)
	}
}
