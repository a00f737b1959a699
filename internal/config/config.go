package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/matheus3301/gochat/internal/chat"
	"github.com/matheus3301/gochat/internal/conn"
	"github.com/matheus3301/gochat/internal/conversation"
	"github.com/matheus3301/gochat/internal/typing"
)

// Environment overrides.
const (
	EnvServerURL = "GOCHAT_SERVER_URL"
	EnvAPIURL    = "GOCHAT_API_URL"
	EnvUsername  = "GOCHAT_USERNAME"
	EnvToken     = "GOCHAT_TOKEN"
	EnvProfile   = "GOCHAT_PROFILE"
)

// Config represents the global ~/.gochat/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	Server         Server    `toml:"server"`
	Identity       Identity  `toml:"identity"`
	Reconnect      Reconnect `toml:"reconnect"`
	Typing         Typing    `toml:"typing"`
	Send           Send      `toml:"send"`
}

type Server struct {
	URL    string `toml:"url"`
	APIURL string `toml:"api_url"`
}

type Identity struct {
	Username string `toml:"username"`
	Token    string `toml:"token"`
}

type Reconnect struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

type Typing struct {
	Debounce     Duration `toml:"debounce"`
	Keepalive    Duration `toml:"keepalive"`
	RemoteExpiry Duration `toml:"remote_expiry"`
}

type Send struct {
	Timeout            Duration `toml:"timeout"`
	MaxAttachmentBytes int64    `toml:"max_attachment_bytes"`
	Buffer             int      `toml:"buffer"`
}

// Duration is a time.Duration written as "3s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			URL:    "ws://localhost:8080/ws",
			APIURL: "http://localhost:8080",
		},
		Reconnect: Reconnect{
			BaseDelay:   Duration{conn.DefaultBaseDelay},
			MaxAttempts: conn.DefaultMaxAttempts,
		},
		Typing: Typing{
			Debounce:     Duration{typing.DefaultDebounce},
			Keepalive:    Duration{typing.DefaultKeepalive},
			RemoteExpiry: Duration{typing.DefaultRemoteExpiry},
		},
		Send: Send{
			Timeout:            Duration{conversation.DefaultSendTimeout},
			MaxAttachmentBytes: conversation.DefaultMaxAttachmentBytes,
			Buffer:             conn.DefaultSendBuffer,
		},
	}
}

// Load reads config from the given path over the defaults. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadDotEnv loads .env from dir if present. Variables already set in the
// environment win.
func LoadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides fields from the GOCHAT_* environment variables.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Server.URL, EnvServerURL)
	set(&c.Server.APIURL, EnvAPIURL)
	set(&c.Identity.Username, EnvUsername)
	set(&c.Identity.Token, EnvToken)
	set(&c.DefaultProfile, EnvProfile)
}

// Validate checks URLs and ranges.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url: scheme %q, want ws or wss", u.Scheme)
	}
	if c.Server.APIURL != "" {
		a, err := url.Parse(c.Server.APIURL)
		if err != nil {
			return fmt.Errorf("server.api_url: %w", err)
		}
		if a.Scheme != "http" && a.Scheme != "https" {
			return fmt.Errorf("server.api_url: scheme %q, want http or https", a.Scheme)
		}
	}
	switch {
	case c.Reconnect.BaseDelay.Duration <= 0:
		return errors.New("reconnect.base_delay must be positive")
	case c.Reconnect.MaxAttempts < 1:
		return errors.New("reconnect.max_attempts must be at least 1")
	case c.Typing.Debounce.Duration <= 0 || c.Typing.Keepalive.Duration <= 0 || c.Typing.RemoteExpiry.Duration <= 0:
		return errors.New("typing durations must be positive")
	case c.Send.Timeout.Duration <= 0:
		return errors.New("send.timeout must be positive")
	case c.Send.MaxAttachmentBytes <= 0:
		return errors.New("send.max_attachment_bytes must be positive")
	case c.Send.Buffer < 1:
		return errors.New("send.buffer must be at least 1")
	}
	return nil
}

// Session converts the file settings into per-component options.
func (c *Config) Session() chat.Config {
	return chat.Config{
		Conn: conn.Options{
			URL:         c.Server.URL,
			BaseDelay:   c.Reconnect.BaseDelay.Duration,
			MaxAttempts: c.Reconnect.MaxAttempts,
			SendBuffer:  c.Send.Buffer,
		},
		Conversation: conversation.Options{
			SendTimeout:        c.Send.Timeout.Duration,
			MaxAttachmentBytes: c.Send.MaxAttachmentBytes,
		},
		Typing: typing.Options{
			Debounce:     c.Typing.Debounce.Duration,
			Keepalive:    c.Typing.Keepalive.Duration,
			RemoteExpiry: c.Typing.RemoteExpiry.Duration,
		},
	}
}

// Credential returns the configured login, which may be empty.
func (c *Config) Credential() conn.Credential {
	return conn.Credential{Username: c.Identity.Username, Token: c.Identity.Token}
}
