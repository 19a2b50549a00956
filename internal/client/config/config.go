// Package config loads the sync client's YAML settings file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"happy-sync/internal/client/conn"
	"happy-sync/internal/protocol"
	"happy-sync/internal/retry"
)

// PathEnv names the variable that overrides the default config location.
const PathEnv = "HAPPY_SYNC_CONFIG"

type Config struct {
	ServerURL       string `yaml:"server_url"`
	CredentialsFile string `yaml:"credentials_file"`
	StateDir        string `yaml:"state_dir"`

	ClientType string `yaml:"client_type"`
	SessionID  string `yaml:"session_id,omitempty"`
	MachineID  string `yaml:"machine_id,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// MaxAttempts of zero keeps reconnecting forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// Default places everything under dir, usually ~/.happy-sync.
func Default(dir string) *Config {
	opts := conn.DefaultOptions()
	dialer := conn.DefaultWebsocketDialerSettings()
	return &Config{
		ServerURL:         "http://localhost:3000",
		CredentialsFile:   filepath.Join(dir, "credentials.yaml"),
		StateDir:          filepath.Join(dir, "state"),
		ClientType:        opts.ClientType,
		HeartbeatInterval: opts.HeartbeatInterval,
		HeartbeatTimeout:  opts.HeartbeatTimeout,
		ConnectTimeout:    opts.ConnectTimeout,
		WriteTimeout:      dialer.WriteTimeout,
		Retry: RetryConfig{
			InitialDelay: opts.Retry.InitialDelay,
			MaxDelay:     opts.Retry.MaxDelay,
			MaxAttempts:  opts.Retry.MaxAttempts,
		},
	}
}

// DefaultDir is ~/.happy-sync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".happy-sync"), nil
}

// DefaultPath honours HAPPY_SYNC_CONFIG, then falls back to
// ~/.happy-sync/config.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(PathEnv); p != "" {
		return p, nil
	}
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadFile reads path over the defaults. A missing file yields the defaults
// rooted next to path.
func LoadFile(path string) (*Config, error) {
	cfg := Default(filepath.Dir(path))
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// expand resolves ${HOME} style references in paths.
func (c *Config) expand() {
	c.CredentialsFile = os.ExpandEnv(c.CredentialsFile)
	c.StateDir = os.ExpandEnv(c.StateDir)
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if _, err := conn.UpdatesURL(c.ServerURL); err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if c.CredentialsFile == "" || c.StateDir == "" {
		return errors.New("credentials_file and state_dir are required")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return errors.New("retry delays must be positive with max_delay >= initial_delay")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write_timeout must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative")
	}
	return c.ConnOptions().Validate()
}

func (c *Config) ConnOptions() conn.Options {
	return conn.Options{
		ClientType:        c.ClientType,
		SessionID:         c.SessionID,
		MachineID:         c.MachineID,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		ConnectTimeout:    c.ConnectTimeout,
		Retry: retry.Policy{
			InitialDelay: c.Retry.InitialDelay,
			MaxDelay:     c.Retry.MaxDelay,
			MaxAttempts:  c.Retry.MaxAttempts,
		},
	}
}

// DialerSettings bounds the websocket handshake by connect_timeout and each
// frame write by write_timeout.
func (c *Config) DialerSettings() *conn.WebsocketDialerSettings {
	return &conn.WebsocketDialerSettings{
		HandshakeTimeout: c.ConnectTimeout,
		WriteTimeout:     c.WriteTimeout,
	}
}

// Save writes c to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Scoped reports whether the client connects on behalf of one session or
// machine rather than the whole account.
func (c *Config) Scoped() bool {
	return c.ClientType != protocol.ClientUserScoped
}
