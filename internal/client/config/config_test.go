package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"happy-sync/internal/client/conn"
	"happy-sync/internal/protocol"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile_MissingUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "credentials.yaml"), cfg.CredentialsFile)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.StateDir)
	assert.Equal(t, conn.DefaultOptions(), cfg.ConnOptions())
	assert.Equal(t, 5*time.Second, cfg.DialerSettings().WriteTimeout)
	assert.False(t, cfg.Scoped())
}

func TestLoadFile_Overrides(t *testing.T) {
	t.Setenv("SYNC_HOME", "/srv/sync")
	path := writeConfig(t, `
server_url: https://sync.example.com
credentials_file: ${SYNC_HOME}/creds.yaml
state_dir: ${SYNC_HOME}/state
client_type: machine-scoped
machine_id: m1
heartbeat_interval: 20s
heartbeat_timeout: 5s
write_timeout: 2s
retry:
  initial_delay: 2s
  max_delay: 1m
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", cfg.ServerURL)
	assert.Equal(t, "/srv/sync/creds.yaml", cfg.CredentialsFile)
	assert.Equal(t, "/srv/sync/state", cfg.StateDir)
	assert.True(t, cfg.Scoped())

	opts := cfg.ConnOptions()
	assert.Equal(t, protocol.ClientMachineScoped, opts.ClientType)
	assert.Equal(t, "m1", opts.MachineID)
	assert.Equal(t, 20*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, opts.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 2*time.Second, opts.Retry.InitialDelay)
	assert.Equal(t, time.Minute, opts.Retry.MaxDelay)
	assert.True(t, opts.Retry.Unbounded())

	dialer := cfg.DialerSettings()
	assert.Equal(t, 15*time.Second, dialer.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, dialer.WriteTimeout)
}

func TestLoadFile_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":      "server_urls: http://x\n",
		"timeout > interval": "heartbeat_interval: 5s\nheartbeat_timeout: 10s\n",
		"bad scheme":         "server_url: ftp://example.com\n",
		"scoped without id":  "client_type: session-scoped\n",
		"bad duration":       "heartbeat_interval: soon\n",
		"inverted retry":     "retry:\n  initial_delay: 10s\n  max_delay: 1s\n",
		"zero write timeout": "write_timeout: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	cfg := Default(filepath.Dir(path))
	cfg.ServerURL = "http://127.0.0.1:3005"
	cfg.HeartbeatInterval = 30 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDefaultPath_Env(t *testing.T) {
	t.Setenv(PathEnv, "/etc/happy-sync.yaml")
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/happy-sync.yaml", p)
}
