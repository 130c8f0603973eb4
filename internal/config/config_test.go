package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaschadub/Meshling/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshling.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Gateway.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Backoff.Base.Std())
	assert.Equal(t, 60*time.Second, cfg.Backoff.Ceiling.Std())
	assert.Equal(t, 10, cfg.Backoff.MaxAttempts)
	assert.True(t, cfg.Connection.AutoConnect)
	assert.Empty(t, cfg.Endpoints())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: console
gateway:
  listen_addr: "127.0.0.1:9090"
connection:
  probe_timeout: 2s
  endpoints:
    - serial: /dev/ttyUSB0
    - host: 192.168.1.77
    - host: meshtastic.local
      port: 4404
backoff:
  base: 500ms
  ceiling: 10s
  max_attempts: 4
history:
  packets: 64
  messages: 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9090", cfg.Gateway.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Connection.ProbeTimeout.Std())
	assert.Equal(t, 64, cfg.History.Packets)

	rc := cfg.BackoffConfig()
	assert.Equal(t, 500*time.Millisecond, rc.BaseDelay)
	assert.Equal(t, 10*time.Second, rc.MaxDelay)
	assert.Equal(t, 4, rc.MaxAttempts)

	eps := cfg.Endpoints()
	require.Len(t, eps, 3)
	assert.Equal(t, transport.SerialEndpoint("/dev/ttyUSB0"), eps[0])
	assert.Equal(t, transport.TCPEndpoint("192.168.1.77", 0), eps[1]) // default port
	assert.Equal(t, 4404, eps[2].Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad level":         "log: {level: loud}",
		"bad format":        "log: {format: xml}",
		"bad duration":      "connection: {probe_timeout: fast}",
		"backoff order":     "backoff: {base: 10s, ceiling: 1s}",
		"zero attempts":     "backoff: {max_attempts: 0}",
		"empty endpoint":    "connection: {endpoints: [{}]}",
		"conflicting kinds": "connection: {endpoints: [{serial: /dev/ttyUSB0, host: 10.0.0.1}]}",
		"zero history":      "history: {packets: 0}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
