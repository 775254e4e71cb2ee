package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedsDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - email: user@example.com
    password: secret
    enabled: true
bridge:
  device_poll_interval: 15s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Bridge.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Bridge.StatusInterval, "unset fields keep their default")
	assert.Equal(t, "user@example.com", cfg.Accounts[0].Email)
	assert.Equal(t, byte(1), cfg.Mosquitto.QoS)
}

func TestLoadRejectsAccountWithEmptyEmail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - email: ""
    password: secret
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/bridge.yaml")
	assert.Error(t, err)
}
