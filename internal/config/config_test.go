package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Backoff.BaseDelay)
	assert.Equal(t, 5, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Transport.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.NoAnswerTimeout)
	assert.Equal(t, 300*time.Second, cfg.Registrar.Expires)
	assert.Len(t, cfg.Media.ICEServers, 2)
	assert.Equal(t, 8080, cfg.Relay.Port)
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity: "1001"
transport:
  url: ws://relay.example.org/ws
backoff:
  base_delay: 2s
  max_attempts: 3
registrar:
  enabled: true
  host: pbx.example.org
`), 0o600))
	t.Setenv("PHONE_CREDENTIAL", "s3cret")
	t.Setenv("PHONE_BACKOFF_MAX_ATTEMPTS", "7")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1001", cfg.Identity)
	assert.Equal(t, "s3cret", cfg.Credential)
	assert.Equal(t, 2*time.Second, cfg.Backoff.BaseDelay)
	assert.Equal(t, 7, cfg.Backoff.MaxAttempts)
	assert.Equal(t, "pbx.example.org", cfg.Registrar.Host)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		cfg.Identity = "1001"
		return cfg
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Identity = "12"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = base()
	cfg.Registrar.Enabled = true
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = base()
	cfg.Media.Source = "webcam"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}
