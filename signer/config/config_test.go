package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybunker/keybunker/recovery/client"
)

func TestLoad_Defaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, DefaultRelays, config.Relays)
	assert.Equal(t, DefaultListenAddress, config.HttpConfig.ListenAddress)
	assert.Equal(t, 10*time.Minute, config.PendingTTL.Duration)
	assert.Equal(t, 5*time.Second, config.AuthChallengeDelay.Duration)
	assert.Equal(t, time.Hour, config.SyncInterval.Duration)
	assert.Equal(t, time.Second, config.InitialBackoff.Duration)
	assert.Equal(t, time.Minute, config.MaxBackoff.Duration)
	assert.Equal(t, client.DefaultMinPow, config.MinPow)
	assert.Equal(t, client.DefaultMaxPow, config.MaxPow)
	assert.NotEmpty(t, config.Datadir)
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("KB_TEST_RELAY", "wss://relay.example")
	file := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"Relays": ["{{ .KB_TEST_RELAY }}"],
		"AuthURL": "https://auth.example/confirm",
		"RecoveryURL": "https://recovery.example",
		"PendingTTL": "2m",
		"MaxBackoff": "30s",
		"HttpConfig": {"AuthToken": "secret"}
	}`
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))

	config, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://relay.example"}, config.Relays)
	assert.Equal(t, 2*time.Minute, config.PendingTTL.Duration)
	assert.Equal(t, "secret", config.HttpConfig.AuthToken)
	assert.Equal(t, DefaultListenAddress, config.HttpConfig.ListenAddress)

	dc := config.DaemonConfig()
	assert.Equal(t, "https://auth.example/confirm", dc.Server.AuthURL)
	assert.Equal(t, 30*time.Second, dc.MaxBackoff)
	assert.Equal(t, 2*time.Minute, dc.PendingTTL)
	assert.Equal(t, "https://recovery.example", dc.Recovery.URL)
	assert.Equal(t, client.DefaultMinPow, dc.Recovery.MinPow)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "pow.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"MinPow": 25, "MaxPow": 20}`), 0600))
	_, err := Load(file)
	assert.Error(t, err)

	file = filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"Relays": `), 0600))
	_, err = Load(file)
	assert.Error(t, err)
}

func TestSave(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "config.json")
	config, err := Load(file)
	require.NoError(t, err)
	config.HttpConfig.AuthToken = "generated"

	require.NoError(t, Save(context.Background(), file, config))
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)
}
