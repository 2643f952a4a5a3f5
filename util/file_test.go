package util

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Relays  []string
	Token   string
	Timeout Duration
}

func TestWriteReadJson(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "config.json")
	written := &testConfig{Relays: []string{"wss://a", "wss://b"}, Token: "abc"}

	require.NoError(t, WriteJsonWithRestrictedPermission(context.Background(), file, written))

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	read := &testConfig{}
	_, err = ReadJsonWithEnvSub(file, read)
	require.NoError(t, err)
	assert.Equal(t, written.Relays, read.Relays)
	assert.Equal(t, "abc", read.Token)
}

func TestReadJsonWithEnvSub(t *testing.T) {
	t.Setenv("KB_TEST_TOKEN", "from-env")
	file := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"Token":"{{ .KB_TEST_TOKEN }}","Timeout":"90s"}`), 0o600))

	read := &testConfig{}
	_, err := ReadJsonWithEnvSub(file, read)
	require.NoError(t, err)
	assert.Equal(t, "from-env", read.Token)
	assert.Equal(t, "1m30s", read.Timeout.String())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}
