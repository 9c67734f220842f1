package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8082", c.Server.Listen)
	assert.Equal(t, "mysql", c.Database.Driver)
	assert.Equal(t, 24*time.Hour, c.Auth.TokenTTL)
	assert.Equal(t, 10*time.Second, c.Realtime.PingInterval)
	assert.Equal(t, 10*time.Second, c.Client.RequestCeiling)
	assert.Equal(t, 8*time.Second, c.Client.CallTimeout)
	assert.Equal(t, 200, c.Client.HistoryLimit)
	assert.Equal(t, 3, c.Client.Reconnect.Attempts)
	assert.Same(t, c, Get())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
database:
  driver: sqlite
  path: /tmp/chat.db
client:
  history_limit: 50
  reconnect:
    attempts: 0
`), 0o600))
	t.Setenv("CHATSYNC_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("CHATSYNC_CLIENT_CALL_TIMEOUT", "2s")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Server.Listen)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, "/tmp/chat.db", c.Database.Path)
	assert.Equal(t, 50, c.Client.HistoryLimit)
	assert.Equal(t, 0, c.Client.Reconnect.Attempts)
	assert.Equal(t, "s3cret", c.Auth.JWTSecret)
	assert.Equal(t, 2*time.Second, c.Client.CallTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDialector_Unsupported(t *testing.T) {
	_, err := Dialector(DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
