package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, HistoryREST, cfg.HistoryBackend)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
	assert.Equal(t, 5*time.Second, cfg.DedupeWindow)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
	assert.Equal(t, uint32(5), cfg.BreakerMaxFailures)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHAT_TRANSPORT", "NATS")
	t.Setenv("NATS_URL", "nats://chat:4222")
	t.Setenv("CHAT_HISTORY_BACKEND", "jetstream")
	t.Setenv("CHAT_USER_ID", "alice")
	t.Setenv("TYPING_TTL", "5s")
	t.Setenv("CHAT_API_URL", "http://api/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportNATS, cfg.Transport)
	assert.Equal(t, "nats://chat:4222", cfg.NATSURL)
	assert.Equal(t, HistoryJetStream, cfg.HistoryBackend)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, "http://api", cfg.APIURL)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CHAT_USER_ID: bob\nSEND_TIMEOUT: 45s\n"), 0o600))
	t.Setenv("CHAT_CONFIG_FILE", path)
	t.Setenv("SEND_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.UserID)
	assert.Equal(t, 45*time.Second, cfg.SendTimeout)
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("CHAT_TRANSPORT", "carrier-pigeon")
	t.Setenv("CHAT_HISTORY_BACKEND", "jetstream")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown CHAT_TRANSPORT")
	assert.Contains(t, err.Error(), "CHAT_USER_ID is required")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CHAT_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
