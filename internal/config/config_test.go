package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("AUTO_SYNC_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.AutoSyncInterval)
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAIBaseURL)
}

func TestLoadParsesDurations(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	t.Run("go duration string", func(t *testing.T) {
		t.Setenv("AUTO_SYNC_INTERVAL", "90s")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, cfg.AutoSyncInterval)
	})

	t.Run("bare integer is seconds", func(t *testing.T) {
		t.Setenv("AUTO_SYNC_INTERVAL", "120")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 120*time.Second, cfg.AutoSyncInterval)
	})

	t.Run("garbage falls back", func(t *testing.T) {
		t.Setenv("AUTO_SYNC_INTERVAL", "soon")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, cfg.AutoSyncInterval)
	})
}

func TestLoadProductionRequiresGoogleOAuth(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	_, err = Load()
	assert.NoError(t, err)
}
