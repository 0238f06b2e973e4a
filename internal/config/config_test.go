package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAILFOLD_AUTH_JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "data/mailfold.db", cfg.DB.Path)
	assert.Equal(t, "MAIL_EVENTS", cfg.NATS.Stream)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenExpiry)
	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, 5, cfg.Sync.FetchWorkers)
	assert.Equal(t, 30*time.Second, cfg.Sync.CallTimeout)
	assert.Contains(t, cfg.Gmail.Scopes, "https://www.googleapis.com/auth/gmail.readonly")
	assert.Contains(t, cfg.Outlook.Scopes, "offline_access")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAILFOLD_AUTH_JWT_SECRET", testSecret)
	t.Setenv("MAILFOLD_SERVER_PORT", "9090")
	t.Setenv("MAILFOLD_LOG_LEVEL", "debug")
	t.Setenv("MAILFOLD_SYNC_PAGE_SIZE", "25")
	t.Setenv("MAILFOLD_GMAIL_CLIENT_ID", "gmail-client")
	t.Setenv("MAILFOLD_NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 25, cfg.Sync.PageSize)
	assert.Equal(t, "gmail-client", cfg.Gmail.ClientID)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("MAILFOLD_AUTH_JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoadJWKSSkipsSecretCheck(t *testing.T) {
	t.Setenv("MAILFOLD_AUTH_JWT_SECRET", "")
	t.Setenv("MAILFOLD_AUTH_JWKS_URL", "https://issuer.example.com/jwks.json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com/jwks.json", cfg.Auth.JWKSURL)
}

func TestLoadRejectsZeroRate(t *testing.T) {
	t.Setenv("MAILFOLD_AUTH_JWT_SECRET", testSecret)
	t.Setenv("MAILFOLD_SYNC_RATE_PER_SECOND", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_per_second")
}

func TestLoadRejectsBadPageSize(t *testing.T) {
	t.Setenv("MAILFOLD_AUTH_JWT_SECRET", testSecret)
	t.Setenv("MAILFOLD_SYNC_PAGE_SIZE", "500")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_size")
}
