package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_EXPIRE", "")
	t.Setenv("PAYMENT_SERVER_KEY", "")

	cfg := Load()

	assert.Equal(t, "HS256", cfg.Auth.Algorithm)
	assert.Equal(t, 300*time.Second, cfg.Auth.Expiry)
	assert.Equal(t, 10*time.Second, cfg.Payment.Timeout)
	assert.Empty(t, cfg.Payment.ServerKey)
	require.NoError(t, cfg.Validate())
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("JWT_EXPIRE", "3600")
	t.Setenv("PAYMENT_TIMEOUT", "2500ms")
	t.Setenv("RATE_LIMIT_WINDOW", "junk")

	cfg := Load()

	assert.Equal(t, time.Hour, cfg.Auth.Expiry)
	assert.Equal(t, 2500*time.Millisecond, cfg.Payment.Timeout)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.Server.Env = "production"
	cfg.Auth.Secret = defaultJWTSecret
	cfg.Auth.Algorithm = "RS256"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET must be set in production")
	assert.Contains(t, err.Error(), "unsupported JWT_ALGORITHM")

	cfg.Auth.Secret = "a-real-secret"
	cfg.Auth.Algorithm = "HS256"
	assert.NoError(t, cfg.Validate())
}

func TestValidateGoogleCredentials(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "client-1")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")

	cfg := Load()
	assert.Equal(t, "client-1", cfg.OAuth.GoogleClientID)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_CLIENT_SECRET is required")

	cfg.OAuth.GoogleClientSecret = "shh"
	assert.NoError(t, cfg.Validate())
}
