package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.True(t, cfg.Pipeline.FailClosed)
	assert.Equal(t, 1.25, cfg.Pipeline.LowStockMultiplier)
	assert.Equal(t, 10*time.Minute, cfg.Signing.IntentTTL)
	assert.True(t, cfg.Signing.Strict)
	assert.Equal(t, 8*time.Second, cfg.External.CitationTimeout)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("COMPOUNDING_PIPELINE_FAIL_CLOSED", "false")
	t.Setenv("OPENAI_API_KEY", "sk-bare")
	t.Setenv("COMPOUNDING_JWT_SECRET", "prefixed-secret")
	t.Setenv("JWT_SECRET", "bare-secret")

	cfg, err := Load(writeConfig(t, "review:\n  provider: openai\n"))
	require.NoError(t, err)

	assert.False(t, cfg.Pipeline.FailClosed)
	assert.Equal(t, "sk-bare", cfg.Review.OpenAIAPIKey)
	assert.Equal(t, "prefixed-secret", cfg.JWT.Secret)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	_, err := Load(writeConfig(t, "pipeline:\n  max_attempts: 5\n"))
	assert.ErrorContains(t, err, "pipeline.max_attempts")

	_, err = Load(writeConfig(t, "review:\n  provider: claude\n"))
	assert.ErrorContains(t, err, "unknown review.provider")
}
