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
	cfg, err := LoadFiles(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Recovery.Strategy)
	assert.Equal(t, 300*time.Second, cfg.Monitoring.WindowDuration)
	assert.Equal(t, 1000, cfg.Monitoring.MaxSamples)
	assert.Equal(t, "memory", cfg.Recovery.FallbackBackend)
	assert.Equal(t, "docker", cfg.Container.Binary)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, 120*time.Second, cfg.Server.WriteTimeout)
	assert.GreaterOrEqual(t, cfg.Server.WriteTimeout, cfg.MinWriteTimeout())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RECOVERY_MAX_ATTEMPTS", "5")
	t.Setenv("RECOVERY_BASE_DELAY", "250ms")
	t.Setenv("RECOVERY_STRATEGY", "Linear")
	t.Setenv("FALLBACK_BACKEND", "redis")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000, https://ops.example.com,")

	cfg, err := LoadFiles()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Recovery.BaseDelay)
	assert.Equal(t, "linear", cfg.Recovery.Strategy)
	assert.Equal(t, "redis", cfg.Recovery.FallbackBackend)
	assert.Equal(t, "0.0.0.0:9000", cfg.ServerAddr())
	assert.Equal(t, []string{"http://localhost:3000", "https://ops.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CONTAINER_IMAGE=node:22-alpine\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("CONTAINER_IMAGE") })

	cfg, err := LoadFiles(path)
	require.NoError(t, err)
	assert.Equal(t, "node:22-alpine", cfg.Container.Image)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero attempts", "RECOVERY_MAX_ATTEMPTS", "0"},
		{"unknown strategy", "RECOVERY_STRATEGY", "random"},
		{"unknown fallback backend", "FALLBACK_BACKEND", "memcached"},
		{"relative work dir", "CONTAINER_WORK_DIR", "workspace"},
		{"max delay below base", "RECOVERY_MAX_DELAY", "10ms"},
		{"write timeout below execution budget", "SERVER_WRITE_TIMEOUT", "30s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadFiles()
			assert.Error(t, err)
		})
	}
}

func TestValidateWriteTimeoutFollowsContainerTimeout(t *testing.T) {
	t.Setenv("CONTAINER_DEFAULT_TIMEOUT", "60s")
	t.Setenv("SERVER_WRITE_TIMEOUT", "120s")
	_, err := LoadFiles()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write timeout")

	t.Setenv("SERVER_WRITE_TIMEOUT", "150s")
	cfg, err := LoadFiles()
	require.NoError(t, err)
	assert.Equal(t, 150*time.Second, cfg.MinWriteTimeout())
}
