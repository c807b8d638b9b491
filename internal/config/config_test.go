package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "terraform", cfg.EngineBinary)
	assert.Equal(t, ".stacklift", cfg.WorkDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STACKLIFT_ENGINE", "tofu")
	t.Setenv("STACKLIFT_LOG_LEVEL", "debug")
	t.Setenv("STACKLIFT_REMOTE_TOKEN", "tok-123")
	t.Setenv("STACKLIFT_PROBE_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tofu", cfg.EngineBinary)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "tok-123", cfg.RemoteToken)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeTimeout)
}
