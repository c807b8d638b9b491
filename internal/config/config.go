// Package config loads process-wide settings from the environment. The
// resulting Config is read-only and may be shared by any number of
// concurrently running controllers.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the settings shared by all stack controllers in one process.
type Config struct {
	// EngineBinary is the provisioning engine executable driven by the CLI
	// backend variant.
	EngineBinary string `env:"STACKLIFT_ENGINE" envDefault:"terraform"`
	// WorkDir is the root directory for per-stack working directories.
	WorkDir string `env:"STACKLIFT_WORK_DIR" envDefault:".stacklift"`
	// LogLevel selects the textual log level (debug, info, warn, error).
	LogLevel string `env:"STACKLIFT_LOG_LEVEL" envDefault:"info"`
	// RemoteToken overrides the API token from the definition's remote
	// backend declaration, when set.
	RemoteToken string `env:"STACKLIFT_REMOTE_TOKEN"`
	// ProbeTimeout bounds the remote workspace liveness probe.
	ProbeTimeout time.Duration `env:"STACKLIFT_PROBE_TIMEOUT" envDefault:"5s"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
