package config

import (
	"fmt"
	"time"

	"github.com/rezkam/towncrier/internal/env"
)

// CtlConfig holds all configuration for the towncrierctl binary.
type CtlConfig struct {
	Database         DatabaseConfig
	OperationTimeout time.Duration `env:"TOWNCRIER_CTL_OPERATION_TIMEOUT" default:"30s"`
}

// LoadCtlConfig loads and validates CLI configuration from environment.
func LoadCtlConfig() (*CtlConfig, error) {
	cfg := &CtlConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load ctl config: %w", err)
	}

	return cfg, nil
}
