package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// AgentConfig configures the remote deployer service.
type AgentConfig struct {
	// Addr is the listen address for task submissions.
	Addr string `yaml:"addr" validate:"required"`

	// CallbackSecret signs outgoing callbacks.
	CallbackSecret string `yaml:"callback_secret"`

	// CallbackAttempts bounds delivery attempts per callback.
	CallbackAttempts int           `yaml:"callback_attempts" validate:"gte=1"`
	CallbackBackoff  time.Duration `yaml:"callback_backoff"`

	Executor  deployer.LocalConfig `yaml:"executor"`
	Telemetry telemetry.Config     `yaml:"telemetry"`
}

// DefaultAgentConfig returns the remote deployer defaults.
func DefaultAgentConfig() *AgentConfig {
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "stratus-deployer"
	return &AgentConfig{
		Addr:             ":8081",
		CallbackAttempts: 5,
		CallbackBackoff:  time.Second,
		Executor: deployer.LocalConfig{
			Name:        "local",
			Binary:      "terraform",
			WorkDir:     "runs",
			MaxParallel: 4,
			Timeout:     time.Hour,
		},
		Telemetry: *tel,
	}
}

// LoadAgent reads the remote deployer configuration. STRATUS_CALLBACK_SECRET
// and STRATUS_LOG_LEVEL override the file.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "CALLBACK_SECRET"); ok {
		cfg.CallbackSecret = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Telemetry.Logging.Level = v
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	return cfg, nil
}
