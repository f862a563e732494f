package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stratus-cp/stratus/pkg/deployer"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.Workflow.MaxRetries != 2 {
		t.Errorf("expected 2 retries per phase, got %d", cfg.Workflow.MaxRetries)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "stratus.yaml", `
store:
  path: /var/lib/stratus/stratus.db
gateway:
  correlations: redis
  default_deployer: eu-west
deployers:
  remote:
    - name: eu-west
      endpoint: https://deployer.example.com
      callback_base_url: https://stratus.example.com
redis:
  url: redis://localhost:6379/0
sweep:
  stale_after: 30m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Store.Path != "/var/lib/stratus/stratus.db" || cfg.Store.Driver != "sqlite" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Sweep.StaleAfter != 30*time.Minute || cfg.Sweep.Interval != 5*time.Minute {
		t.Errorf("unexpected sweep config %+v", cfg.Sweep)
	}
	if got := cfg.DeployerNames(); len(got) != 2 || got[0] != "local" || got[1] != "eu-west" {
		t.Errorf("unexpected deployers %v", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "stratus.yaml", "store:\n  pth: typo.db\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STRATUS_STORE_PATH", "/tmp/env.db")
	t.Setenv("STRATUS_MAX_RETRIES", "5")
	t.Setenv("STRATUS_CALLBACK_SECRET", "s3cret")
	t.Setenv("STRATUS_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("failed to apply env: %v", err)
	}
	if cfg.Store.Path != "/tmp/env.db" || cfg.Workflow.MaxRetries != 5 {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Store, cfg.Workflow)
	}
	if cfg.Callbacks.Secret != "s3cret" {
		t.Error("callback secret not applied")
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Telemetry.Logging.Level)
	}

	t.Setenv("STRATUS_MAX_RETRIES", "many")
	if err := DefaultConfig().ApplyEnv(); err == nil || !strings.Contains(err.Error(), "STRATUS_MAX_RETRIES") {
		t.Errorf("expected a STRATUS_MAX_RETRIES error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown default deployer", func(c *Config) { c.Gateway.DefaultDeployer = "nowhere" }},
		{"redis without url", func(c *Config) { c.Gateway.Correlations = "redis" }},
		{"store correlations on memory store", func(c *Config) { c.Store.Driver = "memory" }},
		{"reserved deployer name", func(c *Config) { c.Deployers.Local.Name = "internal" }},
		{"duplicate deployer", func(c *Config) {
			c.Deployers.Remote = []deployer.RemoteConfig{{
				Name: "local", Endpoint: "https://d.example.com", CallbackBaseURL: "https://s.example.com",
			}}
		}},
		{"remote without endpoint", func(c *Config) {
			c.Deployers.Remote = []deployer.RemoteConfig{{Name: "eu", CallbackBaseURL: "https://s.example.com"}}
		}},
		{"negative retries", func(c *Config) { c.Workflow.MaxRetries = -1 }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"no manifest", func(c *Config) { c.Registry.Manifest = "" }},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadAgent(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
addr: ":9090"
executor:
  binary: tofu
  work_dir: /srv/runs
`)
	t.Setenv("STRATUS_CALLBACK_SECRET", "s3cret")
	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("failed to load agent config: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Executor.Binary != "tofu" || cfg.Executor.WorkDir != "/srv/runs" {
		t.Errorf("unexpected agent config %+v", cfg)
	}
	if cfg.CallbackSecret != "s3cret" || cfg.CallbackAttempts != 5 {
		t.Errorf("unexpected callback settings %+v", cfg)
	}

	bad := writeFile(t, "agent.yaml", "addr: \"\"\n")
	if _, err := LoadAgent(bad); err == nil {
		t.Error("expected an error for an empty address")
	}
}
