package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stratus-cp/stratus/pkg/callbacks"
	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STRATUS_"

// Config is the control-plane daemon configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Deployers DeployersConfig  `yaml:"deployers"`
	Callbacks callbacks.Config `yaml:"callbacks"`
	Registry  RegistryConfig   `yaml:"registry"`
	Workflow  WorkflowConfig   `yaml:"workflow"`
	Sweep     SweepConfig      `yaml:"sweep"`
	Schemas   SchemasConfig    `yaml:"schemas"`
	Redis     RedisConfig      `yaml:"redis"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig selects the Order Store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`

	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`

	// AutoMigrate applies pending migrations when the daemon starts.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// GatewayConfig configures the Deployer Gateway.
type GatewayConfig struct {
	// Correlations selects where correlation entries live: "store" shares the
	// Order Store, "redis" shares them across replicas.
	Correlations string `yaml:"correlations" validate:"required,oneof=store memory redis"`

	// DefaultDeployer is used by orders that name no deployer.
	DefaultDeployer string `yaml:"default_deployer" validate:"required"`
}

// DeployersConfig lists the executors the gateway routes to.
type DeployersConfig struct {
	Local  *deployer.LocalConfig   `yaml:"local"`
	Remote []deployer.RemoteConfig `yaml:"remote" validate:"dive"`
}

// RegistryConfig points at the provider manifest.
type RegistryConfig struct {
	Manifest string        `yaml:"manifest" validate:"required"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// WorkflowConfig holds workflow policy. It is fixed at startup.
type WorkflowConfig struct {
	// MaxRetries is the number of retries per phase after the first attempt.
	// Zero selects the engine default of 2.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// SweepConfig configures the stale order sweep.
type SweepConfig struct {
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`
	Interval   time.Duration `yaml:"interval" validate:"gt=0"`

	// RepairAfter is how long a workflow phase may make no progress before the
	// sweep relaunches it.
	RepairAfter time.Duration `yaml:"repair_after" validate:"gte=0"`
}

// SchemasConfig points at operator payload schemas that tighten the built-in ones.
type SchemasConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the Redis correlation store.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a configuration that runs a single-node control plane
// with a local terraform executor.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        "stratus.db",
			BusyTimeout: 5 * time.Second,
			AutoMigrate: true,
		},
		Gateway: GatewayConfig{
			Correlations:    "store",
			DefaultDeployer: "local",
		},
		Deployers: DeployersConfig{
			Local: &deployer.LocalConfig{
				Name:        "local",
				Binary:      "terraform",
				WorkDir:     "runs",
				MaxParallel: 4,
				Timeout:     time.Hour,
			},
		},
		Callbacks: callbacks.Config{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Manifest: "providers.yaml",
			Watch:    true,
			Debounce: 500 * time.Millisecond,
		},
		Workflow: WorkflowConfig{MaxRetries: 2},
		Sweep: SweepConfig{
			StaleAfter:  2 * time.Hour,
			Interval:    5 * time.Minute,
			RepairAfter: time.Minute,
		},
		Redis: RedisConfig{
			KeyPrefix: "stratus:corr",
			TTL:       7 * 24 * time.Hour,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults and applies
// environment overrides. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(raw []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"CORRELATIONS", func(c *Config, v string) error { c.Gateway.Correlations = v; return nil }},
	{"DEFAULT_DEPLOYER", func(c *Config, v string) error { c.Gateway.DefaultDeployer = v; return nil }},
	{"CALLBACK_ADDR", func(c *Config, v string) error { c.Callbacks.Addr = v; return nil }},
	{"CALLBACK_SECRET", func(c *Config, v string) error { c.Callbacks.Secret = v; return nil }},
	{"MANIFEST", func(c *Config, v string) error { c.Registry.Manifest = v; return nil }},
	{"REDIS_URL", func(c *Config, v string) error { c.Redis.URL = v; return nil }},
	{"MAX_RETRIES", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Workflow.MaxRetries = n
		return nil
	}},
	{"STALE_AFTER", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Sweep.StaleAfter = d
		return nil
	}},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
}

// ApplyEnv applies STRATUS_* environment overrides.
func (c *Config) ApplyEnv() error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

// Validate checks struct constraints and the references between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	names := c.DeployerNames()
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == deployer.InternalExecutorName {
			return fmt.Errorf("invalid config: deployer name %q is reserved", name)
		}
		if seen[name] {
			return fmt.Errorf("invalid config: duplicate deployer %q", name)
		}
		seen[name] = true
	}
	if !seen[c.Gateway.DefaultDeployer] {
		return fmt.Errorf("invalid config: default deployer %q is not configured", c.Gateway.DefaultDeployer)
	}
	if c.Gateway.Correlations == "redis" && c.Redis.URL == "" {
		return errors.New("invalid config: redis correlations need redis.url")
	}
	if c.Gateway.Correlations == "store" && c.Store.Driver != "sqlite" {
		return errors.New("invalid config: store correlations need the sqlite store")
	}
	return nil
}

// DeployerNames lists the configured executor names, local first.
func (c *Config) DeployerNames() []string {
	var names []string
	if c.Deployers.Local != nil {
		name := c.Deployers.Local.Name
		if name == "" {
			name = "local"
		}
		names = append(names, name)
	}
	for _, r := range c.Deployers.Remote {
		names = append(names, r.Name)
	}
	return names
}
