package registry

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// Manifest lists the providers a control plane enables.
//
//	providers:
//	  - name: openstack-eu
//	    kind: openstack
//	    regions: [RegionOne]
//	    config:
//	      auth_url: https://keystone.example.com/v3
//	      application_credential_id: ...
type Manifest struct {
	Providers []ProviderEntry `yaml:"providers" validate:"dive"`
}

// ProviderEntry enables one provider.
type ProviderEntry struct {
	// Name is the provider identifier. Defaults to Kind.
	Name string `yaml:"name"`

	// Kind selects the plugin factory.
	Kind string `yaml:"kind" validate:"required"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Regions lists the regions orders may target. Empty allows any.
	Regions []string `yaml:"regions"`

	// Config is decoded by the plugin factory.
	Config yaml.Node `yaml:"config"`
}

// IsEnabled reports whether the entry is enabled.
func (e ProviderEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ProviderName returns the provider identifier.
func (e ProviderEntry) ProviderName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Kind
}

// Decode decodes the entry's config block into v.
func (e ProviderEntry) Decode(v interface{}) error {
	if e.Config.Kind == 0 {
		return nil
	}
	return e.Config.Decode(v)
}

var validate = validator.New()

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Providers))
	for _, e := range m.Providers {
		if seen[e.ProviderName()] {
			return nil, fmt.Errorf("invalid manifest: provider %s listed twice", e.ProviderName())
		}
		seen[e.ProviderName()] = true
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Factory builds a plugin from a manifest entry.
type Factory func(entry ProviderEntry, tel *telemetry.Telemetry) (engine.Plugin, error)

// Builder turns manifests into plugins using factories registered by kind.
type Builder struct {
	factories map[string]Factory
	tel       *telemetry.Telemetry
}

// NewBuilder creates a builder without factories.
func NewBuilder(tel *telemetry.Telemetry) *Builder {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Builder{factories: make(map[string]Factory), tel: tel}
}

// Register adds a factory for kind.
func (b *Builder) Register(kind string, f Factory) error {
	if _, exists := b.factories[kind]; exists {
		return fmt.Errorf("factory for %s registered twice: %w", kind, engine.ErrAlreadyExists)
	}
	b.factories[kind] = f
	return nil
}

// Kinds lists the registered factory kinds.
func (b *Builder) Kinds() []string {
	kinds := make([]string, 0, len(b.factories))
	for k := range b.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Build creates the plugins of every enabled manifest entry.
func (b *Builder) Build(m *Manifest) ([]engine.Plugin, error) {
	var plugins []engine.Plugin
	for _, e := range m.Providers {
		if !e.IsEnabled() {
			continue
		}
		f, ok := b.factories[e.Kind]
		if !ok {
			return nil, fmt.Errorf("provider %s: unknown kind %q", e.ProviderName(), e.Kind)
		}
		p, err := f(e, b.tel)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", e.ProviderName(), err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}
