// Package registry resolves provider identifiers to plugins.
//
// The provider table is immutable once built: Replace constructs a new table
// and swaps it in atomically, so a Resolve never observes a half-updated set.
// Tables are usually built from a YAML manifest, which a Watcher reloads when
// the file changes.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/stratus-cp/stratus/pkg/engine"
)

// Info describes a registered provider.
type Info struct {
	Provider        string                  `json:"provider"`
	CredentialTypes []engine.CredentialType `json:"credential_types"`
}

type table struct {
	plugins map[string]engine.Plugin
}

// Registry is the provider table used at admission and by the correlator.
type Registry struct {
	current atomic.Pointer[table]
}

// New creates a registry holding the given plugins.
func New(plugins ...engine.Plugin) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(plugins...); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the provider table. On error the current table is kept.
func (r *Registry) Replace(plugins ...engine.Plugin) error {
	t, err := buildTable(plugins)
	if err != nil {
		return err
	}
	r.current.Store(t)
	return nil
}

// Resolve returns the plugin registered for provider.
func (r *Registry) Resolve(provider string) (engine.Plugin, error) {
	t := r.current.Load()
	if t != nil {
		if p, ok := t.plugins[provider]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("provider %q: %w", provider, engine.ErrNotFound)
}

// List describes the registered providers, sorted by name.
func (r *Registry) List() []Info {
	t := r.current.Load()
	if t == nil {
		return nil
	}
	infos := make([]Info, 0, len(t.plugins))
	for name, p := range t.plugins {
		infos = append(infos, Info{Provider: name, CredentialTypes: p.CredentialTypes()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Provider < infos[j].Provider })
	return infos
}

func buildTable(plugins []engine.Plugin) (*table, error) {
	t := &table{plugins: make(map[string]engine.Plugin, len(plugins))}
	for _, p := range plugins {
		if err := validatePlugin(p); err != nil {
			return nil, err
		}
		name := p.Provider()
		if _, exists := t.plugins[name]; exists {
			return nil, fmt.Errorf("provider %s registered twice: %w", name, engine.ErrAlreadyExists)
		}
		t.plugins[name] = p
	}
	return t, nil
}

// validatePlugin rejects plugins that cannot describe themselves. The method
// set itself is enforced by engine.Plugin.
func validatePlugin(p engine.Plugin) error {
	if p == nil {
		return errors.New("nil plugin")
	}
	if p.Provider() == "" {
		return errors.New("plugin has no provider identifier")
	}
	creds := p.CredentialTypes()
	if len(creds) == 0 {
		return fmt.Errorf("provider %s declares no credential types", p.Provider())
	}
	for _, c := range creds {
		if c.Name == "" || len(c.Fields) == 0 {
			return fmt.Errorf("provider %s has an incomplete credential type %q", p.Provider(), c.Name)
		}
	}
	return nil
}

var _ engine.PluginRegistry = (*Registry)(nil)
