package registry

import (
	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/providers/openstack"
	"github.com/stratus-cp/stratus/pkg/providers/scs"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// DefaultBuilder returns a builder with the built-in provider kinds.
func DefaultBuilder(tel *telemetry.Telemetry) *Builder {
	b := NewBuilder(tel)
	_ = b.Register(openstack.ProviderName, openstackFactory)
	_ = b.Register(scs.ProviderName, scsFactory)
	return b
}

func openstackConfig(e ProviderEntry) (openstack.Config, error) {
	var cfg openstack.Config
	if err := e.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.Name = e.ProviderName()
	if cfg.Region == "" && len(e.Regions) == 1 {
		cfg.Region = e.Regions[0]
	}
	return cfg, nil
}

func openstackFactory(e ProviderEntry, tel *telemetry.Telemetry) (engine.Plugin, error) {
	cfg, err := openstackConfig(e)
	if err != nil {
		return nil, err
	}
	return openstack.New(cfg, tel)
}

func scsFactory(e ProviderEntry, tel *telemetry.Telemetry) (engine.Plugin, error) {
	cfg, err := openstackConfig(e)
	if err != nil {
		return nil, err
	}
	return scs.New(cfg, tel)
}
