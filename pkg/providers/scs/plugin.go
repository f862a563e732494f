// Package scs is the provider plugin for Sovereign Cloud Stack clouds.
//
// SCS clouds expose the OpenStack APIs, so the plugin reuses the openstack
// plugin and adds what the SCS standards define on top: standardized flavor
// names, which are decoded into the inventory, and OIDC federated logins
// through Keystone application credentials.
package scs

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/providers/openstack"
	"github.com/stratus-cp/stratus/pkg/providers/tfstate"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// ProviderName is the default provider identifier.
const ProviderName = "scs"

// CredentialTypes are the credentials an SCS cloud accepts.
var CredentialTypes = []engine.CredentialType{
	openstack.CredentialTypes[0],
	openstack.CredentialTypes[1],
	{
		Name:        "oidc_application_credential",
		Description: "application credential created from a federated OIDC login",
		Fields:      []string{"auth_url", "application_credential_id", "application_credential_secret", "identity_provider"},
	},
}

// flavorPattern matches SCS standard flavor names such as SCS-2V-4, SCS-4C-16-50
// or SCS-8T-32-100s.
var flavorPattern = regexp.MustCompile(`^SCS-(\d+)([LVTC])(i?)-(\d+(?:\.\d+)?)(u?)(o?)(?:-(\d+x)?(\d+)([ns]?))?`)

// Flavor is a decoded SCS flavor name.
type Flavor struct {
	VCPUs    int
	CPUType  string
	RAMGiB   float64
	DiskGiB  int
	DiskType string
}

var cpuTypes = map[string]string{
	"L": "low_performance",
	"V": "shared",
	"T": "dedicated_thread",
	"C": "dedicated_core",
}

// ParseFlavor decodes an SCS flavor name. ok is false for other names.
func ParseFlavor(name string) (Flavor, bool) {
	m := flavorPattern.FindStringSubmatch(name)
	if m == nil {
		return Flavor{}, false
	}
	var f Flavor
	f.VCPUs, _ = strconv.Atoi(m[1])
	f.CPUType = cpuTypes[m[2]]
	f.RAMGiB, _ = strconv.ParseFloat(m[4], 64)
	if m[8] != "" {
		f.DiskGiB, _ = strconv.Atoi(m[8])
		switch m[9] {
		case "s":
			f.DiskType = "ssd"
		case "n":
			f.DiskType = "network"
		default:
			f.DiskType = "any"
		}
	}
	return f, true
}

// Mapping is the openstack mapping plus decoded flavor properties.
var Mapping = tfstate.Mapping{
	Kinds:      openstack.Mapping.Kinds,
	Properties: openstack.Mapping.Properties,
	Enrich: func(r *engine.Resource, attrs map[string]interface{}) {
		name, _ := attrs["flavor_name"].(string)
		f, ok := ParseFlavor(name)
		if !ok {
			return
		}
		r.Properties["vcpus"] = strconv.Itoa(f.VCPUs)
		r.Properties["cpu_type"] = f.CPUType
		r.Properties["ram_gib"] = strconv.FormatFloat(f.RAMGiB, 'f', -1, 64)
		if f.DiskGiB > 0 {
			r.Properties["disk_gib"] = strconv.Itoa(f.DiskGiB)
			r.Properties["disk_type"] = f.DiskType
		}
	},
}

// New creates an SCS plugin.
func New(cfg openstack.Config, tel *telemetry.Telemetry, opts ...openstack.Option) (*openstack.Plugin, error) {
	if cfg.Name == "" {
		cfg.Name = ProviderName
	}
	opts = append([]openstack.Option{
		openstack.WithMapping(Mapping),
		openstack.WithCredentialTypes(CredentialTypes...),
	}, opts...)
	p, err := openstack.New(cfg, tel, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid scs config: %w", err)
	}
	return p, nil
}
