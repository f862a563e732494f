package scs

import (
	"testing"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/providers/openstack"
)

func TestParseFlavor(t *testing.T) {
	tests := []struct {
		name string
		want Flavor
		ok   bool
	}{
		{"SCS-2V-4", Flavor{VCPUs: 2, CPUType: "shared", RAMGiB: 4}, true},
		{"SCS-4C-16-50s", Flavor{VCPUs: 4, CPUType: "dedicated_core", RAMGiB: 16, DiskGiB: 50, DiskType: "ssd"}, true},
		{"SCS-1L-1.5-10", Flavor{VCPUs: 1, CPUType: "low_performance", RAMGiB: 1.5, DiskGiB: 10, DiskType: "any"}, true},
		{"SCS-8T-32-2x100n", Flavor{VCPUs: 8, CPUType: "dedicated_thread", RAMGiB: 32, DiskGiB: 100, DiskType: "network"}, true},
		{"m1.small", Flavor{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFlavor(tt.name)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseFlavor(%q) = %+v, %v; want %+v, %v", tt.name, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTranslateAddsFlavorProperties(t *testing.T) {
	p, err := New(openstack.Config{AuthURL: "https://keystone.example.com/v3", ApplicationCredentialID: "id", ApplicationCredentialSecret: "s"}, nil)
	if err != nil {
		t.Fatalf("failed to create plugin: %v", err)
	}
	if p.Provider() != ProviderName {
		t.Errorf("expected provider %s, got %s", ProviderName, p.Provider())
	}
	if len(p.CredentialTypes()) != 3 {
		t.Errorf("expected 3 credential types, got %d", len(p.CredentialTypes()))
	}

	state := `{"version":4,"resources":[{"mode":"managed","type":"openstack_compute_instance_v2","name":"db",
		"instances":[{"attributes":{"id":"srv-1","flavor_name":"SCS-4V-16-50s"}}]}]}`
	resources, err := p.TranslateResources("svc-1", map[string]string{engine.ArtifactState: state})
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("expected one resource, got %d", len(resources))
	}
	props := resources[0].Properties
	if props["vcpus"] != "4" || props["ram_gib"] != "16" || props["disk_gib"] != "50" || props["disk_type"] != "ssd" {
		t.Errorf("unexpected properties %v", props)
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	if _, err := New(openstack.Config{}, nil); err == nil {
		t.Error("expected an error")
	}
}
