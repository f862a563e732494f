package tfstate

import (
	"testing"

	"github.com/stratus-cp/stratus/pkg/engine"
)

const sampleState = `{
  "version": 4,
  "terraform_version": "1.9.5",
  "serial": 3,
  "lineage": "b2c1",
  "resources": [
    {
      "mode": "data",
      "type": "openstack_images_image_v2",
      "name": "ubuntu",
      "provider": "provider[\"registry.terraform.io/terraform-provider-openstack/openstack\"]",
      "instances": [{"attributes": {"id": "img-1"}}]
    },
    {
      "mode": "managed",
      "type": "openstack_compute_instance_v2",
      "name": "web",
      "provider": "provider[\"registry.terraform.io/terraform-provider-openstack/openstack\"]",
      "instances": [
        {"index_key": 0, "attributes": {"id": "srv-a", "region": "RegionOne", "flavor_name": "m1.small", "access_ip_v4": "10.0.0.5"}},
        {"index_key": 1, "attributes": {"id": "srv-b", "region": "RegionOne", "flavor_name": "m1.small"}}
      ]
    },
    {
      "module": "module.net",
      "mode": "managed",
      "type": "openstack_networking_network_v2",
      "name": "main",
      "provider": "provider[\"registry.terraform.io/terraform-provider-openstack/openstack\"]",
      "instances": [{"index_key": "blue", "attributes": {"id": "net-1", "admin_state_up": true}}]
    }
  ]
}`

func TestTranslate(t *testing.T) {
	m := Mapping{
		Kinds:      map[string]string{"openstack_compute_instance_v2": "server"},
		Properties: []string{"flavor_name", "access_ip_v4", "admin_state_up"},
	}

	resources, err := FromArtifacts("svc-1", map[string]string{engine.ArtifactState: sampleState}, m)
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("expected 3 managed resources, got %d", len(resources))
	}

	net := resources[0]
	if net.Name != `module.net.openstack_networking_network_v2.main["blue"]` {
		t.Errorf("unexpected address %s", net.Name)
	}
	if net.Kind != "openstack_networking_network_v2" {
		t.Errorf("unmapped types keep their type as kind, got %s", net.Kind)
	}
	if net.Properties["admin_state_up"] != "true" {
		t.Errorf("bool attribute not copied: %v", net.Properties)
	}

	web := resources[1]
	if web.ID != "svc-1:openstack_compute_instance_v2.web[0]" {
		t.Errorf("unexpected id %s", web.ID)
	}
	if web.Kind != "server" || web.ProviderID != "srv-a" || web.Region != "RegionOne" {
		t.Errorf("unexpected resource %+v", web)
	}
	if web.Properties["access_ip_v4"] != "10.0.0.5" {
		t.Errorf("expected access ip property, got %v", web.Properties)
	}
	if _, ok := resources[2].Properties["access_ip_v4"]; ok {
		t.Error("missing attributes must not produce empty properties")
	}
}

func TestFromArtifactsErrors(t *testing.T) {
	tests := []struct {
		name      string
		artifacts map[string]string
	}{
		{"missing", map[string]string{}},
		{"blank", map[string]string{engine.ArtifactState: "  "}},
		{"malformed", map[string]string{engine.ArtifactState: "{"}},
		{"old version", map[string]string{engine.ArtifactState: `{"version":3}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromArtifacts("svc", tt.artifacts, Mapping{}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestEnrich(t *testing.T) {
	state, err := Parse([]byte(sampleState))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	resources := Translate("svc", state, Mapping{
		Enrich: func(r *engine.Resource, attrs map[string]interface{}) {
			r.Properties["seen"] = "yes"
		},
	})
	for _, r := range resources {
		if r.Properties["seen"] != "yes" {
			t.Errorf("enrich not applied to %s", r.Name)
		}
	}
}
