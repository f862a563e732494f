// Package openstack is the OpenStack provider plugin. It powers servers on
// and off through the Nova compute API and reads the resource inventory from
// the state snapshots of the openstack Terraform provider.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/providers/tfstate"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// ProviderName is the default provider identifier.
const ProviderName = "openstack"

// KindServer is the inventory kind of compute instances.
const KindServer = "server"

// Config configures the plugin. Either a username and password scoped to a
// project or an application credential is required.
type Config struct {
	// Name is the provider identifier. Defaults to "openstack".
	Name string `yaml:"name"`

	AuthURL    string `yaml:"auth_url" validate:"required,url"`
	Region     string `yaml:"region"`
	ComputeURL string `yaml:"compute_url" validate:"omitempty,url"`

	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DomainName string `yaml:"domain_name"`
	ProjectID  string `yaml:"project_id"`

	ApplicationCredentialID     string `yaml:"application_credential_id"`
	ApplicationCredentialSecret string `yaml:"application_credential_secret"`

	Timeout time.Duration `yaml:"timeout"`
}

// Validate checks that one complete credential is configured.
func (c Config) Validate() error {
	if c.AuthURL == "" {
		return errors.New("auth_url is required")
	}
	if c.ApplicationCredentialID != "" {
		if c.ApplicationCredentialSecret == "" {
			return errors.New("application_credential_secret is required")
		}
		return nil
	}
	if c.Username == "" || c.Password == "" || c.ProjectID == "" {
		return errors.New("username, password and project_id are required without an application credential")
	}
	return nil
}

// Mapping is the inventory mapping of openstack provider resource types.
var Mapping = tfstate.Mapping{
	Kinds: map[string]string{
		"openstack_compute_instance_v2":        KindServer,
		"openstack_blockstorage_volume_v3":     "volume",
		"openstack_networking_network_v2":      "network",
		"openstack_networking_subnet_v2":       "subnet",
		"openstack_networking_router_v2":       "router",
		"openstack_networking_port_v2":         "port",
		"openstack_networking_floatingip_v2":   "floating_ip",
		"openstack_networking_secgroup_v2":     "security_group",
		"openstack_lb_loadbalancer_v2":         "load_balancer",
		"openstack_objectstorage_container_v1": "container",
		"openstack_dns_zone_v2":                "dns_zone",
	},
	Properties: []string{"name", "flavor_name", "image_name", "access_ip_v4", "access_ip_v6", "size", "cidr", "address", "status"},
}

// Plugin implements engine.Plugin for OpenStack clouds.
type Plugin struct {
	name    string
	client  *client
	mapping tfstate.Mapping
	creds   []engine.CredentialType
	logger  *telemetry.Logger
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Plugin) { p.client.http = hc }
}

// WithMapping replaces the inventory mapping.
func WithMapping(m tfstate.Mapping) Option {
	return func(p *Plugin) { p.mapping = m }
}

// WithCredentialTypes replaces the advertised credential types.
func WithCredentialTypes(types ...engine.CredentialType) Option {
	return func(p *Plugin) { p.creds = types }
}

// New creates an OpenStack plugin.
func New(cfg Config, tel *telemetry.Telemetry, opts ...Option) (*Plugin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid openstack config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = ProviderName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	p := &Plugin{
		name:    cfg.Name,
		client:  newClient(cfg, nil),
		mapping: Mapping,
		creds:   CredentialTypes,
		logger:  tel.Logger.NewComponentLogger("openstack").WithProvider(cfg.Name),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// CredentialTypes are the credentials an OpenStack cloud accepts.
var CredentialTypes = []engine.CredentialType{
	{
		Name:        "password",
		Description: "Keystone user scoped to a project",
		Fields:      []string{"auth_url", "username", "password", "domain_name", "project_id"},
	},
	{
		Name:        "application_credential",
		Description: "Keystone application credential",
		Fields:      []string{"auth_url", "application_credential_id", "application_credential_secret"},
	},
}

// Provider returns the provider identifier.
func (p *Plugin) Provider() string { return p.name }

// CredentialTypes returns the accepted credential types.
func (p *Plugin) CredentialTypes() []engine.CredentialType { return p.creds }

// StartResources starts every server of the service.
func (p *Plugin) StartResources(ctx context.Context, sr engine.ServiceResources) error {
	return p.eachServer(ctx, sr, "start", map[string]interface{}{"os-start": nil})
}

// StopResources shuts off every server of the service.
func (p *Plugin) StopResources(ctx context.Context, sr engine.ServiceResources) error {
	return p.eachServer(ctx, sr, "stop", map[string]interface{}{"os-stop": nil})
}

// RestartResources soft-reboots every server of the service.
func (p *Plugin) RestartResources(ctx context.Context, sr engine.ServiceResources) error {
	return p.eachServer(ctx, sr, "reboot", map[string]interface{}{"reboot": map[string]string{"type": "SOFT"}})
}

func (p *Plugin) eachServer(ctx context.Context, sr engine.ServiceResources, verb string, action interface{}) error {
	targets := servers(sr)
	if len(targets) == 0 {
		return fmt.Errorf("service %s has no servers to %s", sr.Service.ID, verb)
	}
	for _, r := range targets {
		if err := p.client.serverAction(ctx, r.ProviderID, action); err != nil {
			return fmt.Errorf("failed to %s server %s: %w", verb, r.ProviderID, err)
		}
		p.logger.WithService(sr.Service.ID).WithField("server", r.ProviderID).Debugf("server %s requested", verb)
	}
	return nil
}

// CollectMetrics reports one server_up sample per server: 1 when Nova reports
// it ACTIVE, 0 otherwise. Servers Nova no longer knows are reported as 0.
func (p *Plugin) CollectMetrics(ctx context.Context, sr engine.ServiceResources) ([]engine.MetricSample, error) {
	var samples []engine.MetricSample
	for _, r := range servers(sr) {
		status := "MISSING"
		srv, err := p.client.getServer(ctx, r.ProviderID)
		switch {
		case errors.Is(err, ErrServerNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to read server %s: %w", r.ProviderID, err)
		default:
			status = srv.Status
		}
		value := 0.0
		if status == "ACTIVE" {
			value = 1
		}
		samples = append(samples, engine.MetricSample{
			Name:       "server_up",
			ResourceID: r.ID,
			Value:      value,
			Labels:     map[string]string{"status": status, "provider": p.name},
			Timestamp:  time.Now().UTC(),
		})
	}
	return samples, nil
}

// TranslateResources reads the inventory from the state artifact.
func (p *Plugin) TranslateResources(serviceID string, artifacts map[string]string) ([]engine.Resource, error) {
	return tfstate.FromArtifacts(serviceID, artifacts, p.mapping)
}

func servers(sr engine.ServiceResources) []engine.Resource {
	var out []engine.Resource
	for _, r := range sr.Resources {
		if r.Kind == KindServer && r.ProviderID != "" {
			out = append(out, r)
		}
	}
	return out
}

var _ engine.Plugin = (*Plugin)(nil)
