// Package tfstate turns a Terraform or OpenTofu state snapshot into the
// normalized resource inventory of a service.
package tfstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/stratus-cp/stratus/pkg/engine"
)

// ErrNoState is returned when the artifacts carry no state snapshot.
var ErrNoState = errors.New("no state artifact")

// State is the subset of the version 4 state format the translator reads.
type State struct {
	Version          int        `json:"version"`
	TerraformVersion string     `json:"terraform_version"`
	Serial           int64      `json:"serial"`
	Lineage          string     `json:"lineage"`
	Resources        []Resource `json:"resources"`
}

// Resource is one resource block of a state snapshot.
type Resource struct {
	Module    string     `json:"module,omitempty"`
	Mode      string     `json:"mode"`
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	Provider  string     `json:"provider"`
	Instances []Instance `json:"instances"`
}

// Instance is one instance of a resource block.
type Instance struct {
	IndexKey   interface{}            `json:"index_key,omitempty"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Address returns the resource address of the instance, e.g.
// module.app.openstack_compute_instance_v2.web[0].
func (r Resource) Address(inst Instance) string {
	addr := r.Type + "." + r.Name
	if r.Module != "" {
		addr = r.Module + "." + addr
	}
	switch k := inst.IndexKey.(type) {
	case nil:
	case string:
		addr += "[" + strconv.Quote(k) + "]"
	case float64:
		addr += "[" + strconv.FormatFloat(k, 'f', -1, 64) + "]"
	default:
		addr += fmt.Sprintf("[%v]", k)
	}
	return addr
}

// Parse decodes a state snapshot.
func Parse(raw []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if s.Version != 4 {
		return nil, fmt.Errorf("unsupported state version %d", s.Version)
	}
	return &s, nil
}

// Mapping tells the translator how a provider's resource types look in the
// inventory.
type Mapping struct {
	// Kinds maps resource types to inventory kinds. Unmapped types keep
	// their type name as kind.
	Kinds map[string]string

	// Properties lists the attributes copied into Resource.Properties.
	Properties []string

	// Enrich, when set, adds provider-specific properties.
	Enrich func(r *engine.Resource, attrs map[string]interface{})
}

// Translate converts the managed resources of a state into inventory entries,
// ordered by address.
func Translate(serviceID string, state *State, m Mapping) []engine.Resource {
	var out []engine.Resource
	for _, res := range state.Resources {
		if res.Mode != "managed" {
			continue
		}
		kind := res.Type
		if mapped, ok := m.Kinds[res.Type]; ok {
			kind = mapped
		}
		for _, inst := range res.Instances {
			addr := res.Address(inst)
			r := engine.Resource{
				ID:         serviceID + ":" + addr,
				ServiceID:  serviceID,
				Kind:       kind,
				Name:       addr,
				ProviderID: attrString(inst.Attributes, "id"),
				Region:     attrString(inst.Attributes, "region"),
				Properties: make(map[string]string),
			}
			for _, key := range m.Properties {
				if v := attrString(inst.Attributes, key); v != "" {
					r.Properties[key] = v
				}
			}
			if m.Enrich != nil {
				m.Enrich(&r, inst.Attributes)
			}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromArtifacts translates the state artifact of a run.
func FromArtifacts(serviceID string, artifacts map[string]string, m Mapping) ([]engine.Resource, error) {
	raw, ok := artifacts[engine.ArtifactState]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrNoState
	}
	state, err := Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	return Translate(serviceID, state, m), nil
}

func attrString(attrs map[string]interface{}, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
