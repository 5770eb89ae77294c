// Package inventory implements engine.ProviderQuerier over a static YAML
// listing of provider-side resources. It backs offline runs and CI fixtures.
package inventory

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// ProviderName identifies the adapter in logs and metrics.
const ProviderName = "inventory"

// Document is the on-disk inventory format.
type Document struct {
	Resources []Resource `yaml:"resources" validate:"dive"`
}

// Resource is one provider-side resource in the inventory.
type Resource struct {
	ID   string            `yaml:"id" validate:"required"`
	Kind string            `yaml:"kind" validate:"required"`
	Name string            `yaml:"name,omitempty"`
	Tags map[string]string `yaml:"tags,omitempty"`
}

// Provider answers Find from an in-memory inventory.
type Provider struct {
	byKind map[string][]engine.ProviderResource
}

// Load reads and validates an inventory file.
func Load(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return p, nil
}

// Parse builds a provider from YAML inventory data.
func Parse(data []byte) (*Provider, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if err := validator.New().Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	return New(doc.Resources...), nil
}

// New creates a provider from resources.
func New(resources ...Resource) *Provider {
	p := &Provider{byKind: make(map[string][]engine.ProviderResource)}
	for _, r := range resources {
		name := r.Name
		if name == "" {
			name = r.Tags["Name"]
		}
		tags := make(map[string]string, len(r.Tags)+1)
		for k, v := range r.Tags {
			tags[k] = v
		}
		if _, ok := tags["Name"]; !ok && name != "" {
			tags["Name"] = name
		}
		p.byKind[r.Kind] = append(p.byKind[r.Kind], engine.ProviderResource{
			ID:   r.ID,
			Kind: r.Kind,
			Name: name,
			Tags: tags,
		})
	}
	for kind := range p.byKind {
		list := p.byKind[kind]
		sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return p
}

// Name implements engine.ProviderQuerier.
func (p *Provider) Name() string {
	return ProviderName
}

// Find returns every inventoried resource of kind whose tags satisfy selector.
func (p *Provider) Find(ctx context.Context, kind string, selector engine.Selector) ([]engine.ProviderResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewPermanentQueryError("query cancelled", err).WithCode(engine.ErrCodeCancelled)
	}
	if err := selector.Validate(); err != nil {
		return nil, err
	}

	filters := selector.TagFilters()
	var out []engine.ProviderResource
	for _, r := range p.byKind[kind] {
		if matches(r.Tags, filters) {
			out = append(out, r)
		}
	}
	return out, nil
}

func matches(tags, filters map[string]string) bool {
	for k, v := range filters {
		if got, ok := tags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

var _ engine.ProviderQuerier = (*Provider)(nil)
