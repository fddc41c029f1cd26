// Package catalog describes which providers can fulfil each capability.
// Catalogs are YAML documents; ${VAR} and $VAR references are expanded from
// the environment before parsing.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

//go:embed default.yaml
var defaultCatalog []byte

// ProviderSpec describes one provider of a capability.
type ProviderSpec struct {
	Name       stage.Provider `yaml:"name"`
	Premium    bool           `yaml:"premium"`
	EstQuality float64        `yaml:"est_quality"`
	EstCost    float64        `yaml:"est_cost"`
	// Endpoint overrides the capability's adapter endpoint for this provider.
	Endpoint string `yaml:"endpoint"`
}

// CapabilitySpec lists the providers of one capability in preference order.
type CapabilitySpec struct {
	Capability stage.Capability `yaml:"capability"`
	Providers  []ProviderSpec   `yaml:"providers"`
	// Fallback is always tried after the ranked providers.
	Fallback *ProviderSpec `yaml:"fallback"`
}

type document struct {
	Capabilities []CapabilitySpec `yaml:"capabilities"`
}

// Catalog is an immutable capability -> providers index.
type Catalog struct {
	specs   map[stage.Capability]CapabilitySpec
	premium map[stage.Provider]bool
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in catalog invalid: %v", err))
	}
	return c
}

// Load reads a catalog file from fs.
func Load(fs afero.Fs, path string) (*Catalog, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	c := &Catalog{
		specs:   make(map[stage.Capability]CapabilitySpec, len(doc.Capabilities)),
		premium: make(map[stage.Provider]bool),
	}
	for _, spec := range doc.Capabilities {
		if !spec.Capability.Known() {
			return nil, fmt.Errorf("unknown capability %q", spec.Capability)
		}
		if _, dup := c.specs[spec.Capability]; dup {
			return nil, fmt.Errorf("capability %q declared twice", spec.Capability)
		}
		if len(spec.Providers) == 0 {
			return nil, fmt.Errorf("capability %q has no providers", spec.Capability)
		}
		seen := make(map[stage.Provider]bool, len(spec.Providers))
		all := spec.Providers
		if spec.Fallback != nil {
			all = append(append([]ProviderSpec(nil), spec.Providers...), *spec.Fallback)
		}
		for _, p := range all {
			if p.Name == "" {
				return nil, fmt.Errorf("capability %q: provider without name", spec.Capability)
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("capability %q: provider %q listed twice", spec.Capability, p.Name)
			}
			seen[p.Name] = true
			if p.Premium {
				c.premium[p.Name] = true
			}
		}
		c.specs[spec.Capability] = spec
	}
	return c, nil
}

// Providers returns the ranked-order alternatives for capability.
func (c *Catalog) Providers(capability stage.Capability) []ProviderSpec {
	spec, ok := c.specs[capability]
	if !ok {
		return nil
	}
	return append([]ProviderSpec(nil), spec.Providers...)
}

// Fallback returns the hard-coded fallback for capability, if any.
func (c *Catalog) Fallback(capability stage.Capability) (ProviderSpec, bool) {
	spec, ok := c.specs[capability]
	if !ok || spec.Fallback == nil {
		return ProviderSpec{}, false
	}
	return *spec.Fallback, true
}

// Lookup finds provider within capability, including its fallback.
func (c *Catalog) Lookup(capability stage.Capability, provider stage.Provider) (ProviderSpec, bool) {
	spec, ok := c.specs[capability]
	if !ok {
		return ProviderSpec{}, false
	}
	for _, p := range spec.Providers {
		if p.Name == provider {
			return p, true
		}
	}
	if spec.Fallback != nil && spec.Fallback.Name == provider {
		return *spec.Fallback, true
	}
	return ProviderSpec{}, false
}

// IsPremium reports whether provider is flagged premium in any capability.
func (c *Catalog) IsPremium(provider stage.Provider) bool {
	return c.premium[provider]
}

// Capabilities lists the capabilities the catalog covers.
func (c *Catalog) Capabilities() []stage.Capability {
	out := make([]stage.Capability, 0, len(c.specs))
	for _, st := range stage.StageTypes {
		capability, _ := st.Capability()
		if _, ok := c.specs[capability]; ok && !containsCap(out, capability) {
			out = append(out, capability)
		}
	}
	return out
}

func containsCap(list []stage.Capability, c stage.Capability) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
