// Package registry maps agents to their declared capabilities and decision
// types to the capabilities they require. The registry is loaded once at
// startup from YAML and is read-only afterwards, so concurrent reads need no
// locking.
package registry

import (
	"fmt"
	"io/fs"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/suokelife/concord/internal/model"
	"github.com/suokelife/concord/templates"
)

// DefaultFile is the embedded capability configuration.
const DefaultFile = "capabilities.yaml"

type agentConfig struct {
	Capabilities []model.Capability `yaml:"capabilities"`
	Weight       float64            `yaml:"weight"`
}

type decisionConfig struct {
	RequiredCapabilities []model.Capability `yaml:"required_capabilities"`
	WeightOverrides      map[string]float64 `yaml:"weight_overrides"`
}

type fileConfig struct {
	DefaultWeight float64                   `yaml:"default_weight"`
	Agents        map[string]agentConfig    `yaml:"agents"`
	DecisionTypes map[string]decisionConfig `yaml:"decision_types"`
}

// Registry is the static capability and weight configuration.
type Registry struct {
	agents        map[string]map[model.Capability]bool
	required      map[model.DecisionType][]model.Capability
	baseWeights   map[string]float64
	overrides     map[model.DecisionType]map[string]float64
	defaultWeight float64
}

// Load parses a registry from one YAML file in fsys.
func Load(fsys fs.FS, name string) (*Registry, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", name, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", name, err)
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("registry: %s declares no agents", name)
	}

	r := &Registry{
		agents:        make(map[string]map[model.Capability]bool, len(cfg.Agents)),
		required:      make(map[model.DecisionType][]model.Capability, len(cfg.DecisionTypes)),
		baseWeights:   make(map[string]float64, len(cfg.Agents)),
		overrides:     make(map[model.DecisionType]map[string]float64),
		defaultWeight: cfg.DefaultWeight,
	}
	if r.defaultWeight <= 0 {
		r.defaultWeight = 0.1
	}

	for agentID, a := range cfg.Agents {
		caps := make(map[model.Capability]bool, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps[c] = true
		}
		r.agents[agentID] = caps
		if a.Weight > 0 {
			r.baseWeights[agentID] = a.Weight
		}
	}

	for name, d := range cfg.DecisionTypes {
		dt := model.DecisionType(name)
		if !dt.Valid() {
			return nil, fmt.Errorf("registry: unknown decision type %q", name)
		}
		r.required[dt] = d.RequiredCapabilities
		if len(d.WeightOverrides) > 0 {
			r.overrides[dt] = d.WeightOverrides
		}
	}
	return r, nil
}

// LoadDefault loads the embedded configuration.
func LoadDefault() (*Registry, error) {
	return Load(templates.FS, DefaultFile)
}

// Agents returns all registered agent IDs, sorted.
func (r *Registry) Agents() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentCapabilities returns the capabilities an agent declares, sorted.
func (r *Registry) AgentCapabilities(agentID string) []model.Capability {
	caps := make([]model.Capability, 0, len(r.agents[agentID]))
	for c := range r.agents[agentID] {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// RequiredCapabilities returns the capability set a decision type requires.
func (r *Registry) RequiredCapabilities(dt model.DecisionType) []model.Capability {
	return r.required[dt]
}

// CapableAgents returns agents holding at least one capability required by the
// decision type, sorted.
func (r *Registry) CapableAgents(dt model.DecisionType) []string {
	var out []string
	for agentID, caps := range r.agents {
		for _, req := range r.required[dt] {
			if caps[req] {
				out = append(out, agentID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Weight returns the consensus weight of an agent for a decision type:
// per-type override, then base weight, then the default.
func (r *Registry) Weight(agentID string, dt model.DecisionType) float64 {
	if ov, ok := r.overrides[dt]; ok {
		if w, ok := ov[agentID]; ok {
			return w
		}
	}
	if w, ok := r.baseWeights[agentID]; ok {
		return w
	}
	return r.defaultWeight
}
