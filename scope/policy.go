package scope

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Policy maps operation names (tool names, JSON-RPC methods or HTTP paths) to
// their scope requirements.
type Policy struct {
	// Hierarchy overrides DefaultHierarchy when non-empty.
	Hierarchy Hierarchy `yaml:"hierarchy,omitempty"`

	// Public lists operations that bypass authentication entirely.
	Public []string `yaml:"public,omitempty"`

	// Operations holds per-operation requirements.
	Operations map[string]Requirement `yaml:"operations,omitempty"`

	// Default applies to operations not listed in Operations.
	Default Requirement `yaml:"default,omitempty"`
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read scope policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse scope policy: %w", err)
	}
	for op, req := range p.Operations {
		if slices.Contains(p.Public, op) && (!req.IsPublic() || req.Privileged) {
			return nil, fmt.Errorf("operation %q is listed as public but has a scope requirement", op)
		}
	}
	return &p, nil
}

// IsPublic reports whether the operation is whitelisted.
func (p *Policy) IsPublic(operation string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Public, operation)
}

// Requirement returns the requirement for an operation, falling back to Default.
func (p *Policy) Requirement(operation string) Requirement {
	if p == nil {
		return Requirement{}
	}
	if req, ok := p.Operations[operation]; ok {
		return req
	}
	return p.Default
}

// Engine builds an engine from the policy's hierarchy.
func (p *Policy) Engine(opts ...Option) *Engine {
	if p == nil || len(p.Hierarchy) == 0 {
		return NewEngine(nil, opts...)
	}
	return NewEngine(p.Hierarchy, opts...)
}
