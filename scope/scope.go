package scope

import (
	"slices"
	"strings"
)

const (
	// Wildcard is the suffix that turns a scope into a prefix pattern.
	Wildcard = ":*"

	// Admin is the default privileged scope.
	Admin = "admin"
)

// Hierarchy maps a coarse-grained scope to the scopes it implies.
type Hierarchy map[string][]string

// DefaultHierarchy is the hierarchy used when none is configured.
var DefaultHierarchy = Hierarchy{
	"admin": {"user", "read", "write"},
	"mcp":   {"mcp:list", "mcp:call"},
}

// Requirement declares the scopes an operation needs.
// Required is a conjunction, AnyOf a disjunction. A requirement with neither is
// public. Privileged additionally demands the engine's privileged scope and is
// only enforced by Engine.Authorize.
type Requirement struct {
	Required   []string `yaml:"required,omitempty" json:"required,omitempty"`
	AnyOf      []string `yaml:"anyOf,omitempty" json:"anyOf,omitempty"`
	Privileged bool     `yaml:"privileged,omitempty" json:"privileged,omitempty"`
}

// IsPublic reports whether the requirement names no scopes.
func (r Requirement) IsPublic() bool {
	return len(r.Required) == 0 && len(r.AnyOf) == 0
}

// MissingKind identifies which clause of a requirement was not satisfied.
type MissingKind string

const (
	MissingNone       MissingKind = ""
	MissingRequired   MissingKind = "required"
	MissingAnyOf      MissingKind = "anyOf"
	MissingPrivileged MissingKind = "privileged"
)

// Missing is the result of MissingScopes.
type Missing struct {
	Scopes []string
	Kind   MissingKind
}

// Engine evaluates scope requirements against granted scopes.
// An Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	hierarchy  Hierarchy
	privileged string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrivilegedScope overrides the scope demanded by privileged requirements.
func WithPrivilegedScope(s string) Option {
	return func(e *Engine) {
		if s != "" {
			e.privileged = s
		}
	}
}

// NewEngine creates an engine for the given hierarchy. A nil hierarchy
// selects DefaultHierarchy.
func NewEngine(h Hierarchy, opts ...Option) *Engine {
	if h == nil {
		h = DefaultHierarchy
	}
	copied := make(Hierarchy, len(h))
	for k, v := range h {
		copied[k] = slices.Clone(v)
	}
	e := &Engine{hierarchy: copied, privileged: Admin}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PrivilegedScope returns the scope that privileged requirements demand.
func (e *Engine) PrivilegedScope() string {
	return e.privileged
}

// Expand returns the granted scopes plus everything they transitively imply,
// in first-seen order without duplicates.
func (e *Engine) Expand(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))

	queue := slices.Clone(scopes)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		queue = append(queue, e.hierarchy[s]...)
	}
	return out
}

// HasScope reports whether the granted scopes satisfy the requirement.
func (e *Engine) HasScope(userScopes []string, req Requirement) bool {
	return e.MissingScopes(userScopes, req).Kind == MissingNone
}

// IsPrivileged reports whether the granted scopes include the privileged scope.
func (e *Engine) IsPrivileged(userScopes []string) bool {
	return satisfied(e.Expand(userScopes), e.privileged)
}

// Authorize is MissingScopes followed by the privileged flag. Request gates
// use it; HasScope and MissingScopes ignore the flag.
func (e *Engine) Authorize(userScopes []string, req Requirement) Missing {
	if missing := e.MissingScopes(userScopes, req); missing.Kind != MissingNone {
		return missing
	}
	if req.Privileged && !e.IsPrivileged(userScopes) {
		return Missing{Scopes: []string{e.privileged}, Kind: MissingPrivileged}
	}
	return Missing{}
}

// MissingScopes explains why a requirement is not satisfied. Required scopes are
// checked first, then AnyOf. A satisfied requirement yields Kind MissingNone.
func (e *Engine) MissingScopes(userScopes []string, req Requirement) Missing {
	if req.IsPublic() {
		return Missing{}
	}

	granted := e.Expand(userScopes)

	var missing []string
	for _, want := range req.Required {
		if !satisfied(granted, want) {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return Missing{Scopes: missing, Kind: MissingRequired}
	}

	if len(req.AnyOf) > 0 && !slices.ContainsFunc(req.AnyOf, func(want string) bool {
		return satisfied(granted, want)
	}) {
		return Missing{Scopes: slices.Clone(req.AnyOf), Kind: MissingAnyOf}
	}

	return Missing{}
}

// satisfied reports whether any granted scope matches want, honouring
// wildcards on either side.
func satisfied(granted []string, want string) bool {
	for _, g := range granted {
		if Match(g, want) {
			return true
		}
	}
	return false
}

// Match reports whether a granted scope matches a wanted scope. Either side may be
// a wildcard pattern ending in ":*", which matches any scope sharing its prefix.
func Match(granted, want string) bool {
	if granted == want {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, "*"); ok && strings.HasSuffix(granted, Wildcard) {
		if strings.HasPrefix(want, prefix) && len(want) > len(prefix) {
			return true
		}
	}
	if prefix, ok := strings.CutSuffix(want, "*"); ok && strings.HasSuffix(want, Wildcard) {
		if strings.HasPrefix(granted, prefix) && len(granted) > len(prefix) {
			return true
		}
	}
	return false
}

// Parse splits a space-delimited OAuth scope string.
func Parse(s string) []string {
	return strings.Fields(s)
}

// Join renders scopes as a space-delimited OAuth scope string.
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}
