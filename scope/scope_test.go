package scope

import (
	"slices"
	"sync"
	"testing"
)

func TestEngine_Expand(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name   string
		scopes []string
		want   []string
	}{
		{
			name:   "admin implies user read write",
			scopes: []string{"admin"},
			want:   []string{"admin", "user", "read", "write"},
		},
		{
			name:   "mcp implies sub-scopes",
			scopes: []string{"mcp"},
			want:   []string{"mcp", "mcp:list", "mcp:call"},
		},
		{
			name:   "unknown scope is literal",
			scopes: []string{"billing:view"},
			want:   []string{"billing:view"},
		},
		{
			name:   "duplicates removed",
			scopes: []string{"read", "admin", "read"},
			want:   []string{"read", "admin", "user", "write"},
		},
		{
			name:   "empty",
			scopes: nil,
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Expand(tt.scopes)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Expand(%v) = %v, want %v", tt.scopes, got, tt.want)
			}
		})
	}
}

func TestEngine_Expand_Superset(t *testing.T) {
	engine := NewEngine(nil)

	for s, implied := range DefaultHierarchy {
		got := engine.Expand([]string{s})
		if !slices.Contains(got, s) {
			t.Errorf("Expand([%s]) does not contain %s", s, s)
		}
		for _, i := range implied {
			if !slices.Contains(got, i) {
				t.Errorf("Expand([%s]) = %v, missing implied %s", s, got, i)
			}
		}
	}
}

func TestEngine_Expand_Transitive(t *testing.T) {
	engine := NewEngine(Hierarchy{
		"owner": {"admin"},
		"admin": {"write"},
		"write": {"read"},
		"read":  {"owner"}, // cycle must terminate
	})

	got := engine.Expand([]string{"owner"})
	want := []string{"owner", "admin", "write", "read"}
	if !slices.Equal(got, want) {
		t.Errorf("Expand = %v, want %v", got, want)
	}
}

func TestEngine_HasScope_PublicAlwaysAllowed(t *testing.T) {
	engine := NewEngine(nil)
	grants := [][]string{nil, {}, {"read"}, {"admin"}, {"unknown"}}

	for _, g := range grants {
		if !engine.HasScope(g, Requirement{}) {
			t.Errorf("HasScope(%v, public) = false, want true", g)
		}
		if !engine.HasScope(g, Requirement{Privileged: true}) {
			t.Errorf("HasScope(%v, privileged only) = false, want true", g)
		}
		if m := engine.MissingScopes(g, Requirement{Privileged: true}); m.Kind != MissingNone {
			t.Errorf("MissingScopes(%v, privileged only) = %+v, want none", g, m)
		}
	}
}

func TestEngine_HasScope(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name    string
		granted []string
		req     Requirement
		want    bool
	}{
		{"required all present", []string{"read", "write"}, Requirement{Required: []string{"read", "write"}}, true},
		{"required one missing", []string{"read"}, Requirement{Required: []string{"read", "write"}}, false},
		{"admin satisfies write", []string{"admin"}, Requirement{Required: []string{"write"}}, true},
		{"mcp satisfies mcp:call", []string{"mcp"}, Requirement{Required: []string{"mcp:call"}}, true},
		{"mcp:call does not imply mcp", []string{"mcp:call"}, Requirement{Required: []string{"mcp"}}, false},
		{"anyOf one present", []string{"write"}, Requirement{AnyOf: []string{"read", "write"}}, true},
		{"anyOf none present", []string{"user"}, Requirement{AnyOf: []string{"read", "write"}}, false},
		{"granted wildcard", []string{"tools:*"}, Requirement{Required: []string{"tools:deploy"}}, true},
		{"required wildcard", []string{"tools:list"}, Requirement{Required: []string{"tools:*"}}, true},
		{"wildcard prefix mismatch", []string{"tool:*"}, Requirement{Required: []string{"tools:deploy"}}, false},
		{"wildcard does not match bare prefix", []string{"tools:*"}, Requirement{Required: []string{"tools"}}, false},
		{"unknown grant gives nothing", []string{"superuser"}, Requirement{Required: []string{"read"}}, false},
		{"privileged flag ignored", []string{"read"}, Requirement{Required: []string{"read"}, Privileged: true}, true},
		{"required and anyOf", []string{"read", "mcp:call"}, Requirement{Required: []string{"read"}, AnyOf: []string{"mcp:call", "mcp:list"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.HasScope(tt.granted, tt.req); got != tt.want {
				t.Errorf("HasScope(%v, %+v) = %v, want %v", tt.granted, tt.req, got, tt.want)
			}
		})
	}
}

func TestEngine_MissingScopes(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name     string
		granted  []string
		req      Requirement
		wantKind MissingKind
		want     []string
	}{
		{"satisfied", []string{"read"}, Requirement{Required: []string{"read"}}, MissingNone, nil},
		{"required", []string{"read"}, Requirement{Required: []string{"read", "write", "deploy"}}, MissingRequired, []string{"write", "deploy"}},
		{"anyOf", []string{"read"}, Requirement{AnyOf: []string{"mcp:call", "mcp:list"}}, MissingAnyOf, []string{"mcp:call", "mcp:list"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.MissingScopes(tt.granted, tt.req)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if !slices.Equal(got.Scopes, tt.want) {
				t.Errorf("Scopes = %v, want %v", got.Scopes, tt.want)
			}
		})
	}
}

func TestEngine_Authorize(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name     string
		granted  []string
		req      Requirement
		wantKind MissingKind
		want     []string
	}{
		{"public", nil, Requirement{}, MissingNone, nil},
		{"privileged only without admin", []string{"read"}, Requirement{Privileged: true}, MissingPrivileged, []string{"admin"}},
		{"privileged only with admin", []string{"admin"}, Requirement{Privileged: true}, MissingNone, nil},
		{"required checked before privileged", []string{"user"}, Requirement{Required: []string{"write"}, Privileged: true}, MissingRequired, []string{"write"}},
		{"required without admin", []string{"read"}, Requirement{Required: []string{"read"}, Privileged: true}, MissingPrivileged, []string{"admin"}},
		{"admin implies required", []string{"admin"}, Requirement{Required: []string{"read"}, Privileged: true}, MissingNone, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Authorize(tt.granted, tt.req)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if !slices.Equal(got.Scopes, tt.want) {
				t.Errorf("Scopes = %v, want %v", got.Scopes, tt.want)
			}
		})
	}
}

func TestEngine_WithPrivilegedScope(t *testing.T) {
	engine := NewEngine(nil, WithPrivilegedScope("root"))

	if engine.IsPrivileged([]string{"admin"}) {
		t.Error("admin should not be privileged when root is the privileged scope")
	}
	if !engine.IsPrivileged([]string{"root"}) {
		t.Error("root should be privileged")
	}
	if m := engine.Authorize([]string{"admin"}, Requirement{Privileged: true}); m.Kind != MissingPrivileged {
		t.Errorf("Authorize(admin, privileged) kind = %q, want %q", m.Kind, MissingPrivileged)
	}
}

func TestEngine_ConcurrentUse(t *testing.T) {
	engine := NewEngine(nil)
	req := Requirement{Required: []string{"mcp:call"}, AnyOf: []string{"read", "write"}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !engine.HasScope([]string{"mcp", "admin"}, req) {
					t.Error("HasScope() = false under concurrency")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestParseJoin(t *testing.T) {
	got := Parse("  read  write mcp:call ")
	want := []string{"read", "write", "mcp:call"}
	if !slices.Equal(got, want) {
		t.Errorf("Parse() = %v, want %v", got, want)
	}
	if s := Join(want); s != "read write mcp:call" {
		t.Errorf("Join() = %q", s)
	}
}
