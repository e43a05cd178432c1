// Package scope implements the scope model used to gate individual tool and
// method calls.
//
// Granted scopes are expanded through a fixed hierarchy (admin implies user,
// read and write; mcp implies mcp:list and mcp:call) before matching, so a
// coarse-grained grant satisfies fine-grained checks. A scope ending in ":*"
// matches any scope that shares its prefix. Unknown scopes are literal.
//
// Example:
//
//	engine := scope.NewEngine(nil)
//	req := scope.Requirement{Required: []string{"mcp:call"}}
//	engine.HasScope([]string{"mcp"}, req) // true
package scope
