// Package mcpconfig describes the MCP tool servers a session mounts,
// independent of any particular agent's own config format. The bridge hands
// these entries to the agent on session/new and lets the agent dial the
// server for tool calls; its only MCP traffic of its own is the startup tool
// probe in ProbeTools. It needs a typed shape to load from bridge config and
// to validate before handing it over.
package mcpconfig

import "fmt"

// TransportKind selects how the agent should reach an MCP server, mirroring
// github.com/modelcontextprotocol/go-sdk's split between a subprocess-backed
// CommandTransport and an HTTP-backed StreamableClientTransport.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// Server is one MCP tool server entry. Name is the qualifier every tool
// title the server exposes is prefixed with, per the
// "{mcp_server_name}__{tool_name}" convention. Env carries pass-through
// variable names only, never values — the agent resolves them from its own
// process environment.
type Server struct {
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`

	// Stdio transport fields.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// HTTP transport fields.
	URL string `json:"url,omitempty"`
}

// Validate checks that a Server entry carries the fields its transport
// requires, so a malformed bridge config fails at load time rather than at
// first session/new.
func (s Server) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("mcpconfig: server entry missing name")
	}
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("mcpconfig: server %q: stdio transport requires command", s.Name)
		}
	case TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("mcpconfig: server %q: http transport requires url", s.Name)
		}
	default:
		return fmt.Errorf("mcpconfig: server %q: unknown transport %q", s.Name, s.Transport)
	}
	return nil
}
