package mcpconfig

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientTransport builds the go-sdk transport for reaching this server:
// a CommandTransport wrapping the configured subprocess for stdio entries,
// a StreamableClientTransport for HTTP entries. The agent normally dials
// MCP servers itself; the bridge only ever connects through this to probe
// a server at startup (ProbeTools).
func (s Server) ClientTransport() (mcp.Transport, error) {
	switch s.Transport {
	case TransportStdio:
		cmd := exec.Command(s.Command, s.Args...)
		// Env holds pass-through variable names; resolve them from this
		// process's environment.
		env := make([]string, 0, len(s.Env))
		for _, name := range s.Env {
			if v, ok := os.LookupEnv(name); ok {
				env = append(env, name+"="+v)
			}
		}
		cmd.Env = env
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   s.URL,
			HTTPClient: &http.Client{},
		}, nil
	default:
		return nil, fmt.Errorf("mcpconfig: server %q: unknown transport %q", s.Name, s.Transport)
	}
}

// QualifiedToolName prefixes a tool name with its server name, the
// "{mcp_server}__{tool}" convention every tool-call title and permission
// rule key in the bridge uses.
func QualifiedToolName(serverName, toolName string) string {
	return serverName + "__" + toolName
}

// ProbeTools connects to the server, lists its tools, and returns their
// qualified names sorted. Used at bridge startup to verify each configured
// HTTP server is reachable before the first session mounts it, and to log
// what the agent will see.
func ProbeTools(ctx context.Context, s Server) ([]string, error) {
	transport, err := s.ClientTransport()
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "acp-bridge", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpconfig: connect to %q: %w", s.Name, err)
	}
	defer func() { _ = session.Close() }()

	result, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("mcpconfig: list tools on %q: %w", s.Name, err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, QualifiedToolName(s.Name, t.Name))
	}
	sort.Strings(names)
	return names, nil
}
