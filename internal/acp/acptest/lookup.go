package acptest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewLookupServer starts an HTTP MCP server named "lookup" exposing a single
// get_code tool that returns FakeCode. The returned URL is suitable for an
// mcpconfig.Server{Transport: http} entry.
func NewLookupServer(t *testing.T) (url string) {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "lookup", Version: "0.1.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "get_code",
		Description: "Returns the lookup code",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: FakeCode}},
		}, nil
	})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts.URL
}
