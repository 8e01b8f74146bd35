package mcpconfig_test

import (
	"context"
	"testing"
	"time"

	"github.com/HyphaGroup/acp-bridge/internal/acp/acptest"
	"github.com/HyphaGroup/acp-bridge/internal/mcpconfig"
)

func TestProbeTools_Lookup(t *testing.T) {
	url := acptest.NewLookupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tools, err := mcpconfig.ProbeTools(ctx, mcpconfig.Server{
		Name:      "lookup",
		Transport: mcpconfig.TransportHTTP,
		URL:       url,
	})
	if err != nil {
		t.Fatalf("ProbeTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0] != acptest.LookupToolTitle {
		t.Errorf("ProbeTools() = %v, want [%s]", tools, acptest.LookupToolTitle)
	}
}

func TestProbeTools_UnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := mcpconfig.ProbeTools(ctx, mcpconfig.Server{
		Name:      "ghost",
		Transport: mcpconfig.TransportHTTP,
		URL:       "http://127.0.0.1:1/mcp",
	})
	if err == nil {
		t.Fatal("ProbeTools() against a dead endpoint succeeded, want error")
	}
}
