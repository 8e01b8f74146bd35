package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadAll(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, `{
			// agent launch
			"agent": {
				"command": "/usr/local/bin/goose-acp",
				"args": ["--stdio"],
				"env": ["ANTHROPIC_API_KEY"],
				"work_dir": "/workspace/project",
				"mcp_servers": [
					{"name": "lookup", "transport": "stdio", "command": "/usr/local/bin/lookup-mcp"}
				]
			},
			"http": {"enabled": true, "address": ":9000"}
		}`)

		cfg, err := LoadAll(dir)
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.Agent.Command != "/usr/local/bin/goose-acp" {
			t.Errorf("Agent.Command = %q, want %q", cfg.Agent.Command, "/usr/local/bin/goose-acp")
		}
		if cfg.Agent.WorkDir != "/workspace/project" {
			t.Errorf("Agent.WorkDir = %q, want %q", cfg.Agent.WorkDir, "/workspace/project")
		}
		if len(cfg.Agent.MCPServers) != 1 || cfg.Agent.MCPServers[0].Name != "lookup" {
			t.Errorf("Agent.MCPServers = %+v, want one entry named lookup", cfg.Agent.MCPServers)
		}
		if cfg.HTTP.Address != ":9000" {
			t.Errorf("HTTP.Address = %q, want %q", cfg.HTTP.Address, ":9000")
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("JSONC comments are stripped", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, `{
			/* block comment */
			"agent": {"command": "/bin/agent", "work_dir": "/tmp"}
		}`)

		cfg, err := LoadAll(dir)
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.Agent.Command != "/bin/agent" {
			t.Errorf("Agent.Command = %q, want %q", cfg.Agent.Command, "/bin/agent")
		}
	})

	t.Run("applies defaults for missing fields", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, `{"agent": {"command": "/bin/agent", "work_dir": "/tmp"}}`)

		cfg, err := LoadAll(dir)
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.HTTP.Address != ":8420" {
			t.Errorf("HTTP.Address = %q, want default %q", cfg.HTTP.Address, ":8420")
		}
		if cfg.Janitor.IdleTimeoutSeconds != 30*60 {
			t.Errorf("Janitor.IdleTimeoutSeconds = %d, want default %d", cfg.Janitor.IdleTimeoutSeconds, 30*60)
		}
		if cfg.Agent.PermissionMapping.RejectedToolStatus != "completed" {
			t.Errorf("Agent.PermissionMapping.RejectedToolStatus = %q, want default %q", cfg.Agent.PermissionMapping.RejectedToolStatus, "completed")
		}
	})

	t.Run("invalid JSON returns error", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "not json")

		if _, err := LoadAll(dir); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("config file not found", func(t *testing.T) {
		if _, err := LoadAll(t.TempDir()); err == nil {
			t.Error("expected error when config file is missing")
		}
	})
}

func TestBridgeConfig_Validate(t *testing.T) {
	t.Run("missing command", func(t *testing.T) {
		cfg := DefaultBridgeConfig()
		cfg.Agent.WorkDir = "/tmp"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing agent.command")
		}
	})

	t.Run("relative work_dir", func(t *testing.T) {
		cfg := DefaultBridgeConfig()
		cfg.Agent.Command = "/bin/agent"
		cfg.Agent.WorkDir = "relative/path"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for relative agent.work_dir")
		}
	})
}
