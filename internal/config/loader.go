package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HyphaGroup/acp-bridge/internal/mcpconfig"
)

// configFileName is the bridge's own config file.
const configFileName = "acp-bridge.jsonc"

// AgentConfig describes how to launch and drive the agent subprocess.
type AgentConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`

	// Env lists environment variable *names* to pass through from the
	// bridge's own process environment into the agent subprocess — never
	// values.
	Env []string `json:"env,omitempty"`

	WorkDir       string             `json:"work_dir"`
	MCPServers    []mcpconfig.Server `json:"mcp_servers,omitempty"`
	SessionModeID string             `json:"session_mode_id,omitempty"`

	PermissionMapping PermissionMappingConfig `json:"permission_mapping"`
}

// PermissionMappingConfig configures internal/acp.PermissionMapping.
type PermissionMappingConfig struct {
	// RejectedToolStatus is a acp.ToolCallStatus value; see mode.go's
	// DefaultPermissionMapping for the default ("completed").
	RejectedToolStatus string `json:"rejected_tool_status"`
}

// HTTPConfig configures the internal/acphttp façade, when the bridge runs
// in HTTP mode instead of stdio passthrough.
type HTTPConfig struct {
	Enabled            bool    `json:"enabled"`
	Address            string  `json:"address"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst"`
}

// BinaryStoreConfig configures internal/acp.BinaryStore's GitHub-release
// resolution, when the agent binary itself needs fetching rather than
// being preinstalled at Command.
type BinaryStoreConfig struct {
	Dir        string `json:"dir"`
	GitHubRepo string `json:"github_repo,omitempty"`
	BinaryName string `json:"binary_name,omitempty"`
}

// JanitorConfig configures internal/acp.Janitor.
type JanitorConfig struct {
	IdleTimeoutSeconds       int    `json:"idle_timeout_seconds"`
	ReapIntervalSeconds      int    `json:"reap_interval_seconds"`
	BinaryCacheMaxAgeSeconds int    `json:"binary_cache_max_age_seconds"`
	SweepCronExpr            string `json:"sweep_cron_expr,omitempty"`
}

// BridgeConfig is the top-level shape of acp-bridge.jsonc.
type BridgeConfig struct {
	Agent       AgentConfig       `json:"agent"`
	HTTP        HTTPConfig        `json:"http"`
	BinaryStore BinaryStoreConfig `json:"binary_store"`
	Janitor     JanitorConfig     `json:"janitor"`

	ConfigDir string `json:"-"`
}

// DefaultBridgeConfig returns the bridge's out-of-the-box defaults, applied
// under whatever the config file sets explicitly.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Agent: AgentConfig{
			PermissionMapping: PermissionMappingConfig{RejectedToolStatus: "completed"},
		},
		HTTP: HTTPConfig{
			Enabled:            false,
			Address:            ":8420",
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
		},
		BinaryStore: BinaryStoreConfig{
			Dir: "data/agent-binaries",
		},
		Janitor: JanitorConfig{
			IdleTimeoutSeconds:       30 * 60,
			ReapIntervalSeconds:      60,
			BinaryCacheMaxAgeSeconds: 30 * 24 * 60 * 60,
			SweepCronExpr:            "0 3 * * *",
		},
	}
}

// FindConfigPath locates acp-bridge.jsonc under configDir.
func FindConfigPath(configDir string) (string, error) {
	path := filepath.Join(configDir, configFileName)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("config: %s not found in %s: %w", configFileName, configDir, err)
	}
	return path, nil
}

// LoadAll reads, strips comments from, schema-validates, and unmarshals
// acp-bridge.jsonc from configDir, layering it over DefaultBridgeConfig.
func LoadAll(configDir string) (*BridgeConfig, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	stripped := StripJSONComments(raw)

	if err := validateAgainstSchema(stripped); err != nil {
		return nil, fmt.Errorf("config: %s failed schema validation: %w", path, err)
	}

	cfg := DefaultBridgeConfig()
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ConfigDir = filepath.Dir(path)

	return &cfg, nil
}

// Validate checks that required configuration is present, so a broken
// config fails at load rather than at first use.
func (c *BridgeConfig) Validate() error {
	if c.Agent.Command == "" && (c.BinaryStore.GitHubRepo == "" || c.BinaryStore.BinaryName == "") {
		return fmt.Errorf("config: agent.command is required (or set binary_store.github_repo and binary_store.binary_name to fetch one): add it to %s", configFileName)
	}
	if c.Agent.WorkDir == "" {
		return fmt.Errorf("config: agent.work_dir is required: add it to %s", configFileName)
	}
	if !filepath.IsAbs(c.Agent.WorkDir) {
		return fmt.Errorf("config: agent.work_dir must be an absolute path, got %q", c.Agent.WorkDir)
	}
	for _, s := range c.Agent.MCPServers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
