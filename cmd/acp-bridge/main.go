package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	iofs "io/fs"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/HyphaGroup/acp-bridge/internal/acp"
	"github.com/HyphaGroup/acp-bridge/internal/acphttp"
	"github.com/HyphaGroup/acp-bridge/internal/config"
	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/mcpconfig"
	"github.com/HyphaGroup/acp-bridge/internal/permstore"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit()
			return
		case "--version", "-v":
			fmt.Printf("acp-bridge %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}
	runBridge()
}

func printUsage() {
	fmt.Printf(`ACP Bridge %s - Agent Client Protocol session bridge

Usage: acp-bridge [command] [options]

Commands:
  (default)    Start the bridge
  init         Initialize the bridge's config/data directories

Options:
  --dir <path>   Bridge home directory (default: ~/.acp-bridge)
  --mode <mode>  "http" (runs the HTTP façade) or "stdio" (a single
                 session driven by this process's own stdin/stdout);
                 default: "http" if the config's http.enabled is true,
                 else "stdio"

Config precedence:
  1. --dir flag
  2. ACP_BRIDGE_HOME env var
  3. ./.acp-bridge (if initialized in the current directory)
  4. ~/.acp-bridge (default)
`, Version)
}

func runBridge() {
	dirFlag := flag.String("dir", "", "Bridge home directory")
	modeFlag := flag.String("mode", "", "\"http\" or \"stdio\" (default: config's http.enabled)")
	flag.Parse()

	homeDir := resolveBridgeDir(*dirFlag)
	dataDir := filepath.Join(homeDir, "data")
	configDir := filepath.Join(homeDir, "config")

	if _, err := os.Stat(filepath.Join(configDir, "acp-bridge.jsonc")); errors.Is(err, iofs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "acp-bridge not initialized. Run 'acp-bridge init' first.")
		os.Exit(1)
	}

	cfg, err := config.LoadAll(configDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := logger.Init(logDir); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(logDir, cfg.HTTP.Enabled); err != nil {
		log.Fatalf("failed to initialize structured logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Println("ACP Bridge starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	binaryStore := acp.NewBinaryStore(resolveDataPath(homeDir, cfg.BinaryStore.Dir))
	if cfg.Agent.Command == "" {
		binPath, err := binaryStore.EnsureGitHubReleaseBinary(cfg.BinaryStore.GitHubRepo, cfg.BinaryStore.BinaryName)
		if err != nil {
			logger.Fatalf("failed to fetch agent binary: %v", err)
		}
		cfg.Agent.Command = binPath
	}

	agentCmd, agentStdin, agentStdout, err := spawnAgent(ctx, cfg.Agent)
	if err != nil {
		logger.Fatalf("failed to launch agent: %v", err)
	}
	defer func() { _ = agentCmd.Process.Kill() }()

	transport := acp.NewTransport(agentStdout, agentStdin)
	conn := acp.NewConnection(transport)

	if _, err := conn.Initialize(ctx, initializeParams{ProtocolVersion: 1}); err != nil {
		logger.Fatalf("handshake with agent failed: %v", err)
	}
	logger.Println("agent handshake complete")

	store, err := permstore.Open(dataDir)
	if err != nil {
		logger.Fatalf("failed to open permission store: %v", err)
	}
	defer func() { _ = store.Close() }()

	mapping := acp.PermissionMapping{RejectedToolStatus: acp.ToolCallStatus(cfg.Agent.PermissionMapping.RejectedToolStatus)}

	registry := acp.NewRegistry(conn)
	arbiter := acp.NewArbiter(conn, registry, store, mapping)
	registry.SetArbiter(arbiter)
	engine := acp.NewEngine(conn, registry, arbiter, mapping)

	janitor := acp.NewJanitor(
		registry, binaryStore,
		time.Duration(cfg.Janitor.IdleTimeoutSeconds)*time.Second,
		time.Duration(cfg.Janitor.ReapIntervalSeconds)*time.Second,
		time.Duration(cfg.Janitor.BinaryCacheMaxAgeSeconds)*time.Second,
	)
	if err := janitor.Start(cfg.Janitor.SweepCronExpr); err != nil {
		logger.Fatalf("failed to start janitor: %v", err)
	}
	defer janitor.Stop()

	mode := *modeFlag
	if mode == "" {
		mode = "http"
		if !cfg.HTTP.Enabled {
			mode = "stdio"
		}
	}

	probeMCPServers(ctx, cfg.Agent.MCPServers)

	defaults := acp.NewSessionParams{
		WorkDir:       cfg.Agent.WorkDir,
		MCPServers:    cfg.Agent.MCPServers,
		SessionModeID: acp.SessionMode(cfg.Agent.SessionModeID),
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "http":
		runHTTP(ctx, cfg, registry, engine, arbiter, defaults, shutdownChan)
	case "stdio":
		runStdio(ctx, registry, engine, defaults, shutdownChan)
	default:
		logger.Fatalf("unknown --mode %q (want \"http\" or \"stdio\")", mode)
	}

	logger.Println("shutdown complete")
}

// probeMCPServers lists each configured HTTP MCP server's tools before the
// first session mounts it, so an unreachable server surfaces at startup
// instead of as a mid-prompt tool failure. Stdio entries are skipped: the
// agent owns that subprocess's lifecycle, and probing would launch a second
// copy just to throw it away.
func probeMCPServers(ctx context.Context, servers []mcpconfig.Server) {
	for _, s := range servers {
		if s.Transport != mcpconfig.TransportHTTP {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tools, err := mcpconfig.ProbeTools(probeCtx, s)
		cancel()
		if err != nil {
			logger.Error("mcp server %q unreachable: %v", s.Name, err)
			continue
		}
		logger.Printf("mcp server %q offers tools: %v", s.Name, tools)
	}
}

// initializeParams is the initialize handshake request shape.
type initializeParams struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// spawnAgent launches the configured agent binary as a subprocess and wires
// its stdin/stdout as the transport's byte streams. Env passes through only
// the named variables from the bridge's own environment, not values
// verbatim from config.
func spawnAgent(ctx context.Context, a config.AgentConfig) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Stderr = os.Stderr
	cmd.Env = passthroughEnv(a.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start agent: %w", err)
	}
	return cmd, stdin, stdout, nil
}

func passthroughEnv(names []string) []string {
	env := make([]string, 0, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func runHTTP(
	ctx context.Context,
	cfg *config.BridgeConfig,
	registry *acp.Registry,
	engine *acp.Engine,
	arbiter *acp.Arbiter,
	defaults acp.NewSessionParams,
	shutdownChan chan os.Signal,
) {
	facade := acphttp.NewFacade(registry, engine, arbiter, defaults)
	limiter := acphttp.NewRateLimiter(cfg.HTTP.RateLimitPerSecond, cfg.HTTP.RateLimitBurst)

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: facade.Handler(limiter),
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.ListenAndServe() }()
	logger.Printf("HTTP façade listening on %s", cfg.HTTP.Address)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP façade error: %v", err)
		}
	case sig := <-shutdownChan:
		logger.Printf("received signal %v, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case <-ctx.Done():
	}
}

// stdioStreamItem is the JSON line shape stdio mode writes per stream item:
// StreamItem.Err is an error interface, which encoding/json would otherwise
// marshal as "{}".
type stdioStreamItem struct {
	Message *acp.Message `json:"message,omitempty"`
	Usage   *acp.Usage   `json:"usage,omitempty"`
	Err     string       `json:"error,omitempty"`
}

// runStdio creates a single session from defaults and relays line-delimited
// prompt text read from stdin to JSON-encoded StreamItems written to
// stdout, for direct operator/testing use without the HTTP façade.
func runStdio(ctx context.Context, registry *acp.Registry, engine *acp.Engine, defaults acp.NewSessionParams, shutdownChan chan os.Signal) {
	sessionID, err := registry.NewSession(ctx, defaults)
	if err != nil {
		logger.Fatalf("failed to create session: %v", err)
	}
	logger.Printf("session %s ready on stdio", sessionID)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		enc := json.NewEncoder(os.Stdout)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			messages := []acp.Message{{Role: "user", Text: line, AgentVisible: true}}
			out, err := engine.Stream(ctx, sessionID, messages)
			if err != nil {
				logger.Printf("stream error: %v", err)
				continue
			}
			for item := range out {
				wire := stdioStreamItem{Message: item.Message, Usage: item.Usage}
				if item.Err != nil {
					wire.Err = item.Err.Error()
				}
				_ = enc.Encode(wire)
			}
		}
	}()

	<-shutdownChan
	registry.Close(sessionID, "stdio_shutdown", 0)
}

// resolveDataPath anchors a relative config path under the bridge home.
func resolveDataPath(homeDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(homeDir, p)
}

func resolveBridgeDir(flagDir string) string {
	if flagDir != "" {
		absDir, err := filepath.Abs(flagDir)
		if err != nil {
			log.Fatalf("invalid directory: %v", err)
		}
		return absDir
	}
	if envDir := os.Getenv("ACP_BRIDGE_HOME"); envDir != "" {
		absDir, err := filepath.Abs(envDir)
		if err != nil {
			log.Fatalf("invalid ACP_BRIDGE_HOME: %v", err)
		}
		return absDir
	}
	if cwd, err := os.Getwd(); err == nil {
		directConfig := filepath.Join(cwd, "config", "acp-bridge.jsonc")
		if _, err := os.Stat(directConfig); err == nil {
			return cwd
		}
		localDir := filepath.Join(cwd, ".acp-bridge")
		if _, err := os.Stat(filepath.Join(localDir, "config", "acp-bridge.jsonc")); err == nil {
			return localDir
		}
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to get home directory: %v", err)
	}
	return filepath.Join(homeDir, ".acp-bridge")
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.acp-bridge)")
	_ = fs.Parse(os.Args[2:])

	homeDir := resolveBridgeDir(*dirFlag)
	configDir := filepath.Join(homeDir, "config")
	dataDir := filepath.Join(homeDir, "data")

	configFile := filepath.Join(configDir, "acp-bridge.jsonc")
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("%s is already initialized.\n", homeDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("Initializing ACP Bridge")
	for _, dir := range []string{configDir, filepath.Join(dataDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("  Created %s\n", dir)
	}

	template := `{
  // Agent launch: the ACP-speaking subprocess this bridge drives.
  "agent": {
    "command": "/usr/local/bin/goose-acp",
    "args": ["--stdio"],
    "env": ["ANTHROPIC_API_KEY", "PATH"],
    "work_dir": "` + defaultWorkDir() + `",
    "mcp_servers": [],
    "permission_mapping": {"rejected_tool_status": "completed"}
  },

  "http": {
    "enabled": true,
    "address": ":8420",
    "rate_limit_per_second": 10,
    "rate_limit_burst": 20
  },

  "binary_store": {
    "dir": "data/agent-binaries"
  },

  "janitor": {
    "idle_timeout_seconds": 1800,
    "reap_interval_seconds": 60,
    "binary_cache_max_age_seconds": 2592000,
    "sweep_cron_expr": "0 3 * * *"
  }
}
`
	if err := os.WriteFile(configFile, []byte(template), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", configFile, err)
		os.Exit(1)
	}
	fmt.Printf("  Wrote %s\n", configFile)
	fmt.Println("\nEdit agent.command/work_dir, then run: acp-bridge --dir " + homeDir)
}

func defaultWorkDir() string {
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "/workspace"
}
