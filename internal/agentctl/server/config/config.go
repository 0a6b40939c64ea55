// Package config provides unified configuration for agentctl.
//
// agentctl is runtime-agnostic - it behaves identically whether running
// inside a Docker container or directly on the host. The caller (routa backend)
// handles any Docker vs standalone differences.
//
// Configuration hierarchy:
//   - Config: Global server settings (ports, logging, instance limits)
//   - Config.Defaults: Default values for new instances
//   - InstanceConfig: Per-instance settings (derived from Defaults + overrides)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/routa/acp-broker/pkg/agent"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the agentctl configuration.
// agentctl always exposes the same instance management API regardless of
// deployment context (Docker container or host machine).
type Config struct {
	// Port is the control/API server port
	Port int `mapstructure:"port" yaml:"port"`

	// Ports configures the port range for instance allocation
	Ports PortConfig `mapstructure:"ports" yaml:"ports"`

	// Defaults provides default values for new instances
	Defaults InstanceDefaults `mapstructure:"defaults" yaml:"defaults"`

	// Shell configuration
	ShellEnabled bool `mapstructure:"shellEnabled" yaml:"shellEnabled"` // Enable auto-shell feature (default: true)

	// Logging configuration
	LogLevel   string `mapstructure:"logLevel" yaml:"logLevel"`
	LogFormat  string `mapstructure:"logFormat" yaml:"logFormat"`
	McpLogFile string `mapstructure:"mcpLogFile" yaml:"mcpLogFile,omitempty"` // Optional file path for MCP debug logs

	// VS Code server configuration
	VscodeCommand string `mapstructure:"vscodeCommand" yaml:"vscodeCommand"` // Command to run code-server (default: "code-server")

	// Broker holds the session-broker-level settings (spec §6): data
	// directory, registry URL, coordination MCP endpoint, direct-API
	// fallback credentials. Distinct from Defaults/InstanceDefaults, which
	// are per-agent-process settings.
	Broker BrokerConfig `mapstructure:"broker" yaml:"broker"`
}

// BrokerConfig holds the settings that apply to the broker as a whole
// (spec §4.A, §4.B, §4.C, §6), as opposed to one agent process.
type BrokerConfig struct {
	// DataDir is the root directory under which managed runtimes, download
	// scratch space, and the trace database live: {DataDir}/acp-agents/...
	// (spec §6).
	DataDir string `mapstructure:"dataDir" yaml:"dataDir"`

	// RegistryURL is the remote agent registry endpoint (spec §4.B). Empty
	// disables registry-sourced presets.
	RegistryURL string `mapstructure:"registryUrl" yaml:"registryUrl,omitempty"`

	// McpServerURL / McpWorkspaceID configure the coordination MCP endpoint
	// the MCP Config Writer points every provider at (spec §4.C). When
	// McpServerURL is left unset, the broker falls back to the in-process
	// coordination server it starts on CoordinationPort.
	McpServerURL   string `mapstructure:"mcpServerUrl" yaml:"mcpServerUrl,omitempty"`
	McpWorkspaceID string `mapstructure:"mcpWorkspaceId" yaml:"mcpWorkspaceId,omitempty"`

	// CoordinationPort is the port the broker's built-in routa-coordination
	// MCP server listens on when no external ROUTA_SERVER_URL is configured.
	CoordinationPort int `mapstructure:"coordinationPort" yaml:"coordinationPort"`

	// AnthropicAPIKey / AnthropicAuthToken / AnthropicBaseURL / AnthropicModel
	// / APITimeoutMS configure the direct-API SDK fallback (spec §4.E, §6).
	AnthropicAPIKey    string `mapstructure:"anthropicApiKey" yaml:"anthropicApiKey,omitempty"`
	AnthropicAuthToken string `mapstructure:"anthropicAuthToken" yaml:"anthropicAuthToken,omitempty"`
	AnthropicBaseURL   string `mapstructure:"anthropicBaseUrl" yaml:"anthropicBaseUrl,omitempty"`
	AnthropicModel     string `mapstructure:"anthropicModel" yaml:"anthropicModel,omitempty"`
	APITimeoutMS       int    `mapstructure:"apiTimeoutMs" yaml:"apiTimeoutMs"`

	// ClaudeConfigDir overrides the Claude CLI's writable config path
	// (spec §6), defaulting to /tmp/.claude in serverless mode.
	ClaudeConfigDir string `mapstructure:"claudeConfigDir" yaml:"claudeConfigDir,omitempty"`
}

// Serverless reports whether the host is a serverless deployment, detected
// the way spec §6 prescribes: a pure function over the environment so
// tests can flip it per-case rather than a value cached once at startup.
func Serverless() bool {
	for _, marker := range []string{"VERCEL", "AWS_LAMBDA_FUNCTION_NAME", "NETLIFY", "FUNCTION_NAME"} {
		if os.Getenv(marker) != "" {
			return true
		}
	}
	return false
}

// PortConfig defines port allocation for instances
type PortConfig struct {
	// Base is the starting port for instance allocation (multi-instance mode)
	Base int `yaml:"base"`
	// Max is the maximum port for instance allocation
	Max int `yaml:"max"`
}

// InstanceDefaults provides default values for new instances.
// These can be overridden when creating an instance.
type InstanceDefaults struct {
	// Protocol for agent communication (acp, codex, mcp)
	Protocol agent.Protocol `yaml:"protocol"`

	// AgentCommand is the command to run the agent (e.g., "auggie --acp")
	AgentCommand string `yaml:"agentCommand"`

	// WorkDir is the default working directory
	WorkDir string `yaml:"workDir"`

	// AutoStart starts the agent automatically when the instance is created
	AutoStart bool `yaml:"autoStart"`

	// AutoApprovePermissions auto-approves permission requests (for testing/CI)
	AutoApprovePermissions bool `yaml:"autoApprovePermissions"`

	// HealthCheckInterval is the interval in seconds for health checks
	HealthCheckInterval int `yaml:"healthCheckInterval"`

	// ProcessBufferMaxBytes is the max bytes per process output buffer (default 2MB)
	ProcessBufferMaxBytes int64 `yaml:"processBufferMaxBytes"`
}

// McpServerConfig holds configuration for an MCP server.
type McpServerConfig struct {
	// Name is the human-readable name of the MCP server
	Name string `json:"name"`
	// URL is the URL for HTTP/SSE transport
	URL string `json:"url,omitempty"`
	// Type is the transport type: "sse" or "http"
	Type string `json:"type,omitempty"`
	// Command is the command for stdio transport
	Command string `json:"command,omitempty"`
	// Args are the arguments for stdio transport
	Args []string `json:"args,omitempty"`
}

// InstanceConfig holds configuration for a single agent instance.
// This is passed to the process manager and API server.
type InstanceConfig struct {
	// Port is the HTTP server port for this instance
	Port int

	// Protocol for agent communication
	Protocol agent.Protocol

	// AgentCommand is the command to run the agent
	AgentCommand string

	// AgentArgs is the parsed command (derived from AgentCommand)
	AgentArgs []string

	// WorkDir is the working directory for the agent process
	WorkDir string

	// AgentEnv is the environment variables to pass to the agent
	AgentEnv []string

	// AutoStart starts the agent automatically
	AutoStart bool

	// AutoApprovePermissions auto-approves permission requests
	AutoApprovePermissions bool

	// ApprovalPolicy controls when the agent requests approval.
	// Valid values: "untrusted" (always), "on-failure", "on-request", "never".
	// If empty, the Codex adapter uses "untrusted".
	ApprovalPolicy string

	// ShellEnabled enables auto-shell feature
	ShellEnabled bool

	// LogLevel for this instance
	LogLevel string

	// LogFormat for this instance
	LogFormat string

	// AgentType identifies the agent (e.g., "auggie", "codex", "claude")
	// Used for agent-specific adapter selection
	AgentType string

	// McpServers is a list of MCP servers to configure for the agent
	McpServers []McpServerConfig

	// ProcessBufferMaxBytes caps per-process output buffer size
	ProcessBufferMaxBytes int64

	// SessionID is the session ID for this agent instance (used in MCP tool calls)
	SessionID string

	// ContinueCommand is the command template for follow-up prompts in one-shot agents.
	// When set, the adapter spawns a new process per prompt using this command for
	// continuation (thread ID appended at runtime). Only used by Amp.
	ContinueCommand string

	// VscodeCommand is the command to run the VS Code server (e.g., "code-server")
	VscodeCommand string
}

// Load reads configuration from environment variables, an optional
// config.yaml, and defaults, using the current directory and /etc/acp-broker/
// as config-file search paths.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but also searches configPath (if non-empty)
// for config.yaml before falling back to the current directory and
// /etc/acp-broker/. Environment variables always take precedence over the
// file, and defaults are lowest priority.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Env vars whose names predate the AGENTCTL_ prefix, or that are shared
	// with other host-side tooling (ROUTA_*, ANTHROPIC_*), need explicit
	// bindings: AutomaticEnv only derives AGENTCTL_<SECTION>_<FIELD>.
	_ = v.BindEnv("logLevel", "AGENTCTL_LOG_LEVEL", "ROUTA_LOG_LEVEL")
	_ = v.BindEnv("mcpLogFile", "ROUTA_MCP_LOG_FILE")
	_ = v.BindEnv("broker.mcpServerUrl", "ROUTA_SERVER_URL")
	_ = v.BindEnv("broker.mcpWorkspaceId", "ROUTA_WORKSPACE_ID")
	_ = v.BindEnv("broker.anthropicApiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("broker.anthropicAuthToken", "ANTHROPIC_AUTH_TOKEN")
	_ = v.BindEnv("broker.anthropicBaseUrl", "ANTHROPIC_BASE_URL")
	_ = v.BindEnv("broker.anthropicModel", "ANTHROPIC_MODEL")
	_ = v.BindEnv("broker.apiTimeoutMs", "API_TIMEOUT_MS")
	_ = v.BindEnv("broker.claudeConfigDir", "CLAUDE_CONFIG_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acp-broker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// defaultDataDir/defaultClaudeConfigDir depend on Serverless(), which a
	// static viper default cannot express; fill them in post-unmarshal only
	// when neither the file nor the environment supplied a value.
	if cfg.Broker.DataDir == "" {
		cfg.Broker.DataDir = defaultDataDir()
	}
	if cfg.Broker.ClaudeConfigDir == "" {
		cfg.Broker.ClaudeConfigDir = defaultClaudeConfigDir()
	}

	return &cfg, nil
}

// WriteExampleConfig renders a fully-populated config.yaml (defaults only,
// no environment overrides applied) to path, so an operator can run
// `agentctl -init-config config.yaml` and get a documented starting point
// instead of hunting through environment-variable names.
func WriteExampleConfig(path string) error {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("error unmarshaling default config: %w", err)
	}
	cfg.Broker.DataDir = defaultDataDir()
	cfg.Broker.ClaudeConfigDir = defaultClaudeConfigDir()

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling example config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

// setDefaults configures default values for every configuration option so
// an absent config.yaml and absent environment variables still produce a
// runnable Config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 9999)
	v.SetDefault("ports.base", 10001)
	v.SetDefault("ports.max", 10100)

	v.SetDefault("defaults.protocol", string(agent.ProtocolACP))
	v.SetDefault("defaults.agentCommand", "auggie --acp")
	v.SetDefault("defaults.workDir", "/workspace")
	v.SetDefault("defaults.autoStart", false)
	v.SetDefault("defaults.autoApprovePermissions", false)
	v.SetDefault("defaults.healthCheckInterval", 5)
	v.SetDefault("defaults.processBufferMaxBytes", 2*1024*1024)

	v.SetDefault("shellEnabled", true)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "json")
	v.SetDefault("mcpLogFile", "")
	v.SetDefault("vscodeCommand", "code-server")

	v.SetDefault("broker.dataDir", "")
	v.SetDefault("broker.registryUrl", "")
	v.SetDefault("broker.mcpServerUrl", "")
	v.SetDefault("broker.mcpWorkspaceId", "")
	v.SetDefault("broker.coordinationPort", 9998)
	v.SetDefault("broker.anthropicApiKey", "")
	v.SetDefault("broker.anthropicAuthToken", "")
	v.SetDefault("broker.anthropicBaseUrl", "")
	v.SetDefault("broker.anthropicModel", "")
	v.SetDefault("broker.apiTimeoutMs", 120_000)
	v.SetDefault("broker.claudeConfigDir", "")
}

// defaultDataDir returns the broker's default data root: the user's home
// directory unless serverless mode (an immutable filesystem) routes it to
// ephemeral storage instead (spec §6).
func defaultDataDir() string {
	if Serverless() {
		return "/tmp/acp-broker"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// defaultClaudeConfigDir mirrors CLAUDE_CONFIG_DIR (spec §6): honor an
// explicit override, else fall back to /tmp/.claude in serverless mode,
// else leave empty so the Claude CLI uses its own default.
func defaultClaudeConfigDir() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir
	}
	if Serverless() {
		return "/tmp/.claude"
	}
	return ""
}

// NewInstanceConfig creates an InstanceConfig from defaults with optional overrides.
// If port is 0, it should be allocated by the caller.
func (c *Config) NewInstanceConfig(port int, overrides *InstanceOverrides) *InstanceConfig {
	cfg := &InstanceConfig{
		Port:                   port,
		Protocol:               c.Defaults.Protocol,
		AgentCommand:           c.Defaults.AgentCommand,
		WorkDir:                c.Defaults.WorkDir,
		AutoStart:              c.Defaults.AutoStart,
		AutoApprovePermissions: c.Defaults.AutoApprovePermissions,
		ShellEnabled:           c.ShellEnabled,
		LogLevel:               c.LogLevel,
		LogFormat:              c.LogFormat,
		ProcessBufferMaxBytes:  c.Defaults.ProcessBufferMaxBytes,
		VscodeCommand:          c.VscodeCommand,
	}

	applyOverrides(cfg, overrides)

	// Inject local routa MCP server for MCP tunneling through the agent stream
	// This ensures the routa MCP server is available for protocols that read MCP config
	// at startup time (e.g., Codex via -c flags). The MCP server uses the agent stream
	// WebSocket connection (bidirectional) to forward tool calls to the backend.
	if port > 0 {
		cfg.McpServers = injectRoutaMcpServer(cfg.McpServers, port)
	}

	// Parse agent command into args
	cfg.AgentArgs = ParseCommand(cfg.AgentCommand)

	// Collect environment if not explicitly set
	if cfg.AgentEnv == nil {
		cfg.AgentEnv = CollectAgentEnv(nil)
	}

	return cfg
}

// applyOverrides applies non-zero fields from overrides to cfg.
func applyOverrides(cfg *InstanceConfig, overrides *InstanceOverrides) {
	if overrides == nil {
		return
	}
	if overrides.Protocol != "" {
		cfg.Protocol = overrides.Protocol
	}
	if overrides.AgentCommand != "" {
		cfg.AgentCommand = overrides.AgentCommand
	}
	if overrides.WorkDir != "" {
		cfg.WorkDir = overrides.WorkDir
	}
	if overrides.AutoStart != nil {
		cfg.AutoStart = *overrides.AutoStart
	}
	if overrides.Env != nil {
		cfg.AgentEnv = overrides.Env
	}
	if overrides.ApprovalPolicy != "" {
		cfg.ApprovalPolicy = overrides.ApprovalPolicy
	}
	if overrides.AgentType != "" {
		cfg.AgentType = overrides.AgentType
	}
	if len(overrides.McpServers) > 0 {
		cfg.McpServers = overrides.McpServers
	}
	if overrides.SessionID != "" {
		cfg.SessionID = overrides.SessionID
	}
}

// InstanceOverrides allows overriding default values when creating an instance
type InstanceOverrides struct {
	Protocol       agent.Protocol
	AgentCommand   string
	WorkDir        string
	AutoStart      *bool
	Env            []string
	ApprovalPolicy string
	AgentType      string
	McpServers     []McpServerConfig
	SessionID      string
}

// ParseCommand splits a command string into arguments
func ParseCommand(cmd string) []string {
	return strings.Fields(cmd)
}

// CollectAgentEnv collects environment variables to pass to the agent.
// It filters out AGENTCTL_* variables and optionally merges additional env vars.
func CollectAgentEnv(additional map[string]string) []string {
	envMap := make(map[string]string)

	// Start with current environment, excluding AGENTCTL_* vars
	for _, e := range os.Environ() {
		if idx := strings.Index(e, "="); idx > 0 {
			key := e[:idx]
			if !strings.HasPrefix(key, "AGENTCTL_") {
				envMap[key] = e[idx+1:]
			}
		}
	}

	// Merge additional env vars
	for k, v := range additional {
		envMap[k] = v
	}

	// Convert back to slice
	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}

// injectRoutaMcpServer prepends the local routa MCP server to the list of MCP servers.
// This replaces any existing routa server to avoid duplicates.
// The routa MCP server provides tools like ask_user_question to the agent.
func injectRoutaMcpServer(servers []McpServerConfig, port int) []McpServerConfig {
	localRoutaMcp := McpServerConfig{
		Name: "routa",
		Type: "sse",
		URL:  "http://localhost:" + strconv.Itoa(port) + "/sse",
	}

	// Filter out any existing routa server and prepend the local one
	result := make([]McpServerConfig, 0, len(servers)+1)
	result = append(result, localRoutaMcp)
	for _, srv := range servers {
		if srv.Name != "routa" {
			result = append(result, srv)
		}
	}
	return result
}
