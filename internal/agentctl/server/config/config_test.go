package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/routa/acp-broker/pkg/agent"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.Defaults.Protocol != agent.ProtocolACP {
		t.Errorf("Defaults.Protocol = %q, want %q", cfg.Defaults.Protocol, agent.ProtocolACP)
	}
	if cfg.Broker.CoordinationPort != 9998 {
		t.Errorf("Broker.CoordinationPort = %d, want 9998", cfg.Broker.CoordinationPort)
	}
	if cfg.Broker.DataDir == "" {
		t.Error("Broker.DataDir should fall back to a non-empty default")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENTCTL_PORT", "7000")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("ROUTA_SERVER_URL", "http://coord.local/mcp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 from AGENTCTL_PORT", cfg.Port)
	}
	if cfg.Broker.AnthropicAPIKey != "sk-test" {
		t.Errorf("Broker.AnthropicAPIKey = %q, want sk-test", cfg.Broker.AnthropicAPIKey)
	}
	if cfg.Broker.McpServerURL != "http://coord.local/mcp" {
		t.Errorf("Broker.McpServerURL = %q, want http://coord.local/mcp", cfg.Broker.McpServerURL)
	}
}

func TestLoadWithPath_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "port: 8123\nbroker:\n  registryUrl: https://registry.example/agents\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}
	if cfg.Port != 8123 {
		t.Errorf("Port = %d, want 8123 from config.yaml", cfg.Port)
	}
	if cfg.Broker.RegistryURL != "https://registry.example/agents" {
		t.Errorf("Broker.RegistryURL = %q, want value from config.yaml", cfg.Broker.RegistryURL)
	}
}

func TestLoadWithPath_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "port: 8123\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	t.Setenv("AGENTCTL_PORT", "9001")

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}
	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001 (env beats file)", cfg.Port)
	}
}

func TestWriteExampleConfig_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig() error = %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath() on generated config error = %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999 from the written example config", cfg.Port)
	}
	if cfg.Broker.CoordinationPort != 9998 {
		t.Errorf("Broker.CoordinationPort = %d, want 9998", cfg.Broker.CoordinationPort)
	}
}

func TestLoadWithPath_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath() with no config.yaml present should not error, got %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want default 9999", cfg.Port)
	}
}
