package agents

import (
	"context"
	_ "embed"
	"time"

	"github.com/routa/acp-broker/internal/agentctl/server/adapter"
	"github.com/routa/acp-broker/internal/common/logger"
	"github.com/routa/acp-broker/pkg/agent"
)

//go:embed logos/kimi_light.svg
var kimiLogoLight []byte

//go:embed logos/kimi_dark.svg
var kimiLogoDark []byte

var (
	_ Agent            = (*Kimi)(nil)
	_ PassthroughAgent = (*Kimi)(nil)
)

// Kimi implements Agent for the Moonshot AI Kimi CLI agent.
type Kimi struct {
	StandardPassthrough
}

func NewKimi() *Kimi {
	return &Kimi{
		StandardPassthrough: StandardPassthrough{
			PermSettings: kimiPermSettings,
			Cfg: PassthroughConfig{
				Supported:      true,
				Label:          "CLI Passthrough",
				Description:    "Show terminal directly instead of chat interface",
				PassthroughCmd: NewCommand("npx", "-y", "@moonshotai/kimi-cli"),
				ModelFlag:      NewParam("--model", "{model}"),
				IdleTimeout:    3 * time.Second,
				BufferMaxBytes: DefaultBufferMaxBytes,
				ResumeFlag:     NewParam("--resume", "latest"),
			},
		},
	}
}

func (a *Kimi) ID() string          { return "kimi" }
func (a *Kimi) Name() string        { return "Moonshot Kimi Agent" }
func (a *Kimi) DisplayName() string { return "Kimi" }
func (a *Kimi) Description() string {
	return "Moonshot AI Kimi CLI-powered autonomous coding agent using ACP protocol."
}
func (a *Kimi) Enabled() bool     { return true }
func (a *Kimi) DisplayOrder() int { return 7 }

func (a *Kimi) Logo(v LogoVariant) []byte {
	if v == LogoDark {
		return kimiLogoDark
	}
	return kimiLogoLight
}

func (a *Kimi) IsInstalled(ctx context.Context) (*DiscoveryResult, error) {
	install := OSPaths{
		Linux: []string{"~/.kimi/config.toml"},
		MacOS: []string{"~/.kimi/config.toml"},
	}

	result, err := Detect(ctx, WithFileExists(install.Resolve()...))
	if err != nil {
		return result, err
	}
	result.SupportsMCP = true
	result.InstallationPaths = install.Expanded()
	result.MCPConfigPaths = install.Expanded()
	result.Capabilities = DiscoveryCapabilities{
		SupportsSessionResume: true,
	}
	return result, nil
}

func (a *Kimi) DefaultModel() string { return "kimi-k2" }

func (a *Kimi) ListModels(ctx context.Context) (*ModelList, error) {
	return &ModelList{Models: kimiStaticModels(), SupportsDynamic: false}, nil
}

func (a *Kimi) CreateAdapter(cfg *adapter.Config, log *logger.Logger) (adapter.AgentAdapter, error) {
	return adapter.NewACPAdapter(cfg, log), nil
}

func (a *Kimi) BuildCommand(opts CommandOptions) Command {
	return Cmd("npx", "-y", "@moonshotai/kimi-cli@latest", "--acp").
		Model(NewParam("--model", "{model}"), opts.Model).
		Resume(NewParam("--resume"), opts.SessionID, false).
		Settings(kimiPermSettings, opts.PermissionValues).
		Build()
}

func (a *Kimi) Runtime() *RuntimeConfig {
	canRecover := true
	return &RuntimeConfig{
		Cmd:         Cmd("npx", "-y", "@moonshotai/kimi-cli@latest", "--acp").Build(),
		WorkingDir:  "{workspace}",
		RequiredEnv: []string{"MOONSHOT_API_KEY"},
		Env:         map[string]string{},
		ResourceLimits: ResourceLimits{MemoryMB: 4096, CPUCores: 2.0, Timeout: time.Hour},
		Protocol:       agent.ProtocolACP,
		ModelFlag:      NewParam("--model", "{model}"),
		SessionConfig: SessionConfig{
			ResumeFlag:         NewParam("--resume"),
			CanRecover:         &canRecover,
			SessionDirTemplate: "{home}/.kimi",
		},
	}
}

func (a *Kimi) PermissionSettings() map[string]PermissionSetting {
	return kimiPermSettings
}

var kimiPermSettings = map[string]PermissionSetting{
	"auto_approve": {
		Supported: true, Default: true, Label: "Auto-approve", Description: "Automatically approve tool calls via ACP",
		ApplyMethod: "acp",
	},
}

func kimiStaticModels() []Model {
	return []Model{
		{ID: "kimi-k2", Name: "Kimi K2", Description: "Moonshot's flagship reasoning model", Provider: "moonshot", ContextWindow: 256000, IsDefault: true, Source: "static"},
		{ID: "kimi-k2-turbo", Name: "Kimi K2 Turbo", Description: "Lower latency variant of Kimi K2", Provider: "moonshot", ContextWindow: 256000, Source: "static"},
	}
}
