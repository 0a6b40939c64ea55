package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/routa/acp-broker/internal/agent/agents"
	agentruntime "github.com/routa/acp-broker/internal/agent/runtime"
	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

// staticAgentFactories constructs every in-tree provider. Each one
// already knows how to build its own spawn command via agents.Agent.
var staticAgentFactories = []func() agents.Agent{
	func() agents.Agent { return agents.NewOpenCode() },
	func() agents.Agent { return agents.NewOpenCodeACP() },
	func() agents.Agent { return agents.NewGemini() },
	func() agents.Agent { return agents.NewCodex() },
	func() agents.Agent { return agents.NewCopilot() },
	func() agents.Agent { return agents.NewAuggie() },
	func() agents.Agent { return agents.NewKimi() },
	func() agents.Agent { return agents.NewClaudeCode() },
	func() agents.Agent { return agents.NewAmp() },
	func() agents.Agent { return agents.NewMockAgent() },
}

// Catalog is the process-wide singleton combining the static preset table
// with the remote registry cache (spec §4.B, §9 "global mutable state").
type Catalog struct {
	logger *logger.Logger

	staticAgents map[string]agents.Agent

	registryURL string
	httpClient  *http.Client
	runtimes    *agentruntime.Manager

	mu        sync.RWMutex
	cached    []RegistryAgent
	cachedAt  time.Time
	refreshMu sync.Mutex // serializes cache refresh (spec §5)
}

// NewCatalog constructs a Catalog. registryURL may be empty, in which case
// ListPresets never returns registry-sourced presets.
func NewCatalog(runtimes *agentruntime.Manager, registryURL string, log *logger.Logger) *Catalog {
	static := make(map[string]agents.Agent, len(staticAgentFactories))
	for _, factory := range staticAgentFactories {
		a := factory()
		static[a.ID()] = a
	}
	return &Catalog{
		logger:       log.WithFields(zap.String("component", "registry-catalog")),
		staticAgents: static,
		registryURL:  registryURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		runtimes:     runtimes,
	}
}

// ListPresets returns every usable preset on this host. Static presets are
// always included; registry presets are included only when includeRegistry
// is true and filtered to distributions usable on the current platform.
// Static presets win on id collision with a registry preset.
func (c *Catalog) ListPresets(ctx context.Context, includeRegistry bool) ([]Preset, error) {
	presets := make([]Preset, 0, len(c.staticAgents))
	for id, a := range c.staticAgents {
		presets = append(presets, staticPreset(id, a))
	}

	if !includeRegistry || c.registryURL == "" {
		return presets, nil
	}

	entries, err := c.registryEntries(ctx)
	if err != nil {
		// A registry fetch failure degrades to "static presets only" rather
		// than failing the whole listing (spec §7 error-handling principle:
		// faults in host-owned subsystems never propagate unnecessarily).
		c.logger.Warn("registry fetch failed, serving static presets only", zap.Error(err))
		return presets, nil
	}

	tag := currentPlatformTag()
	for _, ra := range entries {
		if _, collides := c.staticAgents[ra.ID]; collides {
			continue
		}
		preset, ok := registryPreset(ra, tag)
		if !ok {
			continue
		}
		presets = append(presets, preset)
	}
	return presets, nil
}

// GetPreset resolves a single preset by id, checking static presets first.
func (c *Catalog) GetPreset(ctx context.Context, id string) (*Preset, bool) {
	if a, ok := c.staticAgents[id]; ok {
		p := staticPreset(id, a)
		return &p, true
	}
	if c.registryURL == "" {
		return nil, false
	}
	entries, err := c.registryEntries(ctx)
	if err != nil {
		return nil, false
	}
	tag := currentPlatformTag()
	for _, ra := range entries {
		if ra.ID != id {
			continue
		}
		preset, ok := registryPreset(ra, tag)
		if !ok {
			return nil, false
		}
		return &preset, true
	}
	return nil, false
}

// StaticAgent returns the underlying agents.Agent for a static preset id, so
// callers needing the richer Agent interface (adapter construction, model
// listing) don't have to re-derive it from the flattened Preset.
func (c *Catalog) StaticAgent(id string) (agents.Agent, bool) {
	a, ok := c.staticAgents[id]
	return a, ok
}

// BuildSpawnDescriptor composes a resolved Preset with a working directory,
// extra args/env, and MCP config material into a spawnable descriptor
// (spec §4.B). npx/uvx presets are resolved through the Runtime Manager so
// the returned Command is an absolute path to the managed or system runtime.
func (c *Catalog) BuildSpawnDescriptor(ctx context.Context, id, cwd string, extraArgs []string, extraEnv map[string]string, mcpArgs []string) (*AgentProcessConfig, error) {
	preset, ok := c.GetPreset(ctx, id)
	if !ok {
		return nil, fmt.Errorf("registry: unknown preset %q", id)
	}

	env := make(map[string]string, len(extraEnv))
	for k, v := range extraEnv {
		env[k] = v
	}

	command := preset.Command
	args := append([]string{}, preset.Args...)

	switch preset.DistributionType {
	case DistributionNpx:
		info, err := c.runtimes.EnsureRuntime(ctx, agentruntime.KindNpx)
		if err != nil {
			return nil, fmt.Errorf("registry: resolving npx runtime for %q: %w", id, err)
		}
		command = info.Path
	case DistributionUvx:
		info, err := c.runtimes.EnsureRuntime(ctx, agentruntime.KindUvx)
		if err != nil {
			return nil, fmt.Errorf("registry: resolving uvx runtime for %q: %w", id, err)
		}
		command = info.Path
	}

	args = append(args, extraArgs...)
	args = append(args, mcpArgs...)

	return &AgentProcessConfig{
		PresetID:    preset.ID,
		Command:     command,
		Args:        args,
		Cwd:         cwd,
		Env:         env,
		DisplayName: preset.DisplayName,
		McpConfigs:  mcpArgs,
	}, nil
}

// registryEntries returns the cached registry document, refreshing it if the
// TTL has elapsed. Refreshes are serialized so concurrent callers collapse
// onto one HTTP fetch (spec §5 "preset/registry cache is read-mostly").
func (c *Catalog) registryEntries(ctx context.Context) ([]RegistryAgent, error) {
	c.mu.RLock()
	fresh := time.Since(c.cachedAt) < cacheTTL && c.cachedAt.IsZero() == false
	entries := c.cached
	c.mu.RUnlock()
	if fresh {
		return entries, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	c.mu.RLock()
	fresh = time.Since(c.cachedAt) < cacheTTL && !c.cachedAt.IsZero()
	entries = c.cached
	c.mu.RUnlock()
	if fresh {
		return entries, nil
	}

	doc, err := c.fetchRegistry(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = doc.Agents
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return doc.Agents, nil
}

func (c *Catalog) fetchRegistry(ctx context.Context) (*registryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.registryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	var doc registryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("registry fetch: invalid document: %w", err)
	}

	// Validate strictly on ingest (spec §9): reject unknown distribution
	// kinds early rather than carrying an agent no preset builder can spawn.
	valid := doc.Agents[:0]
	for _, a := range doc.Agents {
		if a.Distribution.Npx == nil && a.Distribution.Uvx == nil && len(a.Distribution.Binary) == 0 {
			c.logger.Warn("dropping registry agent with no usable distribution", zap.String("id", a.ID))
			continue
		}
		valid = append(valid, a)
	}
	doc.Agents = valid

	return &doc, nil
}

func staticPreset(id string, a agents.Agent) Preset {
	cmd := a.Runtime().Cmd.Args()
	command, args := "", []string(nil)
	if len(cmd) > 0 {
		command, args = cmd[0], cmd[1:]
	}
	return Preset{
		ID:                 id,
		DisplayName:        a.DisplayName(),
		Command:            command,
		Args:               args,
		Source:             SourceStatic,
		DistributionType:   classifyDistribution(command),
		Description:        a.Description(),
		NonStandardDialect: id == "claude-code" || id == "amp",
	}
}

// registryPreset converts a RegistryAgent into a Preset for the current
// platform, returning ok=false when no distribution entry is usable here
// (spec §4.B: "an agent whose distribution lacks an entry usable on this
// host is omitted").
func registryPreset(ra RegistryAgent, tag PlatformTag) (Preset, bool) {
	switch {
	case ra.Distribution.Npx != nil:
		d := ra.Distribution.Npx
		args := append([]string{"-y", d.Package}, d.Args...)
		return Preset{
			ID: ra.ID, DisplayName: ra.Name, Command: "npx", Args: args,
			Source: SourceRegistry, DistributionType: DistributionNpx,
			Version: ra.Version, Description: ra.Description,
		}, true
	case ra.Distribution.Uvx != nil:
		d := ra.Distribution.Uvx
		args := append([]string{d.Package}, d.Args...)
		return Preset{
			ID: ra.ID, DisplayName: ra.Name, Command: "uvx", Args: args,
			Source: SourceRegistry, DistributionType: DistributionUvx,
			Version: ra.Version, Description: ra.Description,
		}, true
	default:
		bin, ok := ra.Distribution.Binary[tag]
		if !ok {
			return Preset{}, false
		}
		return Preset{
			ID: ra.ID, DisplayName: ra.Name, Command: bin.Cmd, Args: bin.Args,
			Source: SourceRegistry, DistributionType: DistributionBinary,
			Version: ra.Version, Description: ra.Description,
		}, true
	}
}

func classifyDistribution(command string) DistributionType {
	switch command {
	case "npx":
		return DistributionNpx
	case "uvx":
		return DistributionUvx
	default:
		return DistributionBinary
	}
}

// currentPlatformTag maps the running GOOS/GOARCH onto the registry's
// PlatformTag vocabulary (spec §3).
func currentPlatformTag() PlatformTag {
	arch := "x86_64"
	if runtime.GOARCH == "arm64" {
		arch = "aarch64"
	}
	os := runtime.GOOS
	if os == "darwin" {
		return PlatformTag("darwin-" + arch)
	}
	if os == "windows" {
		return PlatformTag("windows-" + arch)
	}
	return PlatformTag(strings.ToLower(os) + "-" + arch)
}
