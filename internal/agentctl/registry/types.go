// Package registry implements the Registry & Preset Catalog (spec §4.B):
// a static preset table for in-tree providers plus a fetch-and-cache remote
// agent registry, both collapsed into one Preset shape that the session
// manager can hand to a process.Manager for spawning.
package registry

import "time"

// DistributionType identifies how a registry-sourced agent is distributed.
type DistributionType string

const (
	DistributionNpx    DistributionType = "npx"
	DistributionUvx    DistributionType = "uvx"
	DistributionBinary DistributionType = "binary"
)

// PresetSource distinguishes compile-time presets from ones learned from the
// remote registry. Static always wins on an id collision.
type PresetSource string

const (
	SourceStatic   PresetSource = "static"
	SourceRegistry PresetSource = "registry"
)

// Preset is the immutable descriptor of one spawnable provider (spec §3).
type Preset struct {
	ID                 string           `json:"id"`
	DisplayName        string           `json:"displayName"`
	Command            string           `json:"command"`
	Args               []string         `json:"args,omitempty"`
	EnvOverrideName    string           `json:"envOverrideName,omitempty"`
	NonStandardDialect bool             `json:"nonStandardDialect,omitempty"`
	Source             PresetSource     `json:"source"`
	DistributionType   DistributionType `json:"distributionType,omitempty"`
	Version            string           `json:"version,omitempty"`
	Description        string           `json:"description,omitempty"`
}

// PlatformTag identifies one of the six OS/arch combinations a registry
// binary distribution may target.
type PlatformTag string

const (
	PlatformDarwinARM64  PlatformTag = "darwin-aarch64"
	PlatformDarwinAMD64  PlatformTag = "darwin-x86_64"
	PlatformLinuxARM64   PlatformTag = "linux-aarch64"
	PlatformLinuxAMD64   PlatformTag = "linux-x86_64"
	PlatformWindowsARM64 PlatformTag = "windows-aarch64"
	PlatformWindowsAMD64 PlatformTag = "windows-x86_64"
)

// NpxDistribution describes an npx-run package.
type NpxDistribution struct {
	Package string            `json:"package"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// UvxDistribution describes a uvx-run package.
type UvxDistribution struct {
	Package string            `json:"package"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// BinaryDistribution describes a downloadable archive for one platform.
type BinaryDistribution struct {
	Archive string            `json:"archive"`
	Cmd     string            `json:"cmd"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Distribution is the union of ways a registry agent may be run; exactly the
// populated fields are valid for a given agent.
type Distribution struct {
	Npx    *NpxDistribution               `json:"npx,omitempty"`
	Uvx    *UvxDistribution               `json:"uvx,omitempty"`
	Binary map[PlatformTag]BinaryDistribution `json:"binary,omitempty"`
}

// RegistryAgent is one record of the remote catalog document (spec §3).
type RegistryAgent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description"`
	Authors      []string     `json:"authors,omitempty"`
	License      string       `json:"license,omitempty"`
	Icon         string       `json:"icon,omitempty"`
	Distribution Distribution `json:"distribution"`
}

// registryDocument is the schema-validated shape of the remote catalog.
type registryDocument struct {
	Agents []RegistryAgent `json:"agents"`
}

// AgentProcessConfig is the fully-resolved spawnable descriptor (spec §3),
// produced by Catalog.BuildSpawnDescriptor by composing a Preset with a
// working directory and MCP config material.
type AgentProcessConfig struct {
	PresetID    string
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	DisplayName string
	McpConfigs  []string
}

// cacheTTL is the remote registry's in-memory cache lifetime (spec §3).
const cacheTTL = time.Hour
