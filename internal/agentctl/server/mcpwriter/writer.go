// Package mcpwriter implements the MCP Config Writer (spec §4.C): it
// materializes the per-provider on-disk (or inline) configuration each agent
// CLI needs in order to reach the coordination MCP server, preserving
// whatever else a provider's config file already holds.
//
// Each provider has a different injection mechanism (merge JSON, merge TOML,
// write a standalone file, or hand the caller an inline JSON blob for a CLI
// flag); EnsureMcpForProvider dispatches to the right one and degrades to
// "no MCP" on any failure instead of aborting the spawn (spec §7).
package mcpwriter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

// coordinationServerName is the entry name every built-in merge uses; it
// always wins over a same-named custom server (spec §4.C).
const coordinationServerName = "routa-coordination"

// ServerSpec describes one custom, database-sourced MCP server to merge in
// alongside the built-in coordination entry.
type ServerSpec struct {
	Name string
	URL  string
}

// Options parameterizes one EnsureMcpForProvider call.
type Options struct {
	ServerURL     string
	WorkspaceID   string
	CustomServers []ServerSpec
}

// Result is what the caller needs to finish building a spawn command.
type Result struct {
	// CLIArgs are extra command-line arguments the caller must append to the
	// spawn command (non-empty only for file-path- or inline-JSON-driven
	// providers).
	CLIArgs []string
	// Summary is a short human-readable description of what happened,
	// logged by the caller and useful for surfacing degraded MCP state.
	Summary string
}

// Writer materializes MCP config for every supported provider. It is safe
// for concurrent use; writes to the same file path are serialized via an
// advisory in-process lock (spec §5).
type Writer struct {
	logger *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Writer.
func New(log *logger.Logger) *Writer {
	return &Writer{
		logger: log.WithFields(zap.String("component", "mcp-config-writer")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// EnsureMcpForProvider materializes MCP config for providerID. It never
// returns an error that should abort a session spawn: on any underlying
// failure it logs and returns a degraded Result (empty CLIArgs, summary
// describing the failure) per spec §7 ("a write failure degrades to
// 'no MCP' for that provider; log; continue spawn").
func (w *Writer) EnsureMcpForProvider(providerID string, opts Options) Result {
	switch providerID {
	case "opencode":
		return w.mergeJSONMcpServers("opencode", opencodeConfigPath(), "mcp", opts, jsonRemoteServer)
	case "auggie":
		return w.writeAuggie(opts)
	case "claude-code", "claude", "amp":
		return w.inlineJSON(opts)
	case "codex":
		return w.mergeTOML("codex", codexConfigPath(), []string{"mcp_servers"}, opts)
	case "gemini":
		return w.mergeJSONMcpServers("gemini", geminiConfigPath(), "mcpServers", opts, jsonHTTPUrlServer)
	case "kimi":
		return w.mergeTOML("kimi", kimiConfigPath(), []string{"mcp", "servers"}, opts)
	case "copilot":
		return w.mergeJSONMcpServers("copilot", copilotConfigPath(), "", opts, jsonRemoteServer)
	default:
		return Result{Summary: fmt.Sprintf("provider %q has no known MCP injection mechanism; no MCP configured", providerID)}
	}
}

func (w *Writer) lockFor(path string) *sync.Mutex {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	return l
}

// jsonServerBuilder renders one merged MCP server entry for a JSON-based
// provider. Providers disagree on the URL field name (OpenCode/Copilot use
// "url", Gemini uses "httpUrl"), hence the indirection.
type jsonServerBuilder func(url string) map[string]interface{}

func jsonRemoteServer(url string) map[string]interface{} {
	return map[string]interface{}{"type": "remote", "url": url, "enabled": true}
}

func jsonHTTPUrlServer(url string) map[string]interface{} {
	return map[string]interface{}{"httpUrl": url, "enabled": true}
}

// mergeJSONMcpServers reads path (a JSON document), merges the coordination
// server plus any custom servers under objectKey (or at the document root
// when objectKey is empty), and writes it back. Pre-existing entries are
// preserved; only entries with colliding names are overwritten, and the
// built-in coordination entry always wins.
func (w *Writer) mergeJSONMcpServers(provider, path, objectKey string, opts Options, build jsonServerBuilder) Result {
	lock := w.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	doc, err := readJSONObject(path)
	if err != nil {
		return w.degraded(provider, path, err)
	}

	target := doc
	if objectKey != "" {
		sub, ok := doc[objectKey].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
		}
		target = sub
	}

	for _, cs := range opts.CustomServers {
		if cs.Name == coordinationServerName {
			continue // built-in always wins
		}
		target[cs.Name] = build(cs.URL)
	}
	target[coordinationServerName] = build(opts.ServerURL)

	if objectKey != "" {
		doc[objectKey] = target
	} else {
		doc = target
	}

	if err := writeJSONObject(path, doc); err != nil {
		return w.degraded(provider, path, err)
	}

	return Result{Summary: fmt.Sprintf("%s: merged %d MCP server(s) into %s", provider, len(target), path)}
}

// mergeTOML reads path (a TOML document), walks/creates the nested table
// given by keyPath, merges the coordination server plus custom servers under
// it, and writes it back.
func (w *Writer) mergeTOML(provider, path string, keyPath []string, opts Options) Result {
	lock := w.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	doc, err := readTOMLObject(path)
	if err != nil {
		return w.degraded(provider, path, err)
	}

	table := navigateCreate(doc, keyPath)
	for _, cs := range opts.CustomServers {
		if cs.Name == coordinationServerName {
			continue
		}
		table[cs.Name] = map[string]interface{}{"url": cs.URL}
	}
	table[coordinationServerName] = map[string]interface{}{"url": opts.ServerURL}

	if err := writeTOMLObject(path, doc); err != nil {
		return w.degraded(provider, path, err)
	}

	return Result{Summary: fmt.Sprintf("%s: merged %d MCP server(s) into %s", provider, len(table), path)}
}

// writeAuggie writes a standalone JSON file and hands the caller the path as
// a --mcp-config flag value (Auggie has no merge semantics of its own file;
// the broker owns the whole file).
func (w *Writer) writeAuggie(opts Options) Result {
	path := auggieConfigPath()
	lock := w.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	servers := map[string]interface{}{
		coordinationServerName: jsonRemoteServer(opts.ServerURL),
	}
	for _, cs := range opts.CustomServers {
		if cs.Name == coordinationServerName {
			continue
		}
		servers[cs.Name] = jsonRemoteServer(cs.URL)
	}

	if err := writeJSONObject(path, map[string]interface{}{"mcpServers": servers}); err != nil {
		return w.degraded("auggie", path, err)
	}

	return Result{CLIArgs: []string{"--mcp-config", path}, Summary: fmt.Sprintf("auggie: wrote %s", path)}
}

// inlineJSON is used by Claude Code (and the Amp adapter, which follows the
// same stream-json CLI convention): the caller passes one inline JSON string
// as --mcp-config instead of a file path.
func (w *Writer) inlineJSON(opts Options) Result {
	servers := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			coordinationServerName: map[string]interface{}{
				"type": "http",
				"url":  opts.ServerURL,
			},
		},
	}
	for _, cs := range opts.CustomServers {
		if cs.Name == coordinationServerName {
			continue
		}
		servers["mcpServers"].(map[string]interface{})[cs.Name] = map[string]interface{}{"type": "http", "url": cs.URL}
	}

	b, err := json.Marshal(servers)
	if err != nil {
		return w.degraded("claude-code", "<inline>", err)
	}

	return Result{CLIArgs: []string{"--mcp-config", string(b)}, Summary: "claude-code: built inline MCP config"}
}

func (w *Writer) degraded(provider, path string, err error) Result {
	w.logger.Warn("mcp config write failed, degrading to no MCP",
		zap.String("provider", provider), zap.String("path", path), zap.Error(err))
	return Result{Summary: fmt.Sprintf("%s: MCP config write failed (%v); continuing without MCP", provider, err)}
}

// --- filesystem helpers ---

func readJSONObject(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]interface{}), nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return make(map[string]interface{}), nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return make(map[string]interface{}), nil // corrupt file: start fresh rather than fail the spawn
	}
	return doc, nil
}

func writeJSONObject(path string, doc map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func readTOMLObject(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]interface{}), nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return make(map[string]interface{}), nil
	}
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return make(map[string]interface{}), nil
	}
	return doc, nil
}

func writeTOMLObject(path string, doc map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := toml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// navigateCreate walks doc along keyPath, creating map[string]interface{}
// tables as needed, and returns the leaf table.
func navigateCreate(doc map[string]interface{}, keyPath []string) map[string]interface{} {
	cur := doc
	for _, k := range keyPath {
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[k] = next
		}
		cur = next
	}
	return cur
}

// sortedKeys is used only by tests to assert set equality deterministically.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func homeDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return h
}

func opencodeConfigPath() string { return filepath.Join(homeDir(), ".config", "opencode", "opencode.json") }
func auggieConfigPath() string   { return filepath.Join(homeDir(), ".augment", "mcp-config.json") }
func codexConfigPath() string    { return filepath.Join(homeDir(), ".codex", "config.toml") }
func geminiConfigPath() string   { return filepath.Join(homeDir(), ".gemini", "settings.json") }
func kimiConfigPath() string     { return filepath.Join(homeDir(), ".kimi", "config.toml") }
func copilotConfigPath() string  { return filepath.Join(homeDir(), ".copilot", "mcp-config.json") }
