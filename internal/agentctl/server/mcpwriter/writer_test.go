package mcpwriter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/routa/acp-broker/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return New(logger.Default())
}

func TestEnsureMcpForProviderOpenCodePreservesExistingEntries(t *testing.T) {
	w := newTestWriter(t)
	path := opencodeConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"mcp":{"other-server":{"type":"local","command":"foo"}},"theme":"dark"}`), 0o644))

	res := w.EnsureMcpForProvider("opencode", Options{ServerURL: "http://localhost:9000/mcp"})
	assert.Empty(t, res.CLIArgs)

	var doc map[string]interface{}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, "dark", doc["theme"], "pre-existing unrelated keys must survive the merge")
	mcp := doc["mcp"].(map[string]interface{})
	assert.Contains(t, mcp, "other-server")
	assert.Contains(t, mcp, coordinationServerName)
}

func TestEnsureMcpForProviderOpenCodeRoundTripIsIdempotent(t *testing.T) {
	w := newTestWriter(t)
	opts := Options{ServerURL: "http://localhost:9000/mcp", CustomServers: []ServerSpec{{Name: "custom-a", URL: "http://x"}}}

	w.EnsureMcpForProvider("opencode", opts)
	firstKeys := readMergedKeys(t, opencodeConfigPath(), "mcp")

	w.EnsureMcpForProvider("opencode", opts)
	secondKeys := readMergedKeys(t, opencodeConfigPath(), "mcp")

	assert.ElementsMatch(t, firstKeys, secondKeys)
	assert.Contains(t, secondKeys, coordinationServerName)
}

func TestEnsureMcpForProviderCodexMergesTOML(t *testing.T) {
	w := newTestWriter(t)
	res := w.EnsureMcpForProvider("codex", Options{ServerURL: "http://localhost:9000/mcp"})
	assert.Empty(t, res.CLIArgs)

	data, err := os.ReadFile(codexConfigPath())
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &doc))

	servers := doc["mcp_servers"].(map[string]interface{})
	assert.Contains(t, servers, coordinationServerName)
}

func TestEnsureMcpForProviderGeminiUsesHttpUrlField(t *testing.T) {
	w := newTestWriter(t)
	w.EnsureMcpForProvider("gemini", Options{ServerURL: "http://localhost:9000/mcp"})

	data, err := os.ReadFile(geminiConfigPath())
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))

	servers := doc["mcpServers"].(map[string]interface{})
	entry := servers[coordinationServerName].(map[string]interface{})
	assert.Equal(t, "http://localhost:9000/mcp", entry["httpUrl"])
	assert.NotContains(t, entry, "url")
}

func TestEnsureMcpForProviderAuggieReturnsConfigPathAsCliArg(t *testing.T) {
	w := newTestWriter(t)
	res := w.EnsureMcpForProvider("auggie", Options{ServerURL: "http://localhost:9000/mcp"})
	require.Len(t, res.CLIArgs, 2)
	assert.Equal(t, "--mcp-config", res.CLIArgs[0])
	assert.FileExists(t, res.CLIArgs[1])
}

func TestEnsureMcpForProviderClaudeCodeReturnsInlineJSON(t *testing.T) {
	w := newTestWriter(t)
	res := w.EnsureMcpForProvider("claude-code", Options{ServerURL: "http://localhost:9000/mcp"})
	require.Len(t, res.CLIArgs, 2)
	assert.Equal(t, "--mcp-config", res.CLIArgs[0])

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.CLIArgs[1]), &doc))
	servers := doc["mcpServers"].(map[string]interface{})
	assert.Contains(t, servers, coordinationServerName)
}

func TestEnsureMcpForProviderBuiltInWinsOverCustomSameName(t *testing.T) {
	w := newTestWriter(t)
	w.EnsureMcpForProvider("opencode", Options{
		ServerURL:     "http://localhost:9000/mcp",
		CustomServers: []ServerSpec{{Name: coordinationServerName, URL: "http://evil"}},
	})

	data, err := os.ReadFile(opencodeConfigPath())
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	mcp := doc["mcp"].(map[string]interface{})
	entry := mcp[coordinationServerName].(map[string]interface{})
	assert.Equal(t, "http://localhost:9000/mcp", entry["url"])
}

func TestEnsureMcpForProviderUnknownProviderDegradesCleanly(t *testing.T) {
	w := newTestWriter(t)
	res := w.EnsureMcpForProvider("not-a-real-provider", Options{ServerURL: "http://x"})
	assert.Empty(t, res.CLIArgs)
	assert.NotEmpty(t, res.Summary)
}

func readMergedKeys(t *testing.T, path, objectKey string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	return sortedKeys(doc[objectKey].(map[string]interface{}))
}
