package coordination

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/routa/acp-broker/internal/common/logger"
)

// callTool drives a tool through the MCP JSON-RPC surface in-process,
// mirroring how a real client would invoke it over the Streamable HTTP
// transport without opening a socket.
func callTool(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	require.NoError(t, err)

	respJSON := s.mcpServer.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	require.NoError(t, err)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	require.Nil(t, resp.Error, "unexpected RPC error")

	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestAskUserQuestionAutoSelectsFirstOption(t *testing.T) {
	s := New(logger.Default())

	result := callTool(t, s, "ask_user_question_routa", map[string]any{
		"prompt":  "Which branch?",
		"options": []any{"main", "develop"},
	})

	require.False(t, result.IsError)
	require.Contains(t, resultText(t, result), "main")
}

func TestPlanUpdateThenGetRoundTrips(t *testing.T) {
	s := New(logger.Default())

	update := callTool(t, s, "plan_update", map[string]any{
		"session_id": "sess-1",
		"entries": []any{
			map[string]any{"content": "write tests", "status": "pending"},
			map[string]any{"content": "ship it"},
		},
	})
	require.False(t, update.IsError)
	require.Contains(t, resultText(t, update), "write tests")

	fetched := callTool(t, s, "plan_get", map[string]any{"session_id": "sess-1"})
	require.False(t, fetched.IsError)
	text := resultText(t, fetched)
	require.Contains(t, text, "write tests")
	require.Contains(t, text, "pending")
	// Entries without an explicit status default to pending (spec §4.G
	// checklist normalization mirrors this default for unmarked items).
	require.Contains(t, text, "ship it")
}

func TestPlanItemUpdateChangesStatus(t *testing.T) {
	s := New(logger.Default())

	callTool(t, s, "plan_update", map[string]any{
		"session_id": "sess-2",
		"entries": []any{
			map[string]any{"content": "investigate bug", "status": "pending"},
		},
	})

	updated := callTool(t, s, "plan_item_update", map[string]any{
		"session_id": "sess-2",
		"index":      float64(0),
		"status":     "completed",
	})
	require.False(t, updated.IsError)
	require.Contains(t, resultText(t, updated), "completed")
}

func TestPlanItemUpdateRejectsOutOfRangeIndex(t *testing.T) {
	s := New(logger.Default())

	callTool(t, s, "plan_update", map[string]any{
		"session_id": "sess-3",
		"entries":    []any{map[string]any{"content": "only item"}},
	})

	result := callTool(t, s, "plan_item_update", map[string]any{
		"session_id": "sess-3",
		"index":      float64(5),
		"status":     "completed",
	})
	require.True(t, result.IsError)
}
