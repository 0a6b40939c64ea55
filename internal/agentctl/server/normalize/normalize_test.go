package normalize

import (
	"testing"

	"github.com/routa/acp-broker/internal/agentctl/types/streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateMessageChunkDefaultsRoleToAssistant(t *testing.T) {
	updates := Translate(streams.AgentEvent{Type: streams.EventTypeMessageChunk, SessionID: "s1", Text: "hi"})
	require.Len(t, updates, 1)
	assert.Equal(t, KindAgentMessageChunk, updates[0].SessionUpdate)
	assert.Equal(t, "assistant", updates[0].Role)
	assert.Equal(t, "hi", updates[0].Text)
}

func TestTranslateReasoningPrefersFullText(t *testing.T) {
	updates := Translate(streams.AgentEvent{
		Type: streams.EventTypeReasoning, ReasoningText: "full", ReasoningSummary: "short",
	})
	require.Len(t, updates, 1)
	assert.Equal(t, "full", updates[0].Text)
}

func TestTranslateToolCallStartedEmitsStartThenCall(t *testing.T) {
	updates := Translate(streams.AgentEvent{
		Type: streams.EventTypeToolCall, ToolCallID: "tc-1", ToolStatus: "started",
	})
	require.Len(t, updates, 2)
	assert.Equal(t, KindToolCallStart, updates[0].SessionUpdate)
	assert.Equal(t, KindToolCall, updates[1].SessionUpdate)
	assert.Equal(t, "tc-1", updates[0].ToolCallID)
}

func TestTranslateToolCallRunningEmitsOnlyToolCall(t *testing.T) {
	updates := Translate(streams.AgentEvent{
		Type: streams.EventTypeToolCall, ToolCallID: "tc-1", ToolStatus: "running",
	})
	require.Len(t, updates, 1)
	assert.Equal(t, KindToolCall, updates[0].SessionUpdate)
}

func TestTranslateToolUpdateCarriesNormalizedPayloadKind(t *testing.T) {
	updates := Translate(streams.AgentEvent{
		Type:              streams.EventTypeToolUpdate,
		ToolCallID:        "tc-1",
		NormalizedPayload: streams.NewShellExec("ls -la", "/tmp", "list files", 0, false),
	})
	require.Len(t, updates, 1)
	assert.Equal(t, KindToolCallUpdate, updates[0].SessionUpdate)
	assert.Equal(t, string(streams.ToolKindShellExec), updates[0].Kind)
}

func TestTranslateContextWindowMapsToUsageUpdate(t *testing.T) {
	updates := Translate(streams.AgentEvent{
		Type: streams.EventTypeContextWindow, ContextWindowUsed: 100, ContextWindowSize: 1000, ContextEfficiency: 10,
	})
	require.Len(t, updates, 1)
	assert.Equal(t, KindUsageUpdate, updates[0].SessionUpdate)
	assert.EqualValues(t, 100, updates[0].TokensUsed)
	assert.EqualValues(t, 1000, updates[0].TokensAvailable)
}

func TestTranslateCompleteWithErrorMapsToError(t *testing.T) {
	updates := Translate(streams.AgentEvent{Type: streams.EventTypeComplete, Error: "blocked"})
	require.Len(t, updates, 1)
	assert.Equal(t, "error", updates[0].StopReason)
}

func TestTranslateCompleteWithoutErrorMapsToEndTurn(t *testing.T) {
	updates := Translate(streams.AgentEvent{Type: streams.EventTypeComplete})
	require.Len(t, updates, 1)
	assert.Equal(t, "end_turn", updates[0].StopReason)
}

func TestTranslateUnknownEventTypeYieldsNoUpdates(t *testing.T) {
	updates := Translate(streams.AgentEvent{Type: streams.EventTypePermissionRequest})
	assert.Empty(t, updates)
}

func TestGapMarkerCarriesGapStatus(t *testing.T) {
	marker := GapMarker("sess-1")
	assert.Equal(t, KindSessionInfoUpdate, marker.SessionUpdate)
	assert.Equal(t, "gap", marker.SessionInfoStatus)
}

func TestWireNestsMessageTextUnderContent(t *testing.T) {
	w := Update{SessionUpdate: KindAgentMessageChunk, Text: "hi"}.Wire()
	content, ok := w["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", content["text"])
	assert.Equal(t, "text", content["type"])
}

func TestWireTurnCompleteCarriesStopReason(t *testing.T) {
	w := Update{SessionUpdate: KindTurnComplete, StopReason: "end_turn"}.Wire()
	assert.Equal(t, "end_turn", w["stopReason"])
}
