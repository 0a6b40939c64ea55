package trace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/routa/acp-broker/internal/agentctl/server/normalize"
	"github.com/routa/acp-broker/internal/agentctl/types/streams"
	"github.com/routa/acp-broker/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "trace.db")
	r, err := Open(dbPath, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecordAndHistoryRoundTripsNonChunkUpdates(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindPlan, SessionID: "sess-1"})
	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindUsageUpdate, SessionID: "sess-1", TokensUsed: 42})

	history, err := r.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, normalize.KindPlan, history[0].SessionUpdate)
	require.Equal(t, normalize.KindUsageUpdate, history[1].SessionUpdate)
	require.EqualValues(t, 42, history[1].TokensUsed)
}

func TestMessageChunksAreBufferedUntilFlushThreshold(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk, SessionID: "sess-1", Text: "hello "})

	history, err := r.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Empty(t, history, "a short chunk run should stay buffered, not yet written")

	big := make([]byte, flushThreshold)
	for i := range big {
		big[i] = 'x'
	}
	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk, SessionID: "sess-1", Text: string(big)})

	history, err = r.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hello "+string(big), history[0].Text)
}

func TestTurnCompleteFlushesPendingChunkBuffer(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk, SessionID: "sess-1", Text: "short"})
	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindTurnComplete, SessionID: "sess-1", StopReason: "end_turn"})

	history, err := r.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, normalize.KindAgentMessageChunk, history[0].SessionUpdate)
	require.Equal(t, "short", history[0].Text)
	require.Equal(t, normalize.KindTurnComplete, history[1].SessionUpdate)
}

func TestSwitchingChunkKindFlushesThePreviousBuffer(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentThoughtChunk, SessionID: "sess-1", Text: "thinking"})
	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk, SessionID: "sess-1", Text: "speaking"})
	r.FlushSession("sess-1")

	history, err := r.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, normalize.KindAgentThoughtChunk, history[0].SessionUpdate)
	require.Equal(t, "thinking", history[0].Text)
	require.Equal(t, normalize.KindAgentMessageChunk, history[1].SessionUpdate)
	require.Equal(t, "speaking", history[1].Text)
}

func TestHistoryOrdersEventsBySequence(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindSessionInfoUpdate, SessionID: "sess-1", SessionInfoStatus: string(rune('a' + i))})
	}

	history, err := r.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, u := range history {
		require.Equal(t, string(rune('a'+i)), u.SessionInfoStatus)
	}
}

func TestHistoryIsScopedPerSession(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	r.Record("sess-1", normalize.Update{SessionUpdate: normalize.KindPlan, SessionID: "sess-1"})
	r.Record("sess-2", normalize.Update{SessionUpdate: normalize.KindPlan, SessionID: "sess-2"})

	history, err := r.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestModifiedFilesRecordsCompletedModifyFileToolCalls(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	r.Record("sess-1", normalize.Update{
		SessionUpdate: normalize.KindToolCallUpdate,
		SessionID:     "sess-1",
		ToolCallID:    "tc-1",
		Status:        "completed",
		Content:       streams.NewModifyFile("/tmp/a.go", nil),
	})
	r.Record("sess-1", normalize.Update{
		SessionUpdate: normalize.KindToolCallUpdate,
		SessionID:     "sess-1",
		ToolCallID:    "tc-2",
		Status:        "running",
		Content:       streams.NewModifyFile("/tmp/b.go", nil),
	})

	files, err := r.ModifiedFiles(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, []string{"/tmp/a.go"}, files)
}

func TestHistoryForUnknownSessionIsEmpty(t *testing.T) {
	r := newTestRecorder(t)
	history, err := r.History(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, history)
}
