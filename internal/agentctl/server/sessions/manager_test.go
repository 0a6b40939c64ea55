package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/routa/acp-broker/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(nil, nil, "", nil, logger.Default())
}

func TestIdempotencyKeyEmptyWhenKeyMissing(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.idempotencyKey(CreateRequest{WorkspaceID: "ws-1"})
	assert.False(t, ok)
}

func TestIdempotencyKeyCombinesKeyAndWorkspace(t *testing.T) {
	m := newTestManager(t)
	key, ok := m.idempotencyKey(CreateRequest{IdempotencyKey: "abc", WorkspaceID: "ws-1"})
	require.True(t, ok)
	assert.Equal(t, "abc|ws-1", key)
}

func TestLookupIdempotentMissesWhenExpired(t *testing.T) {
	m := newTestManager(t)
	m.sessions["sess-1"] = &liveSession{session: Session{SessionID: "sess-1"}}
	m.idem["abc|ws-1"] = idempotencyEntry{sessionID: "sess-1", expiresAt: time.Now().Add(-time.Second)}

	_, found := m.lookupIdempotent("abc|ws-1")
	assert.False(t, found, "an entry past its expiry must not be served")
}

func TestLookupIdempotentHitsWithinWindow(t *testing.T) {
	m := newTestManager(t)
	m.sessions["sess-1"] = &liveSession{session: Session{SessionID: "sess-1", PresetID: "opencode"}}
	m.idem["abc|ws-1"] = idempotencyEntry{sessionID: "sess-1", expiresAt: time.Now().Add(idempotencyWindow)}

	session, found := m.lookupIdempotent("abc|ws-1")
	require.True(t, found)
	assert.Equal(t, "opencode", session.PresetID)
}

func TestGetSessionUnknownID(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.GetSession("does-not-exist")
	assert.False(t, ok)
}

func TestListSessionsEmptyManager(t *testing.T) {
	m := newTestManager(t)
	assert.Empty(t, m.ListSessions())
}

func TestKillSessionUnknownIDReturnsError(t *testing.T) {
	m := newTestManager(t)
	err := m.KillSession(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestPromptUnknownSessionReturnsError(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Prompt(context.Background(), "does-not-exist", "hello", nil)
	assert.Error(t, err)
}

func TestCancelUnknownSessionReturnsError(t *testing.T) {
	m := newTestManager(t)
	err := m.Cancel(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestIsAuthErrorRecognizesCommonPhrasings(t *testing.T) {
	cases := []string{
		"authentication required",
		"401 Unauthorized",
		"please sign in to continue",
		"missing credential",
	}
	for _, c := range cases {
		assert.True(t, isAuthError(errors.New(c)), "expected %q to be classified as an auth error", c)
	}
}

func TestIsAuthErrorIgnoresUnrelatedFailures(t *testing.T) {
	assert.False(t, isAuthError(errors.New("connection reset by peer")))
	assert.False(t, isAuthError(nil))
}

func TestEnvSliceRendersKeyEqualsValue(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	assert.Contains(t, out, "FOO=bar")
}
