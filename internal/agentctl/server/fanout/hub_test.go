package fanout

import (
	"testing"
	"time"

	"github.com/routa/acp-broker/internal/agentctl/server/normalize"
	"github.com/routa/acp-broker/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(logger.Default())
}

func TestSubscribeReceivesPublishedUpdate(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("sess-1")
	defer sub.Close()

	h.Publish("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk, Text: "hi"})

	select {
	case u := <-sub.C:
		assert.Equal(t, "hi", u.Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published update")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	h := newTestHub(t)
	done := make(chan struct{})
	go func() {
		h.Publish("no-subscribers", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with zero subscribers")
	}
}

func TestCloseRemovesSubscriberFromRoom(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("sess-1")
	require.Equal(t, 1, h.SubscriberCount("sess-1"))

	sub.Close()
	assert.Equal(t, 0, h.SubscriberCount("sess-1"))
}

func TestRemoveSessionClosesSubscriberChannels(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("sess-1")

	h.RemoveSession("sess-1")

	_, open := <-sub.C
	assert.False(t, open, "subscriber channel must be closed when its session is removed")
}

func TestOverflowDropsOldestAndInsertsGapMarker(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("sess-1")
	defer sub.Close()

	for i := 0; i < queueDepth+2; i++ {
		h.Publish("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk, Text: "chunk"})
	}

	sawGap := false
	for i := 0; i < queueDepth; i++ {
		u := <-sub.C
		if u.SessionUpdate == normalize.KindSessionInfoUpdate && u.SessionInfoStatus == "gap" {
			sawGap = true
		}
	}
	assert.True(t, sawGap, "overflowing the queue must surface a synthetic gap marker")
}

func TestMultipleSubscribersEachGetTheUpdate(t *testing.T) {
	h := newTestHub(t)
	subA := h.Subscribe("sess-1")
	subB := h.Subscribe("sess-1")
	defer subA.Close()
	defer subB.Close()

	h.Publish("sess-1", normalize.Update{SessionUpdate: normalize.KindAgentMessageChunk, Text: "hi"})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case u := <-sub.C:
			assert.Equal(t, "hi", u.Text)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive its copy of the update")
		}
	}
}
