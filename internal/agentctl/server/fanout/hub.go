// Package fanout implements the SSE broadcast hub (spec §4.I, §5, §8): each
// session has zero or more subscribers, each subscriber gets a bounded
// queue, and a slow subscriber is handled by dropping its oldest queued
// update and splicing in a synthetic gap marker rather than blocking the
// session's event pump or disconnecting the subscriber.
package fanout

import (
	"sync"

	"github.com/routa/acp-broker/internal/agentctl/server/normalize"
	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

// queueDepth bounds how many updates a subscriber may lag behind before the
// hub starts dropping its oldest queued entries (spec §5).
const queueDepth = 256

// Subscription is a single SSE client's view of one session's updates.
type Subscription struct {
	C      <-chan normalize.Update
	cancel func()
}

// Close detaches the subscription from its hub. Safe to call more than
// once and safe to call after the session itself has ended.
func (s *Subscription) Close() {
	s.cancel()
}

type subscriber struct {
	ch chan normalize.Update
}

// Hub fans out one session's normalized updates to any number of SSE
// subscribers. Sessions live independently of subscriber count: the last
// subscriber leaving does not end the session (spec §3 ownership
// invariant) — Hub only ever removes entries via Close or RemoveSession.
type Hub struct {
	logger *logger.Logger

	mu    sync.Mutex
	rooms map[string]map[*subscriber]struct{}
}

// New constructs a Hub.
func New(log *logger.Logger) *Hub {
	return &Hub{
		logger: log.WithFields(zap.String("component", "fanout-hub")),
		rooms:  make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe attaches a new SSE client to sessionID's update stream.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &subscriber{ch: make(chan normalize.Update, queueDepth)}

	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*subscriber]struct{})
		h.rooms[sessionID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if room, ok := h.rooms[sessionID]; ok {
				delete(room, sub)
			}
		},
	}
}

// Publish delivers one update to every current subscriber of sessionID.
// A subscriber whose queue is full has its two oldest entries dropped and a
// synthetic gap marker enqueued before update is appended, so
// every subscriber channel stays at or below queueDepth (spec §5, §8).
func (h *Hub) Publish(sessionID string, update normalize.Update) {
	h.mu.Lock()
	room := h.rooms[sessionID]
	subs := make([]*subscriber, 0, len(room))
	for s := range room {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.deliver(sessionID, s, update)
	}
}

func (h *Hub) deliver(sessionID string, s *subscriber, update normalize.Update) {
	select {
	case s.ch <- update:
		return
	default:
	}

	// Queue is full: drop the two oldest entries to make room for a gap
	// marker (so the subscriber can tell its history has a hole) and for the
	// new update. Both sends are best-effort non-blocking; if the channel
	// fills again between the drain and the sends (a concurrent slow-path
	// write), the update is dropped outright rather than blocking the
	// publisher.
	for i := 0; i < 2; i++ {
		select {
		case <-s.ch:
		default:
		}
	}
	h.logger.Warn("subscriber queue full, dropping oldest update", zap.String("session_id", sessionID))

	select {
	case s.ch <- normalize.GapMarker(sessionID):
	default:
	}
	select {
	case s.ch <- update:
	default:
		h.logger.Warn("subscriber queue still full after drain, dropping update", zap.String("session_id", sessionID))
	}
}

// RemoveSession closes every subscriber channel for sessionID and forgets
// the room. Called when a session is killed (spec §3): subscribers see
// their channel close and should treat that as end-of-stream.
func (h *Hub) RemoveSession(sessionID string) {
	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}
	for s := range room {
		close(s.ch)
	}
}

// SubscriberCount returns how many SSE clients are currently attached to
// sessionID, mainly for diagnostics.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionID])
}
