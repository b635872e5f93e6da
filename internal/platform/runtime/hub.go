package runtime

import (
	"sync"
	"time"
)

// Notification methods published by the coordinator.
const (
	MethodSnapshotReplaced     = "snapshot.replaced"
	MethodSyncError            = "sync.error"
	MethodPeerConnected        = "peer.connected"
	MethodPeerDisconnected     = "peer.disconnected"
	MethodAuthorityUnreachable = "authority.unreachable"
	MethodAuthorityRestored    = "authority.restored"
)

type Notification struct {
	Seq       int64     `json:"seq"`
	Method    string    `json:"method"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans notifications out to subscribers, keeping a bounded history so a
// late subscriber can replay from a sequence number. A subscriber that stops
// draining its channel is dropped rather than blocking publishers.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Notification
	subs    map[int]chan Notification
	nextSub int
}

func NewHub(limit int) *Hub {
	if limit < 1 {
		limit = 1
	}
	return &Hub{
		limit: limit,
		subs:  make(map[int]chan Notification),
	}
}

func (h *Hub) Publish(method string, payload any) Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	n := Notification{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	h.history = append(h.history, n)
	if len(h.history) > h.limit {
		h.history = append([]Notification(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return n
}

// Subscribe returns history entries newer than fromSeq, a live channel, and a
// cancel function.
func (h *Hub) Subscribe(fromSeq int64) ([]Notification, <-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]Notification, 0)
	for _, n := range h.history {
		if n.Seq > fromSeq {
			replay = append(replay, n)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Notification, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *Hub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
