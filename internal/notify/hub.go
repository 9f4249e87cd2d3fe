// Package notify fans dispatch and session events out to the owning user's
// live client connections. The hub is a pure outbound sink: it holds no
// campaign state and dropping an event never affects a run.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 32

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
	log  *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		log:  log,
	}
}

// Subscribe registers a live connection for the user. The returned cancel
// func must be called when the connection goes away.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[userID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers the event to every live connection of the user. Slow
// subscribers lose events rather than blocking the dispatch loop.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[userID] {
		select {
		case ch <- ev:
		default:
			h.log.Warn("dropping event for slow subscriber",
				zap.String("user_id", userID),
				zap.String("event", string(ev.Event)),
			)
		}
	}
}

// Subscribers reports how many live connections the user has.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs[userID])
}
