package httpapi

import (
	"sync"

	"github.com/ent0n29/localchat/internal/observability"
)

const subscriberBuffer = 256

// hub fans session events out to every websocket attached to that session,
// so turns submitted over REST still reach open browser tabs.
type hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	metrics *observability.Metrics
}

type subscriber struct {
	ch chan any
}

func newHub(metrics *observability.Metrics) *hub {
	return &hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		metrics: metrics,
	}
}

func (h *hub) subscribe(sessionID string) *subscriber {
	sub := &subscriber{ch: make(chan any, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *hub) unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sessionID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// publish never blocks; a subscriber whose queue is full misses the event.
func (h *hub) publish(sessionID string, msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- msg:
		default:
			if t, ok := messageTypeOf(msg); ok {
				h.metrics.ObserveWSMessage("dropped", string(t))
			}
		}
	}
}

func (h *hub) subscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
