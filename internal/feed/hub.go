// Package feed serves the interview state to the UI shell over HTTP and a websocket.
package feed

import (
	"sync"

	"github.com/rbright/candor/internal/session"
)

// subscriberBuffer bounds each client's queue. Snapshots carry full state, so a slow client
// only ever needs the newest one.
const subscriberBuffer = 16

// Hub fans snapshots out to websocket clients and remembers the latest one.
type Hub struct {
	mu     sync.Mutex
	latest *session.Snapshot
	subs   map[chan session.Snapshot]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[chan session.Snapshot]struct{}{}}
}

// Publish implements session.Publisher. It never blocks: a full client queue loses its oldest
// snapshot.
func (h *Hub) Publish(s session.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &s
	for ch := range h.subs {
		deliver(ch, s)
	}
}

func deliver(ch chan session.Snapshot, s session.Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Latest returns the last published snapshot.
func (h *Hub) Latest() (session.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return session.Snapshot{}, false
	}
	return *h.latest, true
}

// Subscribe registers a client. The latest snapshot, if any, is queued first.
func (h *Hub) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	if h.latest != nil {
		ch <- *h.latest
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Clients reports connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
