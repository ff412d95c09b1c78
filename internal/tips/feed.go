// Package tips ingests tip events and fans them out to live sessions. Events
// arrive from the payment provider webhook, are persisted, and are assumed
// append-only: redelivery of the same event id must not double-count.
package tips

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one tip. EventID is the provider's event id and the dedupe key.
type Event struct {
	EventID     string    `json:"event_id"`
	SessionID   uuid.UUID `json:"session_id"`
	AmountCents int64     `json:"amount_cents"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Feed fans tip events out to per-session subscribers.
type Feed struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]map[int]chan Event
	nextSub int
}

// NewFeed creates a tip feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[uuid.UUID]map[int]chan Event)}
}

// Publish delivers an event to the session's subscribers. Slow subscribers
// drop rather than block the webhook handler.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[ev.SessionID] {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Subscribe returns the event stream for a session and a cancel function.
func (f *Feed) Subscribe(sessionID uuid.UUID) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	c := make(chan Event, 64)
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[int]chan Event)
	}
	f.subs[sessionID][id] = c
	return c, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if m, ok := f.subs[sessionID]; ok {
			if sub, ok := m[id]; ok {
				delete(m, id)
				close(sub)
			}
			if len(m) == 0 {
				delete(f.subs, sessionID)
			}
		}
	}
}
