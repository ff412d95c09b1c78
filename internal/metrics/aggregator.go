// Package metrics aggregates independently-arriving presence, love and tip
// signals into one consistent snapshot. Counts that must survive replay and
// out-of-order delivery are recomputed from deduplicated sets rather than
// kept as running totals.
package metrics

import (
	"time"

	"github.com/google/uuid"

	"github.com/deckline/backend/internal/chat"
	"github.com/deckline/backend/internal/tips"
)

// Snapshot is the merged session metrics view. Counts are scoped to
// [WindowStart, now); staleness flags mark degraded feeds so the UI can show
// a muted indicator instead of a misleading zero.
type Snapshot struct {
	ListenerCount    int       `json:"listener_count"`
	ListenersStale   bool      `json:"listeners_stale"`
	PeakListeners    int       `json:"peak_listeners"`
	LoveCount        int       `json:"love_count"`
	ChatStale        bool      `json:"chat_stale"`
	TipTotalCents    int64     `json:"tip_total_cents"`
	TipCount         int       `json:"tip_count"`
	WindowStart      time.Time `json:"window_start"`
}

// Aggregator accumulates feed events for one session. It is owned by the
// session actor: all methods are called from the actor goroutine, so no
// locking happens here.
type Aggregator struct {
	windowStart      time.Time
	fallbackLookback time.Duration

	listenerCount  int
	listenersStale bool
	peakListeners  int

	loves     map[uuid.UUID]chat.Message
	chatStale bool

	tipEvents map[string]tips.Event
}

// NewAggregator creates an aggregator. fallbackLookback bounds the metrics
// window when the session has not started yet.
func NewAggregator(fallbackLookback time.Duration) *Aggregator {
	if fallbackLookback <= 0 {
		fallbackLookback = time.Hour
	}
	return &Aggregator{
		fallbackLookback: fallbackLookback,
		loves:            make(map[uuid.UUID]chat.Message),
		tipEvents:        make(map[string]tips.Event),
	}
}

// SetWindowStart pins the metrics window to the show start. Love and tip
// counts never include events before it.
func (a *Aggregator) SetWindowStart(t time.Time) {
	a.windowStart = t
}

// ApplyPresence records the current presence-set size and clears staleness.
func (a *Aggregator) ApplyPresence(count int) {
	a.listenerCount = count
	a.listenersStale = false
	if count > a.peakListeners {
		a.peakListeners = count
	}
}

// MarkPresenceLost degrades the listener count to "last known" with a
// staleness flag. A silent zero would mislead the operator.
func (a *Aggregator) MarkPresenceLost() {
	a.listenersStale = true
}

// ApplyChat folds a chat message in. Only love reactions contribute to
// metrics; they are kept as a deduplicated set keyed by message id so
// redelivery and reordering cannot skew the count. Tip totals come from the
// tip feed, not from mirrored tip chat messages.
func (a *Aggregator) ApplyChat(m chat.Message) {
	a.chatStale = false
	if m.Kind == chat.KindLove && m.Love != nil {
		a.loves[m.ID] = m
	}
}

// MarkChatLost flags the chat feed as degraded.
func (a *Aggregator) MarkChatLost() {
	a.chatStale = true
}

// ApplyTip folds a tip event in, idempotent on the provider event id.
func (a *Aggregator) ApplyTip(ev tips.Event) {
	a.tipEvents[ev.EventID] = ev
}

// Snapshot recomputes the merged view. Love and tip aggregates are summed
// from scratch over the deduplicated sets on every call, making the result
// independent of delivery order.
func (a *Aggregator) Snapshot(now time.Time) Snapshot {
	windowStart := a.windowStart
	if windowStart.IsZero() {
		windowStart = now.Add(-a.fallbackLookback)
	}

	loveCount := 0
	for _, m := range a.loves {
		if !m.Timestamp.Before(windowStart) {
			loveCount += m.Love.HeartCount
		}
	}

	var tipTotal int64
	tipCount := 0
	for _, ev := range a.tipEvents {
		if !ev.At.Before(windowStart) {
			tipTotal += ev.AmountCents
			tipCount++
		}
	}

	return Snapshot{
		ListenerCount:  a.listenerCount,
		ListenersStale: a.listenersStale,
		PeakListeners:  a.peakListeners,
		LoveCount:      loveCount,
		ChatStale:      a.chatStale,
		TipTotalCents:  tipTotal,
		TipCount:       tipCount,
		WindowStart:    windowStart,
	}
}
