// Package chat implements the per-session ordered message stream, including
// promo pin selection and send-side limits.
package chat

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Send-side validation errors; recoverable by re-submitting.
var (
	ErrRateLimited = errors.New("chat: rate limited")
	ErrTooLong     = errors.New("chat: message too long")
	ErrInvalidURL  = errors.New("chat: invalid hyperlink")
)

const rateWindow = 10 * time.Second

// Limits configures send-side constraints.
type Limits struct {
	MaxMessageLen int // text messages
	MaxPromoLen   int // promo text
	RatePer10Sec  int // messages per author per 10s window
}

// Channel is an append-only ordered stream of messages for one session.
// Consumers filter by Kind; the pinned promo is tracked per slot so a new
// DJ's slot never inherits the previous slot's promotion.
type Channel struct {
	mu          sync.RWMutex
	sessionID   uuid.UUID
	limits      Limits
	messages    []Message
	promoBySlot map[uuid.UUID]Message
	sendTimes   map[string][]time.Time
	subs        map[int]chan Message
	nextSub     int
	closed      bool
}

// NewChannel creates a chat channel for a session.
func NewChannel(sessionID uuid.UUID, limits Limits) *Channel {
	if limits.MaxMessageLen <= 0 {
		limits.MaxMessageLen = 280
	}
	if limits.MaxPromoLen <= 0 {
		limits.MaxPromoLen = 200
	}
	if limits.RatePer10Sec <= 0 {
		limits.RatePer10Sec = 5
	}
	return &Channel{
		sessionID:   sessionID,
		limits:      limits,
		promoBySlot: make(map[uuid.UUID]Message),
		sendTimes:   make(map[string][]time.Time),
		subs:        make(map[int]chan Message),
	}
}

// SessionID returns the owning session id.
func (ch *Channel) SessionID() uuid.UUID { return ch.sessionID }

// Send appends a text message after length and rate checks.
func (ch *Channel) Send(author, text string) (Message, error) {
	if utf8.RuneCountInString(text) > ch.limits.MaxMessageLen {
		return Message{}, fmt.Errorf("%w: max %d characters", ErrTooLong, ch.limits.MaxMessageLen)
	}
	ch.mu.Lock()
	if !ch.allowSendLocked(author, time.Now()) {
		ch.mu.Unlock()
		return Message{}, ErrRateLimited
	}
	msg := NewText(author, text, time.Now())
	ch.appendLocked(msg)
	ch.mu.Unlock()
	return msg, nil
}

// SendPromo appends or updates the promo for a slot. Re-sending replaces the
// pinned entry for that slot rather than stacking a new one. The hyperlink,
// if present, is normalized to an absolute http(s) URL before storage.
func (ch *Channel) SendPromo(author string, slotID uuid.UUID, text, hyperlink, artworkURL string) (Message, error) {
	if utf8.RuneCountInString(text) > ch.limits.MaxPromoLen {
		return Message{}, fmt.Errorf("%w: max %d characters", ErrTooLong, ch.limits.MaxPromoLen)
	}
	normalized := ""
	if hyperlink != "" {
		var err error
		normalized, err = NormalizeHyperlink(hyperlink)
		if err != nil {
			return Message{}, err
		}
	}
	msg := NewPromo(author, PromoPayload{
		Text:       text,
		Hyperlink:  normalized,
		ArtworkURL: artworkURL,
		SlotID:     slotID,
	}, time.Now())

	ch.mu.Lock()
	ch.promoBySlot[slotID] = msg
	ch.appendLocked(msg)
	ch.mu.Unlock()
	return msg, nil
}

// AppendLove appends a love reaction. Reactions bypass the text rate limit.
func (ch *Channel) AppendLove(author string, hearts int, at time.Time) Message {
	msg := NewLove(author, hearts, at)
	ch.mu.Lock()
	ch.appendLocked(msg)
	ch.mu.Unlock()
	return msg
}

// AppendTip appends a tip message (mirrored from the tip feed).
func (ch *Channel) AppendTip(author string, amountCents int64, note string, at time.Time) Message {
	msg := NewTip(author, amountCents, note, at)
	ch.mu.Lock()
	ch.appendLocked(msg)
	ch.mu.Unlock()
	return msg
}

// Restore seeds the stream with previously persisted messages, re-pinning the
// newest promo per slot. Send-side length and rate checks do not apply to
// restored history.
func (ch *Channel) Restore(msgs []Message) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, m := range msgs {
		if m.Kind == KindPromo && m.Promo != nil {
			if prev, ok := ch.promoBySlot[m.Promo.SlotID]; !ok || Less(prev, m) {
				ch.promoBySlot[m.Promo.SlotID] = m
			}
		}
		ch.appendLocked(m)
	}
}

// PinnedPromo returns the promo pinned for the given slot, or nil when the
// slot has none. Promos posted under a different slot are never returned,
// even if the current slot has no promo yet.
func (ch *Channel) PinnedPromo(currentSlot uuid.UUID) *Message {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if msg, ok := ch.promoBySlot[currentSlot]; ok {
		m := msg
		return &m
	}
	return nil
}

// Tail returns the most recent n messages in order.
func (ch *Channel) Tail(n int) []Message {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if n <= 0 || n > len(ch.messages) {
		n = len(ch.messages)
	}
	out := make([]Message, n)
	copy(out, ch.messages[len(ch.messages)-n:])
	return out
}

// Filter returns all messages of the given kind, in order.
func (ch *Channel) Filter(kind Kind) []Message {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	var out []Message
	for _, m := range ch.messages {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Subscribe returns a channel receiving every appended message and a cancel
// function. Slow subscribers drop messages rather than block the channel.
func (ch *Channel) Subscribe() (<-chan Message, func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextSub
	ch.nextSub++
	c := make(chan Message, 128)
	if ch.closed {
		close(c)
		return c, func() {}
	}
	ch.subs[id] = c
	return c, func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if sub, ok := ch.subs[id]; ok {
			delete(ch.subs, id)
			close(sub)
		}
	}
}

// Close closes all subscriptions. Further appends are dropped.
func (ch *Channel) Close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	for id, sub := range ch.subs {
		delete(ch.subs, id)
		close(sub)
	}
}

// appendLocked inserts keeping (timestamp, id) order; late arrivals walk back
// from the end. Callers hold ch.mu.
func (ch *Channel) appendLocked(msg Message) {
	if ch.closed {
		return
	}
	i := len(ch.messages)
	for i > 0 && Less(msg, ch.messages[i-1]) {
		i--
	}
	ch.messages = append(ch.messages, Message{})
	copy(ch.messages[i+1:], ch.messages[i:])
	ch.messages[i] = msg

	for _, sub := range ch.subs {
		select {
		case sub <- msg:
		default:
		}
	}
}

// allowSendLocked applies the per-author sliding window. Callers hold ch.mu.
func (ch *Channel) allowSendLocked(author string, now time.Time) bool {
	cutoff := now.Add(-rateWindow)
	times := ch.sendTimes[author]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= ch.limits.RatePer10Sec {
		ch.sendTimes[author] = kept
		return false
	}
	ch.sendTimes[author] = append(kept, now)
	return true
}

// NormalizeHyperlink turns raw input into an absolute http(s) URL, defaulting
// to https when no scheme is given. Anything else is rejected.
func NormalizeHyperlink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}
