package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of chat message variants. Every consumer switches
// over Kind exhaustively; variant is never inferred from which optional
// fields happen to be present.
type Kind string

const (
	KindText  Kind = "text"
	KindPromo Kind = "promo"
	KindLove  Kind = "love"
	KindTip   Kind = "tip"
)

// PromoPayload is the promo variant body. Hyperlink, when set, is always a
// normalized absolute http(s) URL.
type PromoPayload struct {
	Text       string    `json:"text"`
	Hyperlink  string    `json:"hyperlink,omitempty"`
	ArtworkURL string    `json:"artwork_url,omitempty"`
	SlotID     uuid.UUID `json:"slot_id"`
}

// LovePayload is the love-reaction variant body.
type LovePayload struct {
	HeartCount int `json:"heart_count"`
}

// TipPayload is the tip variant body.
type TipPayload struct {
	AmountCents int64  `json:"amount_cents"`
	Message     string `json:"message,omitempty"`
}

// Message is one immutable chat entry. Exactly the payload matching Kind is
// non-nil (Text uses Body).
type Message struct {
	ID         uuid.UUID     `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	AuthorName string        `json:"author_name"`
	Kind       Kind          `json:"kind"`
	Body       string        `json:"body,omitempty"`
	Promo      *PromoPayload `json:"promo,omitempty"`
	Love       *LovePayload  `json:"love,omitempty"`
	Tip        *TipPayload   `json:"tip,omitempty"`
}

// Less orders messages by timestamp, with id as the tie-break.
func Less(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID.String() < b.ID.String()
}

// NewText creates a text message.
func NewText(author, body string, at time.Time) Message {
	return Message{ID: uuid.New(), Timestamp: at, AuthorName: author, Kind: KindText, Body: body}
}

// NewPromo creates a promo message for a slot.
func NewPromo(author string, payload PromoPayload, at time.Time) Message {
	p := payload
	return Message{ID: uuid.New(), Timestamp: at, AuthorName: author, Kind: KindPromo, Promo: &p}
}

// NewLove creates a love reaction carrying a heart count.
func NewLove(author string, hearts int, at time.Time) Message {
	return Message{ID: uuid.New(), Timestamp: at, AuthorName: author, Kind: KindLove, Love: &LovePayload{HeartCount: hearts}}
}

// NewTip creates a tip message.
func NewTip(author string, amountCents int64, note string, at time.Time) Message {
	return Message{ID: uuid.New(), Timestamp: at, AuthorName: author, Kind: KindTip, Tip: &TipPayload{AmountCents: amountCents, Message: note}}
}
