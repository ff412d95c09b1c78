package models

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastRecord is the durable record of a broadcast session, upserted on
// go-live and on end so history and "past shows" features can read it after
// the session is gone from memory.
type BroadcastRecord struct {
	SessionID     uuid.UUID  `json:"session_id"`
	SlotID        uuid.UUID  `json:"slot_id"`
	DJDisplayName string     `json:"dj_display_name"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	PeakListeners int        `json:"peak_listeners"`
	LoveCount     int        `json:"love_count"`
	TipTotalCents int64      `json:"tip_total_cents"`
	TipCount      int        `json:"tip_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Duration returns the broadcast length, or elapsed time if still running.
func (b *BroadcastRecord) Duration() time.Duration {
	if b.StartedAt == nil {
		return 0
	}
	if b.EndedAt != nil {
		return b.EndedAt.Sub(*b.StartedAt)
	}
	return time.Since(*b.StartedAt)
}
