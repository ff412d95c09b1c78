package models

import (
	"time"

	"github.com/google/uuid"
)

// Slot is a scheduled broadcast window. Read-only from this service's point
// of view; the schedule is maintained elsewhere.
type Slot struct {
	ID          uuid.UUID `json:"id"`
	DJName      string    `json:"dj_name"`
	ShowName    string    `json:"show_name"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	VenueShared bool      `json:"venue_shared"`
}
