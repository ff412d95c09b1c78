package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a registered DJ account. Handle, when set, is the persisted
// public name the identity policy locks authenticated sessions to.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"` // bcrypt hash
	Handle    string    `json:"handle,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
