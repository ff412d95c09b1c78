// Package identity resolves the DJ display name for a session and decides
// whether it is editable or locked. The rules live in one place so every
// surface (setup form, chat header, durable record) agrees.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Source describes where a session identity comes from.
type Source string

const (
	// SourceAuthenticated is a signed-in DJ account.
	SourceAuthenticated Source = "authenticated"
	// SourceGuest is an unauthenticated operator.
	SourceGuest Source = "guest"
	// SourceVenueShared is a shared console identity used by multiple DJs;
	// display names are ephemeral per session.
	SourceVenueShared Source = "venue_shared"
)

// ErrInvalidDisplayName is returned for names failing validation.
var ErrInvalidDisplayName = errors.New("identity: invalid display name")

// DJIdentity is the resolved identity for a broadcast session. Locked is
// fixed at session creation and must not change mid-session even if auth
// state changes later.
type DJIdentity struct {
	DisplayName string `json:"display_name"`
	Locked      bool   `json:"locked"`
	Source      Source `json:"source"`
}

// displayNamePattern: alphanumeric words separated by single interior spaces,
// no leading/trailing space, no other punctuation.
var displayNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+( [a-zA-Z0-9]+)*$`)

// Policy validates display names against format rules and a reserved list.
type Policy struct {
	reserved map[string]bool
}

// NewPolicy creates a policy with a case-insensitive reserved-name list.
func NewPolicy(reserved []string) *Policy {
	m := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		m[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return &Policy{reserved: m}
}

// ValidateDisplayName checks length (2-20), character set (letters, digits,
// single interior spaces) and the reserved list (case-insensitive).
func (p *Policy) ValidateDisplayName(name string) error {
	if len(name) < 2 {
		return fmt.Errorf("%w: must be at least 2 characters", ErrInvalidDisplayName)
	}
	if len(name) > 20 {
		return fmt.Errorf("%w: must be at most 20 characters", ErrInvalidDisplayName)
	}
	if !displayNamePattern.MatchString(name) {
		return fmt.Errorf("%w: letters, digits and single spaces only", ErrInvalidDisplayName)
	}
	if p.reserved[strings.ToLower(name)] {
		return fmt.Errorf("%w: name is reserved", ErrInvalidDisplayName)
	}
	return nil
}

// Resolve decides the session identity at configure time.
//
// An authenticated DJ with a persisted handle broadcasting a non-venue-shared
// slot is locked to that handle; venue-shared and guest sessions always get a
// free-text name subject to validation.
func (p *Policy) Resolve(requestedName, persistedHandle string, isAuthenticated, venueShared bool) (DJIdentity, error) {
	if isAuthenticated && persistedHandle != "" && !venueShared {
		return DJIdentity{
			DisplayName: persistedHandle,
			Locked:      true,
			Source:      SourceAuthenticated,
		}, nil
	}

	if err := p.ValidateDisplayName(requestedName); err != nil {
		return DJIdentity{}, err
	}

	src := SourceGuest
	if venueShared {
		src = SourceVenueShared
	} else if isAuthenticated {
		src = SourceAuthenticated
	}
	return DJIdentity{DisplayName: requestedName, Locked: false, Source: src}, nil
}
