package session

import (
	"errors"
	"time"

	"github.com/deckline/backend/internal/identity"
	"github.com/deckline/backend/internal/models"
)

// State is the broadcast session lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateReady       State = "ready"
	StateLive        State = "live"
	StateEnding      State = "ending"
	StateEnded       State = "ended"
	StateFailed      State = "failed"
)

var (
	// ErrNotReady is returned by goLive before the checklist is satisfied.
	ErrNotReady = errors.New("session: not ready to go live")
	// ErrInvalidIdentity wraps identity validation failures at configure time.
	ErrInvalidIdentity = errors.New("session: invalid identity")
	// ErrSessionEnded is returned for commands against a finished session.
	ErrSessionEnded = errors.New("session: already ended")
	// ErrInvalidTransition is returned for out-of-order lifecycle calls.
	ErrInvalidTransition = errors.New("session: invalid transition")
)

// Remaining is the slot time left. Overtime replaces a negative duration when
// the slot end has passed.
type Remaining struct {
	Duration time.Duration `json:"-"`
	Seconds  int64         `json:"seconds"`
	Overtime bool          `json:"overtime"`
}

// machine holds the lifecycle state for one session. It is not safe for
// concurrent use: the owning actor goroutine is the only caller.
type machine struct {
	identity  identity.DJIdentity
	state     State
	startedAt *time.Time
	endedAt   *time.Time
}

func newMachine() *machine {
	return &machine{state: StateIdle}
}

// configure moves Idle/Failed to Configuring with a resolved identity.
func (m *machine) configure(ident identity.DJIdentity) error {
	switch m.state {
	case StateIdle, StateFailed:
		m.identity = ident
		m.state = StateConfiguring
		return nil
	case StateEnded, StateEnding:
		return ErrSessionEnded
	default:
		return ErrInvalidTransition
	}
}

// setReady flips Configuring and Ready as the checklist outcome changes.
// No-op in any other state.
func (m *machine) setReady(canGoLive bool) {
	switch {
	case m.state == StateConfiguring && canGoLive:
		m.state = StateReady
	case m.state == StateReady && !canGoLive:
		m.state = StateConfiguring
	}
}

// goLive is the single gating point to Live. Idempotent when already Live.
func (m *machine) goLive(now time.Time) (alreadyLive bool, err error) {
	switch m.state {
	case StateLive:
		return true, nil
	case StateReady:
		t := now
		m.startedAt = &t
		m.state = StateLive
		return false, nil
	case StateEnded, StateEnding:
		return false, ErrSessionEnded
	default:
		return false, ErrNotReady
	}
}

// beginEnd moves Live/Ready to Ending. Returns false (and no error) when the
// session already ended, so callers treat repeats as a no-op.
func (m *machine) beginEnd(now time.Time) (proceed bool, err error) {
	switch m.state {
	case StateLive, StateReady:
		t := now
		m.endedAt = &t
		m.state = StateEnding
		return true, nil
	case StateEnding, StateEnded:
		return false, nil
	default:
		return false, ErrInvalidTransition
	}
}

// finishEnd completes teardown.
func (m *machine) finishEnd() {
	if m.state == StateEnding {
		m.state = StateEnded
	}
}

// fail marks a pre-Live session failed; a live session is never failed by
// source loss (that degrades to "not publishing" instead).
func (m *machine) fail() bool {
	switch m.state {
	case StateIdle, StateConfiguring, StateReady:
		m.state = StateFailed
		return true
	default:
		return false
	}
}

// elapsed returns time since go-live; zero before Live, frozen after end.
func (m *machine) elapsed(now time.Time) time.Duration {
	if m.startedAt == nil {
		return 0
	}
	if m.endedAt != nil {
		return m.endedAt.Sub(*m.startedAt)
	}
	return now.Sub(*m.startedAt)
}

// timeRemaining derives the slot time left, reporting Overtime instead of a
// negative duration.
func timeRemaining(slot models.Slot, now time.Time) Remaining {
	d := slot.EndTime.Sub(now)
	if d < 0 {
		return Remaining{Overtime: true}
	}
	return Remaining{Duration: d, Seconds: int64(d / time.Second)}
}
