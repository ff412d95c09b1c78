package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckline/backend/internal/identity"
	"github.com/deckline/backend/internal/models"
)

func testIdentity() identity.DJIdentity {
	return identity.DJIdentity{DisplayName: "DJ Cap", Source: identity.SourceGuest}
}

func TestConfigureFromIdle(t *testing.T) {
	m := newMachine()

	require.NoError(t, m.configure(testIdentity()))
	assert.Equal(t, StateConfiguring, m.state)
	assert.Equal(t, "DJ Cap", m.identity.DisplayName)
}

func TestConfigureFromFailed(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	require.True(t, m.fail())

	assert.NoError(t, m.configure(testIdentity()))
	assert.Equal(t, StateConfiguring, m.state)
}

func TestConfigureAfterEndRejected(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	m.setReady(true)
	_, err := m.goLive(time.Now())
	require.NoError(t, err)
	_, err = m.beginEnd(time.Now())
	require.NoError(t, err)
	m.finishEnd()

	assert.ErrorIs(t, m.configure(testIdentity()), ErrSessionEnded)
}

func TestSetReadyFlipsBothWays(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))

	m.setReady(true)
	assert.Equal(t, StateReady, m.state)

	// Checklist regression drops back to Configuring.
	m.setReady(false)
	assert.Equal(t, StateConfiguring, m.state)

	m.setReady(true)
	assert.Equal(t, StateReady, m.state)
}

func TestSetReadyIgnoredWhileLive(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	m.setReady(true)
	_, err := m.goLive(time.Now())
	require.NoError(t, err)

	m.setReady(false)
	assert.Equal(t, StateLive, m.state)
}

func TestGoLiveRequiresReady(t *testing.T) {
	m := newMachine()

	_, err := m.goLive(time.Now())
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, m.configure(testIdentity()))
	_, err = m.goLive(time.Now())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestGoLiveIdempotent(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	m.setReady(true)

	start := time.Now()
	already, err := m.goLive(start)
	require.NoError(t, err)
	assert.False(t, already)
	first := *m.startedAt

	// A duplicate press keeps the original start time.
	already, err = m.goLive(start.Add(5 * time.Second))
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, first, *m.startedAt)
}

func TestGoLiveAfterEndRejected(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	m.setReady(true)
	_, err := m.goLive(time.Now())
	require.NoError(t, err)
	_, err = m.beginEnd(time.Now())
	require.NoError(t, err)

	_, err = m.goLive(time.Now())
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestBeginEndIdempotent(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	m.setReady(true)
	_, err := m.goLive(time.Now())
	require.NoError(t, err)

	proceed, err := m.beginEnd(time.Now())
	require.NoError(t, err)
	assert.True(t, proceed)
	ended := *m.endedAt
	m.finishEnd()
	assert.Equal(t, StateEnded, m.state)

	// Repeats are harmless no-ops.
	proceed, err = m.beginEnd(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, ended, *m.endedAt)
}

func TestBeginEndFromReady(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	m.setReady(true)

	proceed, err := m.beginEnd(time.Now())
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.Nil(t, m.startedAt)
}

func TestBeginEndFromConfiguringRejected(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))

	_, err := m.beginEnd(time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailOnlyPreLive(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.configure(testIdentity()))
	assert.True(t, m.fail())
	assert.Equal(t, StateFailed, m.state)

	m2 := newMachine()
	require.NoError(t, m2.configure(testIdentity()))
	m2.setReady(true)
	_, err := m2.goLive(time.Now())
	require.NoError(t, err)

	// A live session never fails from source loss.
	assert.False(t, m2.fail())
	assert.Equal(t, StateLive, m2.state)
}

func TestElapsed(t *testing.T) {
	m := newMachine()
	now := time.Now()
	assert.Zero(t, m.elapsed(now))

	require.NoError(t, m.configure(testIdentity()))
	m.setReady(true)
	_, err := m.goLive(now)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, m.elapsed(now.Add(10*time.Second)))

	_, err = m.beginEnd(now.Add(30 * time.Second))
	require.NoError(t, err)
	m.finishEnd()

	// Frozen after end.
	assert.Equal(t, 30*time.Second, m.elapsed(now.Add(time.Hour)))
}

func TestTimeRemaining(t *testing.T) {
	now := time.Now()
	slot := models.Slot{EndTime: now.Add(20 * time.Minute)}

	r := timeRemaining(slot, now)
	assert.False(t, r.Overtime)
	assert.Equal(t, int64(1200), r.Seconds)

	// Past the slot end the sentinel replaces a negative duration.
	r = timeRemaining(slot, now.Add(30*time.Minute))
	assert.True(t, r.Overtime)
	assert.Equal(t, int64(0), r.Seconds)
	assert.Equal(t, time.Duration(0), r.Duration)
}
