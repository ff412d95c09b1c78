package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckline/backend/internal/audio"
	"github.com/deckline/backend/internal/chat"
	"github.com/deckline/backend/internal/identity"
	"github.com/deckline/backend/internal/models"
	"github.com/deckline/backend/internal/presence"
	"github.com/deckline/backend/internal/tips"
)

// fakeCapture reports a settable level and error.
type fakeCapture struct {
	mu     sync.Mutex
	level  float64
	err    error
	closed bool
}

func (f *fakeCapture) set(level float64, err error) {
	f.mu.Lock()
	f.level, f.err = level, err
	f.mu.Unlock()
}

func (f *fakeCapture) ReadLevel(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.level, nil
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCapture) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDriver struct {
	capture *fakeCapture
	openErr error
}

func (d *fakeDriver) Open(ctx context.Context, method audio.Method, params audio.Params) (audio.Capture, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.capture, nil
}

// fakeRecords counts upserts.
type fakeRecords struct {
	mu       sync.Mutex
	starts   []models.BroadcastRecord
	ends     []models.BroadcastRecord
	startErr error
}

func (r *fakeRecords) UpsertStart(ctx context.Context, rec models.BroadcastRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts = append(r.starts, rec)
	return nil
}

func (r *fakeRecords) UpsertEnd(ctx context.Context, rec models.BroadcastRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, rec)
	return nil
}

func (r *fakeRecords) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts), len(r.ends)
}

// fakePresence hands out a controllable update channel.
type fakePresence struct {
	mu      sync.Mutex
	updates chan presence.Update
	cleared bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{updates: make(chan presence.Update, 8)}
}

func (p *fakePresence) Subscribe(sessionID uuid.UUID) (<-chan presence.Update, func()) {
	return p.updates, func() {}
}

func (p *fakePresence) Clear(ctx context.Context, sessionID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = true
	return nil
}

func (p *fakePresence) wasCleared() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleared
}

// fakeBroadcaster records events.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeBroadcaster) BroadcastToSession(sessionID uuid.UUID, event string, payload interface{}) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *fakeBroadcaster) has(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e == event {
			return true
		}
	}
	return false
}

// fakeChatStore serves canned history and records inserts.
type fakeChatStore struct {
	mu       sync.Mutex
	tail     []chat.Message
	promo    *chat.Message
	inserted []chat.Message
}

func (s *fakeChatStore) Insert(ctx context.Context, sessionID, slotID uuid.UUID, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, m)
	return nil
}

func (s *fakeChatStore) Tail(ctx context.Context, sessionID uuid.UUID, n int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail, nil
}

func (s *fakeChatStore) LatestPromoForSlot(ctx context.Context, sessionID, slotID uuid.UUID) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promo, nil
}

func (s *fakeChatStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func testSlot() models.Slot {
	now := time.Now()
	return models.Slot{
		ID:        uuid.New(),
		DJName:    "DJ Cap",
		ShowName:  "Late Shift",
		StartTime: now.Add(-10 * time.Minute),
		EndTime:   now.Add(50 * time.Minute),
	}
}

type testRig struct {
	ctrl     *Controller
	capture  *fakeCapture
	records  *fakeRecords
	presence *fakePresence
	events   *fakeBroadcaster
	feed     *tips.Feed
}

func newTestRig(t *testing.T, slot models.Slot) *testRig {
	t.Helper()
	rig := &testRig{
		capture:  &fakeCapture{level: 0.5},
		records:  &fakeRecords{},
		presence: newFakePresence(),
		events:   &fakeBroadcaster{},
		feed:     tips.NewFeed(),
	}
	rig.ctrl = NewController(uuid.New(), slot, Deps{
		Driver:             &fakeDriver{capture: rig.capture},
		Presence:           rig.presence,
		Tips:               rig.feed,
		Records:            rig.records,
		Events:             rig.events,
		Policy:             identity.NewPolicy([]string{"admin"}),
		SampleHz:           100,
		AmplitudeThreshold: 0.01,
		ChatLimits:         chat.Limits{MaxMessageLen: 280, MaxPromoLen: 200, RatePer10Sec: 100},
		FallbackLookback:   time.Hour,
	})
	t.Cleanup(func() { rig.ctrl.Shutdown(context.Background()) })
	return rig
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s not reached, still %s", want, c.State())
}

func configureDevice(t *testing.T, rig *testRig) {
	t.Helper()
	err := rig.ctrl.Configure(context.Background(), audio.MethodDevice,
		audio.Params{DeviceID: "dev1", Label: "Pioneer DJM-900"}, "DJ Cap", "", false)
	require.NoError(t, err)
}

func TestConfigureReachesReady(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)

	waitForState(t, rig.ctrl, StateReady)
	v := rig.ctrl.Snapshot()
	assert.True(t, v.Checklist.CanGoLive)
	assert.Equal(t, "DJ Cap", v.Identity.DisplayName)
	assert.False(t, v.Identity.Locked)
	require.NotNil(t, v.AudioSource)
	assert.True(t, v.AudioSource.Connected)
}

func TestConfigureRejectsInvalidName(t *testing.T) {
	rig := newTestRig(t, testSlot())

	err := rig.ctrl.Configure(context.Background(), audio.MethodDevice,
		audio.Params{DeviceID: "dev1", Label: "Mixer"}, "a", "", false)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Equal(t, StateIdle, rig.ctrl.State())
}

func TestConfigureSurfacesAcquisitionError(t *testing.T) {
	rig := newTestRig(t, testSlot())
	ctrl := NewController(uuid.New(), testSlot(), Deps{
		Driver:   &fakeDriver{openErr: audio.ErrPermissionDenied},
		Tips:     rig.feed,
		Records:  rig.records,
		Policy:   identity.NewPolicy(nil),
		SampleHz: 100,
	})
	defer ctrl.Shutdown(context.Background())

	err := ctrl.Configure(context.Background(), audio.MethodSystem, audio.Params{}, "DJ Cap", "", false)
	assert.ErrorIs(t, err, audio.ErrPermissionDenied)
}

func TestConfigureLocksAuthenticatedHandle(t *testing.T) {
	rig := newTestRig(t, testSlot())

	err := rig.ctrl.Configure(context.Background(), audio.MethodDevice,
		audio.Params{DeviceID: "dev1", Label: "Mixer"}, "Ignored Name", "Nightowl", true)
	require.NoError(t, err)

	v := rig.ctrl.Snapshot()
	assert.Equal(t, "Nightowl", v.Identity.DisplayName)
	assert.True(t, v.Identity.Locked)
}

func TestGoLiveRehydratesPersistedChat(t *testing.T) {
	slot := testSlot()
	older := chat.NewText("Listener", "hello from before the restart", time.Now().Add(-5*time.Minute))
	promo := chat.NewPromo("DJ Cap", chat.PromoPayload{Text: "EP out now", SlotID: slot.ID}, time.Now().Add(-10*time.Minute))
	store := &fakeChatStore{tail: []chat.Message{older}, promo: &promo}

	capture := &fakeCapture{level: 0.5}
	ctrl := NewController(uuid.New(), slot, Deps{
		Driver:             &fakeDriver{capture: capture},
		Tips:               tips.NewFeed(),
		Records:            &fakeRecords{},
		ChatRepo:           store,
		Policy:             identity.NewPolicy(nil),
		SampleHz:           100,
		AmplitudeThreshold: 0.01,
		ChatLimits:         chat.Limits{MaxMessageLen: 280, MaxPromoLen: 200, RatePer10Sec: 100},
	})
	defer ctrl.Shutdown(context.Background())

	err := ctrl.Configure(context.Background(), audio.MethodDevice,
		audio.Params{DeviceID: "dev1", Label: "Mixer"}, "DJ Cap", "", false)
	require.NoError(t, err)
	waitForState(t, ctrl, StateReady)
	require.NoError(t, ctrl.GoLive(context.Background()))

	v := ctrl.Snapshot()
	require.Len(t, v.ChatTail, 2)
	assert.Equal(t, promo.ID, v.ChatTail[0].ID)
	assert.Equal(t, older.ID, v.ChatTail[1].ID)
	require.NotNil(t, v.PinnedPromo)
	assert.Equal(t, promo.ID, v.PinnedPromo.ID)

	// New messages still persist through the store.
	_, err = ctrl.SendChat(context.Background(), "Listener", "back again")
	require.NoError(t, err)
	assert.Equal(t, 1, store.insertCount())
}

func TestGoLiveBeforeReadyRejected(t *testing.T) {
	rig := newTestRig(t, testSlot())

	err := rig.ctrl.GoLive(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	start, _ := rig.records.counts()
	assert.Zero(t, start)
}

func TestGoLiveIdempotentSingleRecord(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)

	require.NoError(t, rig.ctrl.GoLive(context.Background()))
	startedAt := rig.ctrl.Snapshot().StartedAt
	require.NotNil(t, startedAt)

	// A duplicate press neither errors nor rewrites the record.
	require.NoError(t, rig.ctrl.GoLive(context.Background()))
	starts, _ := rig.records.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, *startedAt, *rig.ctrl.Snapshot().StartedAt)
}

func TestGoLiveRollsBackOnPersistFailure(t *testing.T) {
	rig := newTestRig(t, testSlot())
	rig.records.startErr = errors.New("db down")
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)

	err := rig.ctrl.GoLive(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateReady, rig.ctrl.State())
	assert.Nil(t, rig.ctrl.Snapshot().StartedAt)

	// Retry succeeds once the store recovers.
	rig.records.startErr = nil
	assert.NoError(t, rig.ctrl.GoLive(context.Background()))
}

func TestDeviceLossPreLiveDropsReadiness(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)

	rig.capture.set(0, audio.ErrDeviceLost)
	waitForState(t, rig.ctrl, StateConfiguring)
	v := rig.ctrl.Snapshot()
	assert.False(t, v.Checklist.CanGoLive)

	// Plugging back in restores readiness without reconfiguring.
	rig.capture.set(0.5, nil)
	waitForState(t, rig.ctrl, StateReady)
}

func TestTerminalFailurePreLiveFailsSession(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)

	rig.capture.set(0, errors.New("capture backend crashed"))
	waitForState(t, rig.ctrl, StateFailed)
	assert.True(t, rig.capture.isClosed())

	// Failed sessions can be reconfigured.
	rig.capture.set(0.5, nil)
	rig.capture.mu.Lock()
	rig.capture.closed = false
	rig.capture.mu.Unlock()
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)
}

func TestSourceLossWhileLiveIsReportedNotFatal(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)
	require.NoError(t, rig.ctrl.GoLive(context.Background()))

	rig.capture.set(0, audio.ErrDeviceLost)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rig.ctrl.Snapshot().Publishing {
		time.Sleep(5 * time.Millisecond)
	}
	v := rig.ctrl.Snapshot()
	assert.Equal(t, StateLive, v.State)
	assert.False(t, v.Publishing)
	assert.True(t, rig.events.has("publishing"))
}

func TestChatAndLoveWhileLive(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)
	require.NoError(t, rig.ctrl.GoLive(context.Background()))

	msg, err := rig.ctrl.SendChat(context.Background(), "Listener", "tune!")
	require.NoError(t, err)
	assert.Equal(t, chat.KindText, msg.Kind)

	_, err = rig.ctrl.SendLove(context.Background(), "Fan", 3)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rig.ctrl.Snapshot().Metrics.LoveCount < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	v := rig.ctrl.Snapshot()
	assert.Equal(t, 3, v.Metrics.LoveCount)
	assert.Len(t, v.ChatTail, 2)
}

func TestChatRejectedBeforeLive(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)

	_, err := rig.ctrl.SendChat(context.Background(), "Listener", "early")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPromoPinnedForSlot(t *testing.T) {
	slot := testSlot()
	rig := newTestRig(t, slot)
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)
	require.NoError(t, rig.ctrl.GoLive(context.Background()))

	_, err := rig.ctrl.SendPromo(context.Background(), "new EP friday", "caprecords.com/ep", "")
	require.NoError(t, err)
	second, err := rig.ctrl.SendPromo(context.Background(), "EP out NOW", "caprecords.com/ep", "")
	require.NoError(t, err)

	v := rig.ctrl.Snapshot()
	require.NotNil(t, v.PinnedPromo)
	assert.Equal(t, second.ID, v.PinnedPromo.ID)
	assert.Equal(t, slot.ID, v.PinnedPromo.Promo.SlotID)
}

func TestTipsFlowIntoMetricsAndChat(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)
	require.NoError(t, rig.ctrl.GoLive(context.Background()))

	rig.feed.Publish(tips.Event{
		EventID:     "evt_1",
		SessionID:   rig.ctrl.ID(),
		AmountCents: 500,
		Message:     "great set",
		At:          time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rig.ctrl.Snapshot().Metrics.TipCount == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	v := rig.ctrl.Snapshot()
	assert.Equal(t, int64(500), v.Metrics.TipTotalCents)
	assert.Equal(t, 1, v.Metrics.TipCount)

	// The tip is mirrored into chat but counted only from the feed.
	found := false
	for _, m := range v.ChatTail {
		if m.Kind == chat.KindTip {
			found = true
			assert.Equal(t, int64(500), m.Tip.AmountCents)
		}
	}
	assert.True(t, found, "tip mirrored into chat")
}

func TestPresenceUpdatesAndStaleness(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)
	require.NoError(t, rig.ctrl.GoLive(context.Background()))

	rig.presence.updates <- presence.Update{Count: 17}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rig.ctrl.Snapshot().Metrics.ListenerCount != 17 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 17, rig.ctrl.Snapshot().Metrics.ListenerCount)

	rig.presence.updates <- presence.Update{Err: errors.New("redis gone")}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !rig.ctrl.Snapshot().Metrics.ListenersStale {
		time.Sleep(5 * time.Millisecond)
	}
	v := rig.ctrl.Snapshot()
	assert.True(t, v.Metrics.ListenersStale)
	assert.Equal(t, 17, v.Metrics.ListenerCount, "stale keeps last known, never a silent zero")
}

func TestEndBroadcastLifecycle(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)
	require.NoError(t, rig.ctrl.GoLive(context.Background()))

	_, err := rig.ctrl.SendLove(context.Background(), "Fan", 2)
	require.NoError(t, err)

	require.NoError(t, rig.ctrl.EndBroadcast(context.Background()))
	assert.Equal(t, StateEnded, rig.ctrl.State())
	assert.True(t, rig.capture.isClosed(), "capture released on end")
	assert.True(t, rig.presence.wasCleared())
	assert.True(t, rig.events.has("broadcast_ended"))

	_, ends := rig.records.counts()
	assert.Equal(t, 1, ends)

	// Repeat end is a harmless no-op.
	require.NoError(t, rig.ctrl.EndBroadcast(context.Background()))
	_, ends = rig.records.counts()
	assert.Equal(t, 1, ends)

	// No interactions after end.
	_, err = rig.ctrl.SendChat(context.Background(), "Listener", "late")
	assert.Error(t, err)
	assert.ErrorIs(t, rig.ctrl.GoLive(context.Background()), ErrSessionEnded)
}

func TestEndFromReadyWithoutGoingLive(t *testing.T) {
	rig := newTestRig(t, testSlot())
	configureDevice(t, rig)
	waitForState(t, rig.ctrl, StateReady)

	require.NoError(t, rig.ctrl.EndBroadcast(context.Background()))
	assert.Equal(t, StateEnded, rig.ctrl.State())
	assert.True(t, rig.capture.isClosed())
}

func TestOvertimeSentinel(t *testing.T) {
	slot := testSlot()
	slot.EndTime = time.Now().Add(-10 * time.Minute)
	rig := newTestRig(t, slot)

	v := rig.ctrl.Snapshot()
	assert.True(t, v.Remaining.Overtime)
	assert.Equal(t, int64(0), v.Remaining.Seconds)
}

func TestRegistryReplacesSlotSession(t *testing.T) {
	slot := testSlot()
	capture := &fakeCapture{level: 0.5}
	reg := NewRegistry(Deps{
		Driver:   &fakeDriver{capture: capture},
		Tips:     tips.NewFeed(),
		Records:  &fakeRecords{},
		Policy:   identity.NewPolicy(nil),
		SampleHz: 100,
	})
	defer reg.Shutdown(context.Background())

	first := reg.Create(context.Background(), slot)
	second := reg.Create(context.Background(), slot)

	assert.NotEqual(t, first.ID(), second.ID())
	_, ok := reg.Get(first.ID())
	assert.False(t, ok, "replaced session is dropped from the registry")
	got, ok := reg.Get(second.ID())
	assert.True(t, ok)
	assert.Equal(t, second, got)
}
