package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel() *Channel {
	return NewChannel(uuid.New(), Limits{MaxMessageLen: 280, MaxPromoLen: 200, RatePer10Sec: 10})
}

func TestSendAppendsInOrder(t *testing.T) {
	ch := newTestChannel()

	m1, err := ch.Send("DJ Cap", "warming up")
	require.NoError(t, err)
	m2, err := ch.Send("Listener", "tune!")
	require.NoError(t, err)

	tail := ch.Tail(10)
	require.Len(t, tail, 2)
	assert.Equal(t, m1.ID, tail[0].ID)
	assert.Equal(t, m2.ID, tail[1].ID)
	assert.Equal(t, KindText, tail[0].Kind)
}

func TestSendRejectsTooLong(t *testing.T) {
	ch := NewChannel(uuid.New(), Limits{MaxMessageLen: 10, MaxPromoLen: 200, RatePer10Sec: 10})

	_, err := ch.Send("DJ Cap", strings.Repeat("x", 11))
	assert.ErrorIs(t, err, ErrTooLong)
	assert.Empty(t, ch.Tail(10))
}

func TestSendCountsCharactersNotBytes(t *testing.T) {
	ch := newTestChannel()

	// 280 three-byte characters is exactly the limit.
	_, err := ch.Send("DJ Cap", strings.Repeat("♫", 280))
	require.NoError(t, err)
	_, err = ch.Send("DJ Cap", strings.Repeat("♫", 281))
	assert.ErrorIs(t, err, ErrTooLong)

	_, err = ch.SendPromo("DJ Cap", uuid.New(), strings.Repeat("é", 200), "", "")
	assert.NoError(t, err)
}

func TestSendRateLimit(t *testing.T) {
	ch := NewChannel(uuid.New(), Limits{MaxMessageLen: 280, MaxPromoLen: 200, RatePer10Sec: 3})

	for i := 0; i < 3; i++ {
		_, err := ch.Send("Spammy", "hey")
		require.NoError(t, err)
	}
	_, err := ch.Send("Spammy", "hey again")
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other authors are unaffected.
	_, err = ch.Send("Calm One", "hello")
	assert.NoError(t, err)
}

func TestLateArrivalKeepsTimestampOrder(t *testing.T) {
	ch := newTestChannel()
	now := time.Now()

	ch.AppendLove("A", 1, now)
	ch.AppendLove("B", 1, now.Add(2*time.Second))
	// Arrives after B but happened before it.
	ch.AppendLove("C", 1, now.Add(time.Second))

	tail := ch.Tail(10)
	require.Len(t, tail, 3)
	assert.Equal(t, "A", tail[0].AuthorName)
	assert.Equal(t, "C", tail[1].AuthorName)
	assert.Equal(t, "B", tail[2].AuthorName)
}

func TestPromoPinReplacesWithinSlot(t *testing.T) {
	ch := newTestChannel()
	slot := uuid.New()

	_, err := ch.SendPromo("DJ Cap", slot, "new EP friday", "caprecords.com/ep", "")
	require.NoError(t, err)
	second, err := ch.SendPromo("DJ Cap", slot, "EP out NOW", "caprecords.com/ep", "")
	require.NoError(t, err)

	pinned := ch.PinnedPromo(slot)
	require.NotNil(t, pinned)
	assert.Equal(t, second.ID, pinned.ID)
	assert.Equal(t, "EP out NOW", pinned.Promo.Text)

	// Both sends remain in the stream; only the pin is replaced.
	assert.Len(t, ch.Filter(KindPromo), 2)
}

func TestPromoPinIsPerSlot(t *testing.T) {
	ch := newTestChannel()
	slotA := uuid.New()
	slotB := uuid.New()

	_, err := ch.SendPromo("DJ One", slotA, "slot A promo", "", "")
	require.NoError(t, err)

	// The next slot sees no pin even though the stream holds slot A's promo.
	assert.Nil(t, ch.PinnedPromo(slotB))

	got := ch.PinnedPromo(slotA)
	require.NotNil(t, got)
	assert.Equal(t, slotA, got.Promo.SlotID)
}

func TestRestoreRepinsNewestPromo(t *testing.T) {
	ch := newTestChannel()
	slot := uuid.New()
	now := time.Now()

	older := NewPromo("DJ Cap", PromoPayload{Text: "old promo", SlotID: slot}, now.Add(-2*time.Minute))
	newer := NewPromo("DJ Cap", PromoPayload{Text: "new promo", SlotID: slot}, now.Add(-time.Minute))
	text := NewText("Listener", "welcome back", now.Add(-30*time.Second))

	// Persisted order does not matter; the newest promo wins the pin.
	ch.Restore([]Message{newer, older, text})

	pinned := ch.PinnedPromo(slot)
	require.NotNil(t, pinned)
	assert.Equal(t, newer.ID, pinned.ID)

	tail := ch.Tail(10)
	require.Len(t, tail, 3)
	assert.Equal(t, older.ID, tail[0].ID)
	assert.Equal(t, newer.ID, tail[1].ID)
	assert.Equal(t, text.ID, tail[2].ID)

	// Restored history bypasses the send limits.
	long := NewText("Listener", strings.Repeat("♫", 300), now)
	ch.Restore([]Message{long})
	assert.Len(t, ch.Tail(10), 4)
}

func TestPromoHyperlinkNormalized(t *testing.T) {
	ch := newTestChannel()
	slot := uuid.New()

	msg, err := ch.SendPromo("DJ Cap", slot, "merch", "capshop.example/store", "")
	require.NoError(t, err)
	assert.Equal(t, "https://capshop.example/store", msg.Promo.Hyperlink)

	_, err = ch.SendPromo("DJ Cap", slot, "bad", "ftp://capshop.example", "")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestPromoTooLong(t *testing.T) {
	ch := NewChannel(uuid.New(), Limits{MaxMessageLen: 280, MaxPromoLen: 20, RatePer10Sec: 10})

	_, err := ch.SendPromo("DJ Cap", uuid.New(), strings.Repeat("p", 21), "", "")
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestFilterByKind(t *testing.T) {
	ch := newTestChannel()
	now := time.Now()

	_, err := ch.Send("DJ Cap", "hello")
	require.NoError(t, err)
	ch.AppendLove("Fan", 3, now)
	ch.AppendTip("Listener", 500, "great set", now)

	assert.Len(t, ch.Filter(KindText), 1)
	assert.Len(t, ch.Filter(KindLove), 1)
	assert.Len(t, ch.Filter(KindTip), 1)
	assert.Empty(t, ch.Filter(KindPromo))
}

func TestSubscribeReceivesAppends(t *testing.T) {
	ch := newTestChannel()
	sub, cancel := ch.Subscribe()
	defer cancel()

	sent, err := ch.Send("DJ Cap", "hello")
	require.NoError(t, err)

	select {
	case got := <-sub:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestCloseStopsSubscribersAndAppends(t *testing.T) {
	ch := newTestChannel()
	sub, _ := ch.Subscribe()

	ch.Close()

	_, open := <-sub
	assert.False(t, open)

	// Appends after close are dropped.
	ch.AppendLove("Fan", 1, time.Now())
	assert.Empty(t, ch.Tail(10))

	// Close is idempotent, and late subscribers get a closed channel.
	ch.Close()
	late, cancel := ch.Subscribe()
	defer cancel()
	_, open = <-late
	assert.False(t, open)
}

func TestNormalizeHyperlink(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com", "https://example.com", false},
		{"  example.com/path ", "https://example.com/path", false},
		{"http://example.com", "http://example.com", false},
		{"https://example.com/a?b=c", "https://example.com/a?b=c", false},
		{"ftp://example.com", "", true},
		{"javascript://alert(1)", "", true},
		{"", "", true},
		{"https://", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeHyperlink(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidURL, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
