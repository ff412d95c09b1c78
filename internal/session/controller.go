// Package session owns the broadcast session lifecycle: one actor goroutine
// per session serializes every transition and every feed event, so no two
// mutations interleave. Feed goroutines (amplitude sampler, presence counts,
// chat subscription, tip subscription, duration ticker) only enqueue
// closures into the actor's inbox.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deckline/backend/internal/audio"
	"github.com/deckline/backend/internal/chat"
	"github.com/deckline/backend/internal/identity"
	"github.com/deckline/backend/internal/metrics"
	"github.com/deckline/backend/internal/models"
	"github.com/deckline/backend/internal/presence"
	"github.com/deckline/backend/internal/readiness"
	"github.com/deckline/backend/internal/tips"
	"github.com/deckline/backend/pkg/queue"
)

const chatTailSize = 50

// Broadcaster pushes session events to connected listeners. Implemented by
// the realtime hub.
type Broadcaster interface {
	BroadcastToSession(sessionID uuid.UUID, event string, payload interface{})
}

// RecordStore persists durable broadcast records. Implemented by Repository.
type RecordStore interface {
	UpsertStart(ctx context.Context, rec models.BroadcastRecord) error
	UpsertEnd(ctx context.Context, rec models.BroadcastRecord) error
}

// PresenceFeed supplies listener counts for a session. Implemented by the
// presence registry.
type PresenceFeed interface {
	Subscribe(sessionID uuid.UUID) (<-chan presence.Update, func())
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

// ChatStore persists chat messages and serves them back for rehydration.
// Implemented by chat.Repository.
type ChatStore interface {
	Insert(ctx context.Context, sessionID, slotID uuid.UUID, m chat.Message) error
	Tail(ctx context.Context, sessionID uuid.UUID, n int) ([]chat.Message, error)
	LatestPromoForSlot(ctx context.Context, sessionID, slotID uuid.UUID) (*chat.Message, error)
}

// Deps are the collaborators a controller needs. Queue, Events, Presence and
// ChatRepo may be nil.
type Deps struct {
	Driver   audio.Driver
	Presence PresenceFeed
	Tips     *tips.Feed
	Records  RecordStore
	ChatRepo ChatStore
	Queue    *queue.Queue
	Events   Broadcaster
	Policy   *identity.Policy
	Logger   *zap.Logger

	SampleHz           int
	AmplitudeThreshold float64
	ChatLimits         chat.Limits
	FallbackLookback   time.Duration
}

// View is the read-only snapshot exposed to collaborators for rendering.
type View struct {
	SessionID   uuid.UUID           `json:"session_id"`
	SlotID      uuid.UUID           `json:"slot_id"`
	State       State               `json:"state"`
	Identity    identity.DJIdentity `json:"identity"`
	AudioSource *audio.State        `json:"audio_source,omitempty"`
	Checklist   readiness.Checklist `json:"checklist"`
	Publishing  bool                `json:"publishing"`
	Metrics     metrics.Snapshot    `json:"metrics"`
	ChatTail    []chat.Message      `json:"chat_tail,omitempty"`
	PinnedPromo *chat.Message       `json:"pinned_promo,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	EndedAt     *time.Time          `json:"ended_at,omitempty"`
	ElapsedSec  int64               `json:"elapsed_sec"`
	Remaining   Remaining           `json:"time_remaining"`
}

// Controller is the single mutation surface for one broadcast session.
// External code never writes session state directly.
type Controller struct {
	id     uuid.UUID
	slot   models.Slot
	deps   Deps
	logger *zap.Logger

	inbox    chan func()
	quit     chan struct{}
	stopOnce sync.Once

	// Everything below is owned by the actor goroutine.
	m           *machine
	source      *audio.Source
	checklist   readiness.Checklist
	publishing  bool
	agg         *metrics.Aggregator
	chatCh      *chat.Channel
	feedCancels []func()
}

// NewController creates a session controller in Idle and starts its actor.
func NewController(id uuid.UUID, slot models.Slot, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	c := &Controller{
		id:     id,
		slot:   slot,
		deps:   deps,
		logger: deps.Logger.With(zap.String("session_id", id.String())),
		inbox:  make(chan func(), 128),
		quit:   make(chan struct{}),
		m:      newMachine(),
		agg:    metrics.NewAggregator(deps.FallbackLookback),
	}
	go c.run()
	return c
}

// ID returns the session id.
func (c *Controller) ID() uuid.UUID { return c.id }

// Slot returns the session's slot.
func (c *Controller) Slot() models.Slot { return c.slot }

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post enqueues a feed event; dropped once the actor has stopped.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.quit:
	}
}

// call runs a command on the actor and waits for its result.
func (c *Controller) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.inbox <- func() { errc <- fn() }:
	case <-c.quit:
		return ErrSessionEnded
	}
	select {
	case err := <-errc:
		return err
	case <-c.quit:
		return ErrSessionEnded
	}
}

// Configure acquires an audio source and resolves the DJ identity, moving the
// session to Configuring. Valid from Idle and from Failed (re-acquire after a
// device failure). Identity lock is fixed here and never changes mid-session.
func (c *Controller) Configure(ctx context.Context, method audio.Method, params audio.Params, requestedName, persistedHandle string, isAuthenticated bool) error {
	ident, err := c.deps.Policy.Resolve(requestedName, persistedHandle, isAuthenticated, c.slot.VenueShared)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	// Acquisition is blocking IO and happens outside the actor; the commit
	// below re-validates state and rolls the acquisition back on rejection.
	source, err := audio.Acquire(ctx, c.deps.Driver, method, params, c.deps.SampleHz, c.logger)
	if err != nil {
		return err
	}

	err = c.call(func() error {
		if err := c.m.configure(ident); err != nil {
			return err
		}
		if c.source != nil {
			c.source.Release()
		}
		c.source = source
		c.evaluate(source.State())
		return nil
	})
	if err != nil {
		source.Release()
		return err
	}

	go c.consumeSamples(source)
	c.logger.Info("session configured",
		zap.String("method", string(method)),
		zap.String("dj", ident.DisplayName),
		zap.Bool("locked", ident.Locked))
	return nil
}

// consumeSamples forwards amplitude ticks into the actor until the source's
// feed closes. Events for a replaced source are ignored by the src check.
func (c *Controller) consumeSamples(src *audio.Source) {
	for range src.Samples() {
		st := src.State()
		c.post(func() {
			if c.source != src {
				return
			}
			c.onSample(st)
		})
	}
}

// onSample recomputes readiness from scratch on every tick so the checklist
// never diverges from source truth.
func (c *Controller) onSample(st audio.State) {
	if st.Terminal {
		// Unrecoverable failure: fatal pre-Live, reported while Live.
		if c.m.fail() {
			c.logger.Warn("audio source failed, session failed", zap.String("error", st.LastError))
			c.releaseSource()
			c.checklist = readiness.Checklist{}
			c.publishing = false
			return
		}
	}
	c.evaluate(st)
}

func (c *Controller) evaluate(st audio.State) {
	in := readiness.Input{
		Acquired:  c.source != nil,
		Source:    st,
		Threshold: c.deps.AmplitudeThreshold,
	}
	c.checklist = readiness.Evaluate(in)
	c.m.setReady(c.checklist.CanGoLive)
	wasPublishing := c.publishing
	c.publishing = readiness.Publishing(in)
	if c.m.state == StateLive && wasPublishing != c.publishing && c.deps.Events != nil {
		// Dropped source while Live is reported, not fatal; the operator can
		// reconnect while the session stays Live.
		c.deps.Events.BroadcastToSession(c.id, "publishing", map[string]bool{"publishing": c.publishing})
	}
}

// GoLive gates the transition to Live. Valid only from Ready; idempotent when
// already Live. On success the durable record is upserted and the chat,
// presence and tip subscriptions open.
func (c *Controller) GoLive(ctx context.Context) error {
	return c.call(func() error {
		alreadyLive, err := c.m.goLive(time.Now())
		if err != nil || alreadyLive {
			return err
		}
		rec := models.BroadcastRecord{
			SessionID:     c.id,
			SlotID:        c.slot.ID,
			DJDisplayName: c.m.identity.DisplayName,
			StartedAt:     c.m.startedAt,
		}
		if err := c.deps.Records.UpsertStart(ctx, rec); err != nil {
			// Roll back so the operator can retry; nothing opened yet.
			c.m.state = StateReady
			c.m.startedAt = nil
			return fmt.Errorf("persist broadcast record: %w", err)
		}
		c.agg.SetWindowStart(*c.m.startedAt)
		c.openFeeds(ctx)
		c.logger.Info("went live", zap.String("slot_id", c.slot.ID.String()))
		return nil
	})
}

// openFeeds starts the live subscriptions. Actor-only. Persisted history is
// restored before the chat subscription opens so it is not re-broadcast.
func (c *Controller) openFeeds(ctx context.Context) {
	c.chatCh = chat.NewChannel(c.id, c.deps.ChatLimits)
	c.rehydrateChat(ctx)

	msgs, cancelChat := c.chatCh.Subscribe()
	go func() {
		for m := range msgs {
			msg := m
			c.post(func() {
				if c.m.state != StateLive {
					return
				}
				c.agg.ApplyChat(msg)
				if c.deps.Events != nil {
					c.deps.Events.BroadcastToSession(c.id, "chat_message", msg)
				}
			})
		}
		c.post(func() {
			if c.m.state == StateLive {
				c.agg.MarkChatLost()
			}
		})
	}()

	cancelPresence := func() {}
	if c.deps.Presence != nil {
		var upds <-chan presence.Update
		upds, cancelPresence = c.deps.Presence.Subscribe(c.id)
		go func() {
			for u := range upds {
				upd := u
				c.post(func() {
					if c.m.state != StateLive {
						return
					}
					if upd.Err != nil {
						c.agg.MarkPresenceLost()
					} else {
						c.agg.ApplyPresence(upd.Count)
					}
				})
			}
		}()
	}

	evs, cancelTips := c.deps.Tips.Subscribe(c.id)
	go func() {
		for ev := range evs {
			event := ev
			c.post(func() {
				if c.m.state != StateLive {
					return
				}
				c.agg.ApplyTip(event)
				if c.chatCh != nil {
					c.chatCh.AppendTip("Listener", event.AmountCents, event.Message, event.At)
				}
			})
		}
	}()

	tickCtx, cancelTick := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				c.post(func() {
					if c.m.state != StateLive || c.deps.Events == nil {
						return
					}
					c.deps.Events.BroadcastToSession(c.id, "metrics", c.agg.Snapshot(time.Now()))
				})
			}
		}
	}()

	c.feedCancels = []func(){cancelChat, cancelPresence, cancelTips, cancelTick}
}

// rehydrateChat reloads persisted history when a session goes live again after
// a process restart, so late joiners still see the tail and the slot keeps its
// pinned promo. Promos older than the tail window are looked up separately.
func (c *Controller) rehydrateChat(ctx context.Context) {
	if c.deps.ChatRepo == nil {
		return
	}
	tail, err := c.deps.ChatRepo.Tail(ctx, c.id, chatTailSize)
	if err != nil {
		c.logger.Warn("load chat history", zap.Error(err))
		return
	}
	c.chatCh.Restore(tail)
	if c.chatCh.PinnedPromo(c.slot.ID) != nil {
		return
	}
	promo, err := c.deps.ChatRepo.LatestPromoForSlot(ctx, c.id, c.slot.ID)
	if err != nil {
		c.logger.Warn("load pinned promo", zap.Error(err))
		return
	}
	if promo != nil {
		c.chatCh.Restore([]chat.Message{*promo})
	}
}

// EndBroadcast ends the session. Valid from Live or Ready; a repeat call is a
// no-op so UI retries on network hiccups are harmless. All feed subscriptions
// are cancelled synchronously during Ending, before Ended is reached.
func (c *Controller) EndBroadcast(ctx context.Context) error {
	return c.call(func() error {
		proceed, err := c.m.beginEnd(time.Now())
		if err != nil || !proceed {
			return err
		}
		c.teardown()

		snap := c.agg.Snapshot(*c.m.endedAt)
		rec := models.BroadcastRecord{
			SessionID:     c.id,
			SlotID:        c.slot.ID,
			DJDisplayName: c.m.identity.DisplayName,
			StartedAt:     c.m.startedAt,
			EndedAt:       c.m.endedAt,
			PeakListeners: snap.PeakListeners,
			LoveCount:     snap.LoveCount,
			TipTotalCents: snap.TipTotalCents,
			TipCount:      snap.TipCount,
		}
		if err := c.deps.Records.UpsertEnd(ctx, rec); err != nil {
			// The finalize job re-writes the record, so log and keep ending.
			c.logger.Error("persist broadcast record on end", zap.Error(err))
		}
		if c.deps.Queue != nil {
			if err := c.deps.Queue.EnqueueSessionFinalize(ctx, queue.SessionFinalizePayload{
				SessionID:     c.id,
				SlotID:        c.slot.ID,
				PeakListeners: snap.PeakListeners,
				LoveCount:     snap.LoveCount,
				TipTotalCents: snap.TipTotalCents,
				TipCount:      snap.TipCount,
			}); err != nil {
				c.logger.Error("enqueue finalize", zap.Error(err))
			}
		}

		c.m.finishEnd()
		if c.deps.Events != nil {
			c.deps.Events.BroadcastToSession(c.id, "broadcast_ended", map[string]string{"session_id": c.id.String()})
		}
		c.logger.Info("broadcast ended", zap.Duration("elapsed", c.m.elapsed(*c.m.endedAt)))
		return nil
	})
}

// teardown cancels every feed subscription and releases the capture. Runs
// inside the actor so no event handler fires after it.
func (c *Controller) teardown() {
	for _, cancel := range c.feedCancels {
		cancel()
	}
	c.feedCancels = nil
	if c.chatCh != nil {
		c.chatCh.Close()
	}
	c.releaseSource()
	if c.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.deps.Presence.Clear(ctx, c.id); err != nil {
			c.logger.Warn("clear presence", zap.Error(err))
		}
	}
}

func (c *Controller) releaseSource() {
	if c.source != nil {
		c.source.Release()
		c.source = nil
	}
}

// SendChat appends a text message from the named author. Live sessions only.
func (c *Controller) SendChat(ctx context.Context, author, text string) (chat.Message, error) {
	var msg chat.Message
	err := c.call(func() error {
		if c.m.state != StateLive || c.chatCh == nil {
			return ErrInvalidTransition
		}
		var err error
		msg, err = c.chatCh.Send(author, text)
		return err
	})
	if err != nil {
		return chat.Message{}, err
	}
	c.persistMessage(ctx, msg)
	return msg, nil
}

// SendPromo posts or updates the pinned promo for the session's slot.
func (c *Controller) SendPromo(ctx context.Context, text, hyperlink, artworkURL string) (chat.Message, error) {
	var msg chat.Message
	err := c.call(func() error {
		if c.m.state != StateLive || c.chatCh == nil {
			return ErrInvalidTransition
		}
		var err error
		msg, err = c.chatCh.SendPromo(c.m.identity.DisplayName, c.slot.ID, text, hyperlink, artworkURL)
		return err
	})
	if err != nil {
		return chat.Message{}, err
	}
	c.persistMessage(ctx, msg)
	return msg, nil
}

// SendLove appends a love reaction from a listener.
func (c *Controller) SendLove(ctx context.Context, author string, hearts int) (chat.Message, error) {
	if hearts <= 0 {
		hearts = 1
	}
	var msg chat.Message
	err := c.call(func() error {
		if c.m.state != StateLive || c.chatCh == nil {
			return ErrInvalidTransition
		}
		msg = c.chatCh.AppendLove(author, hearts, time.Now())
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	c.persistMessage(ctx, msg)
	return msg, nil
}

func (c *Controller) persistMessage(ctx context.Context, msg chat.Message) {
	if c.deps.ChatRepo == nil {
		return
	}
	if err := c.deps.ChatRepo.Insert(ctx, c.id, c.slot.ID, msg); err != nil {
		c.logger.Warn("persist chat message", zap.Error(err))
	}
}

// Snapshot returns the read-only session view.
func (c *Controller) Snapshot() View {
	var v View
	_ = c.call(func() error {
		now := time.Now()
		v = View{
			SessionID:  c.id,
			SlotID:     c.slot.ID,
			State:      c.m.state,
			Identity:   c.m.identity,
			Checklist:  c.checklist,
			Publishing: c.publishing,
			Metrics:    c.agg.Snapshot(now),
			StartedAt:  c.m.startedAt,
			EndedAt:    c.m.endedAt,
			ElapsedSec: int64(c.m.elapsed(now) / time.Second),
			Remaining:  timeRemaining(c.slot, now),
		}
		if c.source != nil {
			st := c.source.State()
			v.AudioSource = &st
		}
		if c.chatCh != nil {
			v.ChatTail = c.chatCh.Tail(chatTailSize)
			v.PinnedPromo = c.chatCh.PinnedPromo(c.slot.ID)
		}
		return nil
	})
	return v
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	var s State
	_ = c.call(func() error {
		s = c.m.state
		return nil
	})
	return s
}

// Shutdown releases everything on abnormal controller exit: a live session
// is ended first so the capture and subscriptions are never leaked.
func (c *Controller) Shutdown(ctx context.Context) {
	st := c.State()
	if st == StateLive || st == StateReady {
		if err := c.EndBroadcast(ctx); err != nil {
			c.logger.Warn("end on shutdown", zap.Error(err))
		}
	} else {
		_ = c.call(func() error {
			c.releaseSource()
			return nil
		})
	}
	c.stopOnce.Do(func() { close(c.quit) })
}
