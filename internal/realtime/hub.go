// Package realtime carries listener websocket connections for live broadcast
// sessions: chat and metric events go out, chat messages and love reactions
// come in. Rooms are keyed by session id and fan out across instances over
// Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait (seconds) drive the heartbeat.
	PingInterval = 10
	PongWait     = 30
)

// PresenceTracker is notified as connections join and leave a session room.
// Implemented by the presence registry.
type PresenceTracker interface {
	Join(ctx context.Context, sessionID uuid.UUID, connID string) error
	Heartbeat(ctx context.Context, sessionID uuid.UUID, connID string) error
	Leave(ctx context.Context, sessionID uuid.UUID, connID string) error
}

// RedisPublisher publishes session events for cross-instance broadcast.
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> set of connections and broadcasts messages.
type Hub struct {
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	logger   *zap.Logger
	redisPub RedisPublisher
	redisSub RedisSubscriber
	presence PresenceTracker
}

// NewHub creates a websocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber, presence PresenceTracker) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redisPub: redisPub,
		redisSub: redisSub,
		presence: presence,
	}
}

// Register adds a client to a session room, registers its presence entry and
// starts the Redis subscription when this is the room's first local client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeSession(c.SessionID, func(event string, payload []byte) {
				h.broadcastLocal(c.SessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.SessionID] = cancel
			} else {
				h.logger.Warn("redis subscribe failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Join(context.Background(), c.SessionID, c.ID); err != nil {
			h.logger.Warn("presence join failed", zap.Error(err))
		}
	}
	h.logger.Debug("listener joined", zap.String("conn_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client, drops its presence entry and cancels the
// Redis subscription when the last local client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Leave(context.Background(), c.SessionID, c.ID); err != nil {
			h.logger.Warn("presence leave failed", zap.Error(err))
		}
	}
	h.logger.Debug("listener left", zap.String("conn_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// broadcastLocal delivers to clients on this instance only.
func (h *Hub) broadcastLocal(sessionID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.sessions[sessionID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastToSession delivers an event to the session's listeners, local and
// remote. Implements the session controller's Broadcaster contract.
func (h *Hub) BroadcastToSession(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.broadcastLocal(sessionID, event, json.RawMessage(data))
	if h.redisPub != nil {
		if err := h.redisPub.PublishSessionEvent(sessionID, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.Error(err))
		}
	}
}

// LocalCount returns the number of connections on this instance for a session.
func (h *Hub) LocalCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
