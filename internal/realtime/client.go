package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deckline/backend/internal/chat"
	"github.com/deckline/backend/internal/session"
	"github.com/deckline/backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope exchanged over the socket.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is a single listener websocket connection.
type Client struct {
	ID        string
	SessionID uuid.UUID
	Name      string
	conn      *websocket.Conn
	send      chan WSMessage
	hub       *Hub
	ctrl      *session.Controller
	logger    *zap.Logger
}

// ServeWs upgrades GET /ws?session_id=<uuid>&name=<display> to a listener
// connection. Listeners join anonymously; the name defaults to "Listener".
func ServeWs(hub *Hub, registry *session.Registry, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := uuid.Parse(c.Query("session_id"))
		if err != nil {
			response.BadRequest(c, "invalid session_id")
			return
		}
		ctrl, ok := registry.Get(sessionID)
		if !ok {
			response.NotFound(c, "session not found")
			return
		}

		name := c.Query("name")
		if name == "" {
			name = "Listener"
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Name:      name,
			conn:      conn,
			send:      make(chan WSMessage, 64),
			hub:       hub,
			ctrl:      ctrl,
			logger:    logger,
		}

		hub.Register(client)
		logger.Info("listener connected",
			zap.String("session_id", sessionID.String()),
			zap.Int("local_listeners", hub.LocalCount(sessionID)))
		go client.writePump()
		go client.readPump()

		// initial snapshot so late joiners see current chat and metrics
		data, _ := json.Marshal(ctrl.Snapshot())
		client.send <- WSMessage{Event: "snapshot", Data: data}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if c.hub.presence != nil {
			_ = c.hub.presence.Heartbeat(context.Background(), c.SessionID, c.ID)
		}
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleEvent(msg)
	}
}

func (c *Client) handleEvent(msg WSMessage) {
	switch msg.Event {
	case "chat_message":
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			return
		}
		if _, err := c.ctrl.SendChat(context.Background(), c.Name, in.Text); err != nil {
			c.sendError(err)
		}
	case "love":
		var in struct {
			HeartCount int `json:"heart_count"`
		}
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			return
		}
		if in.HeartCount < 1 {
			in.HeartCount = 1
		}
		if _, err := c.ctrl.SendLove(context.Background(), c.Name, in.HeartCount); err != nil {
			c.sendError(err)
		}
	}
}

func (c *Client) sendError(err error) {
	code := "error"
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		code = "rate_limited"
	case errors.Is(err, chat.ErrTooLong):
		code = "message_too_long"
	case errors.Is(err, session.ErrSessionEnded):
		code = "session_ended"
	}
	data, _ := json.Marshal(map[string]string{"code": code, "message": err.Error()})
	select {
	case c.send <- WSMessage{Event: "error", Data: data}:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
