package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/events"
)

const (
	writeWait        = 10 * time.Second
	maxFrameSize     = 64 << 10
	authorizeTimeout = 5 * time.Second
)

type client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	userID  uint64
	userKey string
	send    chan []byte

	mu      sync.Mutex
	session string

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, uid uint64) *client {
	return &client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		userID:  uid,
		userKey: userKey(uid),
		send:    make(chan []byte, h.sendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *client) subscribedTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *client) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// enqueue reports false when the send buffer is full.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) readLoop(ctx context.Context) {
	pongWait := c.hub.pingPeriod * 2
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := events.Decode(data)
		if err != nil {
			c.sendError("", "malformed frame")
			continue
		}
		switch env.Event {
		case events.Subscribe:
			c.subscribe(ctx, env.Data)
		case events.Unsubscribe:
			if id := sessionArg(env.Data); id != "" && id == c.subscribedTo() {
				c.setSession("")
			}
		case events.Typing:
			c.typing(ctx, env.Data)
		default:
			c.sendError("", "unknown event "+env.Event)
		}
	}
}

// sessionArg accepts "id" or {"sessionId":"id"}.
func sessionArg(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return strings.TrimSpace(obj.SessionID)
	}
	return ""
}

func (c *client) subscribe(ctx context.Context, data json.RawMessage) {
	id := sessionArg(data)
	if !common.IsSessionID(id) {
		c.sendError(id, "invalid session id")
		return
	}
	actx, cancel := context.WithTimeout(ctx, authorizeTimeout)
	defer cancel()
	if err := c.hub.authz.ValidateSessionOwner(actx, c.userID, id); err != nil {
		c.hub.log.Debug().Err(err).Uint64("user_id", c.userID).Str("session_id", id).Msg("subscribe refused")
		c.sendError(id, "session not found")
		return
	}
	c.setSession(id)
}

func (c *client) typing(ctx context.Context, data json.RawMessage) {
	var te events.TypingEvent
	if err := json.Unmarshal(data, &te); err != nil {
		c.sendError("", "malformed typing event")
		return
	}
	current := c.subscribedTo()
	if te.SessionID == "" || te.SessionID != current {
		c.sendError(te.SessionID, "not subscribed to session")
		return
	}
	te.UserID = c.userKey

	ev, err := events.NewEvent(events.Typing, current, te)
	if err == nil {
		err = c.hub.publisher.Publish(ctx, ev)
	}
	if err != nil {
		c.hub.log.Warn().Err(err).Str("session_id", current).Msg("publish typing")
	}
}

func (c *client) sendError(sessionID, msg string) {
	frame, err := events.Encode(events.Error, events.ErrorEvent{SessionID: sessionID, Message: msg})
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		c.close()
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return errors.Wrap(c.conn.WriteMessage(kind, data), "ws write")
}
