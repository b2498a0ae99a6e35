// Package realtime serves the /ws endpoint: authenticated websocket
// connections that subscribe to one chat session at a time and receive that
// session's events from the bus.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pawcare/portal/internal/auth"
	"github.com/pawcare/portal/internal/events"
	"github.com/pawcare/portal/internal/logging"
)

// SessionAuthorizer checks that a user may watch a session.
type SessionAuthorizer interface {
	ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) error
}

type Hub struct {
	secret     string
	authz      SessionAuthorizer
	publisher  events.Publisher
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	sendBuffer int
	log        zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type Option func(*Hub)

func WithPingPeriod(d time.Duration) Option {
	return func(h *Hub) { h.pingPeriod = d }
}

func WithSendBuffer(n int) Option {
	return func(h *Hub) { h.sendBuffer = n }
}

func WithCheckOrigin(f func(*http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = f }
}

// NewHub builds a hub that validates JWTs signed with secret and publishes
// client typing events to pub.
func NewHub(secret string, authz SessionAuthorizer, pub events.Publisher, opts ...Option) *Hub {
	h := &Hub{
		secret:     secret,
		authz:      authz,
		publisher:  pub,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		pingPeriod: 25 * time.Second,
		sendBuffer: 64,
		log:        logging.Component("realtime"),
		clients:    map[*client]struct{}{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP authenticates the token query parameter, upgrades the request and
// serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := auth.ParseJWT(r.URL.Query().Get("token"), h.secret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newClient(h, conn, uid)
	h.register(c)
	h.log.Debug().Str("conn_id", c.id).Uint64("user_id", uid).Msg("ws connected")

	go c.writeLoop()
	c.readLoop(r.Context())
	h.unregister(c)
	c.close()
	h.log.Debug().Str("conn_id", c.id).Uint64("user_id", uid).Msg("ws disconnected")
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Run pumps bus events to connected clients until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context, sub events.Subscriber) error {
	ch, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range ch {
		h.Broadcast(ev)
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return ctx.Err()
}

// Broadcast writes ev to every client subscribed to its session. Typing
// events are not echoed to connections of the user who is typing.
func (h *Hub) Broadcast(ev events.Event) {
	if ev.SessionID == "" {
		return
	}
	frame, err := ev.Frame()
	if err != nil {
		h.log.Warn().Err(err).Str("event", ev.Name).Msg("encode frame")
		return
	}

	var typist string
	if ev.Name == events.Typing {
		var te events.TypingEvent
		if err := json.Unmarshal(ev.Data, &te); err == nil {
			typist = te.UserID
		}
	}

	h.mu.RLock()
	targets := make([]*client, 0, 4)
	for c := range h.clients {
		if c.subscribedTo() != ev.SessionID {
			continue
		}
		if typist != "" && typist == c.userKey {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			h.log.Warn().Str("conn_id", c.id).Uint64("user_id", c.userID).Str("session_id", ev.SessionID).Msg("slow websocket client, dropping")
			c.close()
		}
	}
}

// subscribers counts connections watching sessionID.
func (h *Hub) subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.subscribedTo() == sessionID {
			n++
		}
	}
	return n
}

func userKey(uid uint64) string {
	return strconv.FormatUint(uid, 10)
}
