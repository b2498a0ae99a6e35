// Package chatsync keeps a client view in sync with one chat session over the
// realtime channel. A Sync owns one transport connection and at most one
// session subscription at a time, and hands filtered events to registered
// handlers. MessageList reconciles those events with REST responses.
package chatsync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/events"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ServerError is a chat:error event sent by the backend, e.g. a refused subscription.
type ServerError struct {
	SessionID string
	Message   string
}

func (e *ServerError) Error() string {
	if e.SessionID == "" {
		return "realtime: " + e.Message
	}
	return fmt.Sprintf("realtime: session %s: %s", e.SessionID, e.Message)
}

// handler keys; inbound transport events fan out to these lists
const (
	keyMessageNew     = "message.new"
	keyMessageUpdate  = "message.update"
	keyTyping         = "typing"
	keyAssetUpdate    = "asset-update"
	keyError          = "error"
	keyStateChange    = "state"
	keyInvalidSession = "invalid-session"
)

type handlerEntry struct {
	id int
	fn func(any)
}

type Option func(*Sync)

// WithUserID sets the user id stamped on outgoing typing events.
func WithUserID(id string) Option {
	return func(s *Sync) { s.userID = id }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sync) { s.logger = l }
}

// Sync is safe for concurrent use. Handlers are called without internal locks
// held, so they may call back into the Sync.
type Sync struct {
	transport Transport
	userID    string
	logger    zerolog.Logger

	mu    sync.Mutex
	state ConnectionState
	// open is true between Connect and Disconnect (or reconnect exhaustion).
	open bool
	// generation discards callbacks from a transport run that was closed.
	generation int
	// activeSession is the session the caller wants; it survives transport
	// reconnects and is re-subscribed on every connect.
	activeSession string

	nextID   int
	handlers map[string][]handlerEntry
}

func New(transport Transport, opts ...Option) *Sync {
	s := &Sync{
		transport: transport,
		logger:    log.With().Str("component", "chatsync").Logger(),
		handlers:  map[string][]handlerEntry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sync) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sync) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSession
}

// Connect opens the transport unless it is already open or connecting.
func (s *Sync) Connect() {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return
	}
	s.open = true
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()

	s.fire(keyStateChange, StateConnecting)
	s.transport.Open(Callbacks{
		OnConnect:    func() { s.handleConnect(gen) },
		OnDisconnect: func(err error) { s.handleDisconnect(gen, err) },
		OnEvent:      func(name string, data json.RawMessage) { s.handleEvent(gen, name, data) },
		OnGiveUp:     func(err error) { s.handleGiveUp(gen, err) },
	})
}

// Disconnect unsubscribes the active session and closes the transport.
// Calling it without a prior Connect, or twice, does nothing.
func (s *Sync) Disconnect() {
	s.mu.Lock()
	if !s.open {
		s.activeSession = ""
		s.mu.Unlock()
		return
	}
	if s.state == StateConnected && s.activeSession != "" {
		s.emitLocked(events.Unsubscribe, s.activeSession)
	}
	s.open = false
	s.generation++
	s.activeSession = ""
	prev := s.state
	s.state = StateDisconnected
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("transport close")
	}
	if prev != StateDisconnected {
		s.fire(keyStateChange, StateDisconnected)
	}
}

// SetActiveSession switches the subscribed session. An empty or malformed id
// (for example a client placeholder like "temp-123") clears the subscription.
func (s *Sync) SetActiveSession(sessionID string) {
	invalid := ""
	if sessionID != "" && !common.IsSessionID(sessionID) {
		invalid = sessionID
		sessionID = ""
	}

	s.mu.Lock()
	if sessionID != s.activeSession {
		prev := s.activeSession
		s.activeSession = sessionID
		if s.state == StateConnected {
			// unsubscribe strictly before subscribe
			if prev != "" {
				s.emitLocked(events.Unsubscribe, prev)
			}
			if sessionID != "" {
				s.emitLocked(events.Subscribe, sessionID)
			}
		}
	}
	s.mu.Unlock()

	if invalid != "" {
		s.logger.Debug().Str("session_id", invalid).Msg("ignoring malformed session id")
		s.fire(keyInvalidSession, invalid)
	}
}

// EmitTyping forwards the local typing state for the active session.
func (s *Sync) EmitTyping(isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSession == "" || s.state != StateConnected {
		return
	}
	s.emitLocked(events.Typing, events.TypingEvent{
		SessionID: s.activeSession,
		UserID:    s.userID,
		IsTyping:  isTyping,
	})
}

// OnMessage registers a handler for new messages of the active session.
// The returned func removes the handler.
func (s *Sync) OnMessage(fn func(events.ChatMessage)) func() {
	return s.on(keyMessageNew, func(v any) { fn(v.(events.ChatMessage)) })
}

func (s *Sync) OnMessageUpdate(fn func(events.ChatMessage)) func() {
	return s.on(keyMessageUpdate, func(v any) { fn(v.(events.ChatMessage)) })
}

func (s *Sync) OnAssetUpdate(fn func(events.AssetUpdateEvent)) func() {
	return s.on(keyAssetUpdate, func(v any) { fn(v.(events.AssetUpdateEvent)) })
}

func (s *Sync) OnTyping(fn func(events.TypingEvent)) func() {
	return s.on(keyTyping, func(v any) { fn(v.(events.TypingEvent)) })
}

// OnError receives transport failures and chat:error events from the server.
func (s *Sync) OnError(fn func(error)) func() {
	return s.on(keyError, func(v any) { fn(v.(error)) })
}

func (s *Sync) OnStateChange(fn func(ConnectionState)) func() {
	return s.on(keyStateChange, func(v any) { fn(v.(ConnectionState)) })
}

// OnInvalidSession is told about ids SetActiveSession refused.
func (s *Sync) OnInvalidSession(fn func(sessionID string)) func() {
	return s.on(keyInvalidSession, func(v any) { fn(v.(string)) })
}

func (s *Sync) on(key string, fn func(any)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[key] = append(s.handlers[key], handlerEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.handlers[key]
		for i, h := range list {
			if h.id == id {
				s.handlers[key] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (s *Sync) fire(key string, v any) {
	s.mu.Lock()
	list := append([]handlerEntry(nil), s.handlers[key]...)
	s.mu.Unlock()
	for _, h := range list {
		h.fn(v)
	}
}

// fireFor delivers a session event, checking before each handler that the
// session is still active. A handler may switch sessions, and the handlers
// after it must not see the old session's event.
func (s *Sync) fireFor(key, sessionID string, v any) {
	s.mu.Lock()
	list := append([]handlerEntry(nil), s.handlers[key]...)
	s.mu.Unlock()
	for _, h := range list {
		s.mu.Lock()
		still := s.activeSession == sessionID
		s.mu.Unlock()
		if !still {
			return
		}
		h.fn(v)
	}
}

func (s *Sync) emitLocked(event string, data any) {
	if err := s.transport.Emit(event, data); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (s *Sync) current(gen int) bool {
	return s.open && s.generation == gen
}

func (s *Sync) handleConnect(gen int) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	if s.activeSession != "" {
		s.emitLocked(events.Subscribe, s.activeSession)
	}
	s.mu.Unlock()
	s.fire(keyStateChange, StateConnected)
}

func (s *Sync) handleDisconnect(gen int, err error) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.logger.Info().Err(err).Msg("realtime connection lost")
	s.fire(keyStateChange, StateConnecting)
}

func (s *Sync) handleGiveUp(gen int, err error) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.open = false
	s.state = StateDisconnected
	s.mu.Unlock()
	if err == nil {
		err = errors.New("realtime connection closed")
	}
	s.fire(keyStateChange, StateDisconnected)
	s.fire(keyError, err)
}

func (s *Sync) handleEvent(gen int, name string, data json.RawMessage) {
	s.mu.Lock()
	ok := s.current(gen)
	active := s.activeSession
	s.mu.Unlock()
	if !ok {
		return
	}

	switch name {
	case events.Message:
		var ev events.MessageEvent
		if !s.decode(name, data, &ev) || !s.matches(active, ev.SessionID, name) {
			return
		}
		switch ev.Type {
		case events.MessageNew:
			s.fireFor(keyMessageNew, active, ev.Message)
		case events.MessageUpdate:
			s.fireFor(keyMessageUpdate, active, ev.Message)
		default:
			s.logger.Debug().Str("type", string(ev.Type)).Msg("unknown message event type")
		}
	case events.Typing:
		var ev events.TypingEvent
		if s.decode(name, data, &ev) && s.matches(active, ev.SessionID, name) {
			s.fireFor(keyTyping, active, ev)
		}
	case events.AssetUpdate:
		var ev events.AssetUpdateEvent
		if s.decode(name, data, &ev) && s.matches(active, ev.SessionID, name) {
			s.fireFor(keyAssetUpdate, active, ev)
		}
	case events.Error:
		var ev events.ErrorEvent
		if s.decode(name, data, &ev) {
			s.fire(keyError, &ServerError{SessionID: ev.SessionID, Message: ev.Message})
		}
	default:
		s.logger.Debug().Str("event", name).Msg("unhandled event")
	}
}

func (s *Sync) decode(name string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn().Err(err).Str("event", name).Msg("dropping undecodable event")
		return false
	}
	return true
}

// matches drops events for any session but the active one, including late
// events from a session the caller already switched away from.
func (s *Sync) matches(active, sessionID, name string) bool {
	if active == "" || sessionID != active {
		s.logger.Debug().Str("event", name).Str("session_id", sessionID).Str("active", active).Msg("dropping event for inactive session")
		return false
	}
	return true
}
