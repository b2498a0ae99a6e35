// Package events defines the realtime chat event contract shared by the
// websocket hub, the job worker and the ChatRealtimeSync client.
package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Client -> server.
const (
	Subscribe   = "chat:subscribe"
	Unsubscribe = "chat:unsubscribe"
)

// Server -> client. Typing travels in both directions.
const (
	Message     = "chat:message"
	Typing      = "chat:typing"
	AssetUpdate = "chat:asset-update"
	Error       = "chat:error"
)

type MessageEventType string

const (
	MessageNew    MessageEventType = "new"
	MessageUpdate MessageEventType = "update"
)

type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderAssistant SenderType = "assistant"
	SenderSystem    SenderType = "system"
)

type MessageStatus string

const (
	MessagePending  MessageStatus = "pending"
	MessageComplete MessageStatus = "complete"
)

type VariantType string

const (
	VariantText  VariantType = "text"
	VariantAudio VariantType = "audio"
	VariantVideo VariantType = "video"
	VariantImage VariantType = "image"
)

type VariantStatus string

const (
	VariantPending VariantStatus = "pending"
	VariantReady   VariantStatus = "ready"
	VariantFailed  VariantStatus = "failed"
)

type VariantPayload struct {
	Text       string `json:"text,omitempty"`
	MediaID    string `json:"mediaId,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Size       int64  `json:"size,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Variant struct {
	Type    VariantType    `json:"type"`
	Status  VariantStatus  `json:"status"`
	Payload VariantPayload `json:"payload"`
}

// ChatMessage is the materialized message snapshot sent over REST and the socket.
type ChatMessage struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionId"`
	SenderType SenderType    `json:"senderType"`
	Variants   []Variant     `json:"variants"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Text returns the payload of the first text variant.
func (m ChatMessage) Text() string {
	for _, v := range m.Variants {
		if v.Type == VariantText {
			return v.Payload.Text
		}
	}
	return ""
}

type MessageEvent struct {
	SessionID string           `json:"sessionId"`
	Type      MessageEventType `json:"type"`
	Message   ChatMessage      `json:"message"`
}

type TypingEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

type AssetUpdateEvent struct {
	SessionID string  `json:"sessionId"`
	MessageID string  `json:"messageId"`
	Asset     Variant `json:"asset"`
}

type ErrorEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// Envelope is the websocket frame: one named event with its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", event)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Event == "" {
		return Envelope{}, errors.New("decode envelope: missing event name")
	}
	return env, nil
}

// Event is what travels on the bus between producers (API, worker, hub) and hubs.
type Event struct {
	Name      string          `json:"name"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func NewEvent(name, sessionID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "encode %s event", name)
	}
	return Event{Name: name, SessionID: sessionID, Data: raw}, nil
}

// Frame renders the event as a websocket envelope.
func (e Event) Frame() ([]byte, error) {
	return json.Marshal(Envelope{Event: e.Name, Data: e.Data})
}
