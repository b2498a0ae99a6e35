package chat

import (
	"time"

	"github.com/pawcare/portal/internal/events"
)

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

type Session struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string        `gorm:"type:varchar(24);uniqueIndex;not null" json:"sessionId"`
	UserID    uint64        `gorm:"index:idx_chat_session_user_updated,priority:1;not null" json:"-"`
	Title     string        `gorm:"type:varchar(200);not null;default:''" json:"title"`
	Status    SessionStatus `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	Provider  string        `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string        `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `gorm:"index:idx_chat_session_user_updated,priority:2" json:"updatedAt"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID             uint64               `gorm:"primaryKey;autoIncrement"`
	MessageID      string               `gorm:"type:varchar(26);uniqueIndex;not null"`
	SessionID      string               `gorm:"type:varchar(24);not null;index:idx_chat_msg_session_msg,priority:1;index:uniq_chat_msg_idempo,unique,priority:2"`
	UserID         uint64               `gorm:"not null;index;index:uniq_chat_msg_idempo,unique,priority:1"`
	SenderType     events.SenderType    `gorm:"type:varchar(16);not null"`
	Variants       []events.Variant     `gorm:"serializer:json;type:text"`
	Status         events.MessageStatus `gorm:"type:varchar(16);not null"`
	IdempotencyKey *string              `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Message) TableName() string { return "chat_messages" }

// Snapshot is the wire form of the message.
func (m *Message) Snapshot() events.ChatMessage {
	return events.ChatMessage{
		ID:         m.MessageID,
		SessionID:  m.SessionID,
		SenderType: m.SenderType,
		Variants:   append([]events.Variant(nil), m.Variants...),
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func Snapshots(msgs []Message) []events.ChatMessage {
	out := make([]events.ChatMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].Snapshot())
	}
	return out
}

// setVariant replaces the variant of v.Type, or appends it.
func (m *Message) setVariant(v events.Variant) {
	for i := range m.Variants {
		if m.Variants[i].Type == v.Type {
			m.Variants[i] = v
			return
		}
	}
	m.Variants = append(m.Variants, v)
}

func (m *Message) variant(t events.VariantType) (events.Variant, bool) {
	for _, v := range m.Variants {
		if v.Type == t {
			return v, true
		}
	}
	return events.Variant{}, false
}

// MediaRef describes an uploaded blob attached to a message.
type MediaRef struct {
	ID       string
	Type     events.VariantType
	MimeType string
	Size     int64
}
