package chatsync

import (
	"sort"
	"sync"

	"github.com/pawcare/portal/internal/events"
)

// MessageList is the client-side message state of one session. REST responses
// and socket events both land here and are merged by message id, so the same
// logical message arriving on both paths is stored once.
type MessageList struct {
	mu   sync.RWMutex
	byID map[string]events.ChatMessage
}

func NewMessageList() *MessageList {
	return &MessageList{byID: map[string]events.ChatMessage{}}
}

// Seed replaces the whole list, typically with a page of history.
func (l *MessageList) Seed(msgs []events.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID = make(map[string]events.ChatMessage, len(msgs))
	for _, m := range msgs {
		l.upsertLocked(m)
	}
}

// Merge upserts every message without dropping what the list already holds,
// so socket events that raced a history request keep their newer state.
func (l *MessageList) Merge(msgs []events.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		l.upsertLocked(m)
	}
}

// Upsert stores m unless a newer snapshot of the same id is already present.
// Snapshots without an update timestamp are applied in arrival order. A
// snapshot that is not strictly newer never moves a settled variant or a
// complete message back to pending.
func (l *MessageList) Upsert(m events.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertLocked(m)
}

func (l *MessageList) upsertLocked(m events.ChatMessage) bool {
	if m.ID == "" {
		return false
	}
	if cur, ok := l.byID[m.ID]; ok {
		stamped := !cur.UpdatedAt.IsZero() && !m.UpdatedAt.IsZero()
		if stamped && m.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}
		newer := stamped && m.UpdatedAt.After(cur.UpdatedAt)
		if !newer && regresses(cur, m) {
			return false
		}
	}
	l.byID[m.ID] = clone(m)
	return true
}

// regresses reports whether next would undo progress already seen in cur,
// e.g. a REST copy taken before an asset update was merged.
func regresses(cur, next events.ChatMessage) bool {
	if cur.Status == events.MessageComplete && next.Status == events.MessagePending {
		return true
	}
	for _, nv := range next.Variants {
		if nv.Status != events.VariantPending {
			continue
		}
		for _, cv := range cur.Variants {
			if cv.Type == nv.Type && cv.Status != events.VariantPending {
				return true
			}
		}
	}
	return false
}

func clone(m events.ChatMessage) events.ChatMessage {
	m.Variants = append([]events.Variant(nil), m.Variants...)
	return m
}

// ReplaceTemp swaps an optimistic placeholder for the server's message.
func (l *MessageList) ReplaceTemp(tempID string, m events.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, tempID)
	l.upsertLocked(m)
}

// ApplyAssetUpdate merges an updated variant into its message, replacing the
// variant of the same type. Updates for messages not in the list are dropped
// and reported with false.
func (l *MessageList) ApplyAssetUpdate(messageID string, asset events.Variant) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[messageID]
	if !ok {
		return false
	}
	variants := append([]events.Variant(nil), m.Variants...)
	replaced := false
	for i := range variants {
		if variants[i].Type == asset.Type {
			variants[i] = asset
			replaced = true
			break
		}
	}
	if !replaced {
		variants = append(variants, asset)
	}
	m.Variants = variants
	l.byID[messageID] = m
	return true
}

func (l *MessageList) Get(id string) (events.ChatMessage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byID[id]
	return clone(m), ok
}

func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Snapshot returns the messages oldest first.
func (l *MessageList) Snapshot() []events.ChatMessage {
	l.mu.RLock()
	out := make([]events.ChatMessage, 0, len(l.byID))
	for _, m := range l.byID {
		out = append(out, clone(m))
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
