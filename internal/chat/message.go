// ABOUTME: Message type persisted by the store and pushed live to subscribers
// ABOUTME: Defines the canonical (sentAt, id) ordering used by history and clients

package chat

import (
	"slices"
	"time"
)

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeFile MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeFile
}

// Message is a persisted chat message. ID and SentAt are assigned by the
// store; exactly one of ReceiverID and GroupID is set.
type Message struct {
	ID         int64       `json:"id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id,omitempty"`
	GroupID    string      `json:"group_id,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"message_type"`
	FileID     string      `json:"file_id,omitempty"`
	SentAt     time.Time   `json:"sent_at"`
	Deleted    bool        `json:"deleted,omitempty"`
}

// Conversation returns the conversation the message belongs to.
func (m *Message) Conversation() Conversation {
	if m.GroupID != "" {
		return Group(m.GroupID)
	}
	return Private(m.SenderID, m.ReceiverID)
}

// Before reports whether a sorts before b: by SentAt, ties broken by ID.
func Before(a, b *Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// Compare orders messages by SentAt then ID, for use with slices.SortFunc.
func Compare(a, b Message) int {
	switch {
	case Before(&a, &b):
		return -1
	case Before(&b, &a):
		return 1
	default:
		return 0
	}
}

// SortMessages sorts msgs in place in canonical order.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, Compare)
}
