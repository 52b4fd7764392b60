// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines message history queries, groups and membership resolution

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/parley/internal/chat"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateGroup is returned when trying to create a group that already exists
var ErrDuplicateGroup = errors.New("group already exists")

// History limits applied when a query does not set one
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// NewMessage is the input to PersistMessage. ID and SentAt are assigned by the store.
type NewMessage struct {
	SenderID   string
	ReceiverID string // set for private messages
	GroupID    string // set for group messages
	Content    string
	Type       chat.MessageType
	FileID     string
}

// HistoryQuery selects the messages of one conversation.
type HistoryQuery struct {
	Conversation chat.Conversation
	SinceID      int64      // Optional: only messages with id > SinceID
	Forward      bool       // Page from the oldest match even without SinceID or Since
	Since        *time.Time // Optional: only messages sent at or after this time
	Until        *time.Time // Optional: only messages sent before this time
	Limit        int        // 1-500, defaults to 50
}

// forward reports whether the query pages up from a lower bound. Otherwise
// it returns the latest Limit matches.
func (q HistoryQuery) forward() bool {
	return q.Forward || q.SinceID > 0 || q.Since != nil
}

// Group is a named set of members sharing one conversation.
type Group struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

// Store defines the persistence operations the delivery core consumes.
type Store interface {
	// PersistMessage durably records a message and assigns its id and sent time.
	// The write is atomic: on error nothing was recorded.
	PersistMessage(ctx context.Context, msg *NewMessage) (*chat.Message, error)

	// FetchHistory returns non-deleted messages of a conversation ordered by
	// sent time then id.
	FetchHistory(ctx context.Context, q HistoryQuery) ([]chat.Message, error)

	GetMessage(ctx context.Context, id int64) (*chat.Message, error)
	SoftDeleteMessage(ctx context.Context, id int64) error

	// ResolveMembership returns the principals allowed to receive a conversation.
	ResolveMembership(ctx context.Context, conv chat.Conversation) ([]string, error)

	CreateGroup(ctx context.Context, group *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	RemoveGroupMember(ctx context.Context, groupID, userID string) error
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)

	Close() error
}

// normalizeLimit clamps a history limit into [1, MaxHistoryLimit].
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
