// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/2389/parley/internal/chat"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages []chat.Message            // in id order
	groups   map[string]*Group         // keyed by group ID
	members  map[string]map[string]bool // groupID -> userID set
	nextID   int64
	clock    time.Time

	// PersistErr, when set, makes PersistMessage fail without recording anything.
	PersistErr error

	// OnPersist, when set, is called after a message is recorded.
	OnPersist func(msg chat.Message)
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		groups:  make(map[string]*Group),
		members: make(map[string]map[string]bool),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// PersistMessage records a message with the next id and a strictly increasing timestamp.
func (m *MockStore) PersistMessage(ctx context.Context, in *NewMessage) (*chat.Message, error) {
	m.mu.Lock()
	if m.PersistErr != nil {
		m.mu.Unlock()
		return nil, m.PersistErr
	}
	if (in.ReceiverID == "") == (in.GroupID == "") {
		m.mu.Unlock()
		return nil, fmt.Errorf("persisting message: exactly one of receiver and group must be set")
	}

	m.nextID++
	m.clock = m.clock.Add(time.Millisecond)
	msgType := in.Type
	if msgType == "" {
		msgType = chat.MessageTypeText
	}
	msg := chat.Message{
		ID:         m.nextID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		GroupID:    in.GroupID,
		Content:    in.Content,
		Type:       msgType,
		FileID:     in.FileID,
		SentAt:     m.clock,
	}
	m.messages = append(m.messages, msg)
	hook := m.OnPersist
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return &msg, nil
}

// FetchHistory mirrors the SQLite query semantics over the in-memory log.
func (m *MockStore) FetchHistory(ctx context.Context, q HistoryQuery) ([]chat.Message, error) {
	if err := q.Conversation.Validate(); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	limit := normalizeLimit(q.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]chat.Message, 0)
	for _, msg := range m.messages {
		if msg.Deleted || !msg.Conversation().Equal(q.Conversation) {
			continue
		}
		if q.SinceID > 0 && msg.ID <= q.SinceID {
			continue
		}
		if q.Since != nil && msg.SentAt.Before(*q.Since) {
			continue
		}
		if q.Until != nil && !msg.SentAt.Before(*q.Until) {
			continue
		}
		matched = append(matched, msg)
	}
	chat.SortMessages(matched)

	if len(matched) <= limit {
		return matched, nil
	}
	if q.forward() {
		return matched[:limit], nil
	}
	return matched[len(matched)-limit:], nil
}

// GetMessage retrieves a message by id.
func (m *MockStore) GetMessage(ctx context.Context, id int64) (*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages {
		if msg.ID == id {
			result := msg
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// SoftDeleteMessage flags a message as deleted.
func (m *MockStore) SoftDeleteMessage(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.messages {
		if m.messages[i].ID == id {
			m.messages[i].Deleted = true
			return nil
		}
	}
	return ErrNotFound
}

// ResolveMembership returns the participants of a private pair or a group's members.
func (m *MockStore) ResolveMembership(ctx context.Context, conv chat.Conversation) ([]string, error) {
	if err := conv.Validate(); err != nil {
		return nil, fmt.Errorf("resolving membership: %w", err)
	}
	if conv.Kind == chat.KindPrivate {
		return privateMembers(conv), nil
	}
	return m.ListGroupMembers(ctx, conv.GroupID)
}

// CreateGroup stores a group with its creator as the first member.
func (m *MockStore) CreateGroup(ctx context.Context, group *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[group.ID]; exists {
		return ErrDuplicateGroup
	}
	g := *group
	if g.CreatedAt.IsZero() {
		g.CreatedAt = m.clock
	}
	m.groups[g.ID] = &g
	m.members[g.ID] = map[string]bool{g.CreatedBy: true}
	return nil
}

// GetGroup retrieves a group by ID.
func (m *MockStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *g
	return &result, nil
}

// AddGroupMember adds a user to an existing group.
func (m *MockStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.members[groupID]
	if !ok {
		return ErrNotFound
	}
	set[userID] = true
	return nil
}

// RemoveGroupMember removes a user from a group.
func (m *MockStore) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.members[groupID]
	if !ok || !set[userID] {
		return ErrNotFound
	}
	delete(set, userID)
	return nil
}

// ListGroupMembers returns a group's members, sorted.
func (m *MockStore) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.members[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	members := make([]string, 0, len(set))
	for userID := range set {
		members = append(members, userID)
	}
	slices.Sort(members)
	return members, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
