// ABOUTME: Per-conversation message timeline merging live and fetched messages
// ABOUTME: Deduplicates by id and keeps (sentAt, id) order

package session

import (
	"slices"
	"sync"

	"github.com/2389/parley/internal/chat"
)

// Timeline is the client's disposable copy of one conversation. Live frames,
// sends and history fetches all merge into it; each message id appears at
// most once.
//
// The synced watermark is separate from the ids held. Only a completed
// history fetch advances it, so a message that arrived out of band (a send
// while reconnecting, a live frame ahead of a gap) never hides the
// messages before it from the next reconciliation.
type Timeline struct {
	mu       sync.RWMutex
	messages []chat.Message
	ids      map[int64]struct{}
	removed  map[int64]struct{}
	synced   int64
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		ids:     make(map[int64]struct{}),
		removed: make(map[int64]struct{}),
	}
}

// Merge adds messages not already present and returns the newly added ones
// in canonical order. Duplicates, deleted messages and ids removed earlier
// are discarded.
func (t *Timeline) Merge(msgs ...chat.Message) []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []chat.Message
	for _, msg := range msgs {
		if _, dup := t.ids[msg.ID]; dup {
			continue
		}
		if _, gone := t.removed[msg.ID]; gone || msg.Deleted {
			t.removed[msg.ID] = struct{}{}
			continue
		}
		t.ids[msg.ID] = struct{}{}
		t.insertLocked(msg)
		added = append(added, msg)
	}
	chat.SortMessages(added)
	return added
}

// insertLocked places msg at its sorted position. Messages mostly arrive in
// order, so the search usually lands at the end.
func (t *Timeline) insertLocked(msg chat.Message) {
	i, _ := slices.BinarySearchFunc(t.messages, msg, chat.Compare)
	t.messages = slices.Insert(t.messages, i, msg)
}

// Remove drops a message and remembers its id so later merges cannot bring
// it back. It reports whether the message was present.
func (t *Timeline) Remove(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removed[id] = struct{}{}
	if _, ok := t.ids[id]; !ok {
		return false
	}
	delete(t.ids, id)
	t.messages = slices.DeleteFunc(t.messages, func(m chat.Message) bool { return m.ID == id })
	return true
}

// Messages returns a copy of the timeline in canonical order.
func (t *Timeline) Messages() []chat.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// SyncedID returns the id up to which history has been fetched, the
// "since" point for the next reconciliation.
func (t *Timeline) SyncedID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.synced
}

// MarkSynced records that history through id has been fetched. The
// watermark never moves backwards.
func (t *Timeline) MarkSynced(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id > t.synced {
		t.synced = id
	}
}
