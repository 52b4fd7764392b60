// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides append-only message persistence, soft delete and group membership

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/parley/internal/chat"
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes message inserts so sent_at never decreases as id grows.
	writeMu    sync.Mutex
	lastSentAt time.Time
	now        func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// PRAGMAs below are per connection, and every connection to ":memory:"
	// is a separate database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id    TEXT NOT NULL,
			receiver_id  TEXT,
			group_id     TEXT,
			content      TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			file_id      TEXT,
			sent_at      TEXT NOT NULL,
			is_deleted   INTEGER NOT NULL DEFAULT 0,

			CHECK ((receiver_id IS NULL) <> (group_id IS NULL)),
			CHECK (message_type IN ('text', 'file'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_group
			ON messages(group_id, sent_at, id);

		CREATE INDEX IF NOT EXISTS idx_messages_pair
			ON messages(sender_id, receiver_id, sent_at, id);

		CREATE TABLE IF NOT EXISTS groups (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id  TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (group_id, user_id),
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by
// earlier versions. SQLite lacks ADD COLUMN IF NOT EXISTS, so each column is
// checked first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "file_id",
			apply:  `ALTER TABLE messages ADD COLUMN file_id TEXT`,
		},
		{
			table:  "messages",
			column: "is_deleted",
			apply:  `ALTER TABLE messages ADD COLUMN is_deleted INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// nextSentAt returns the current UTC time, never earlier than the previous
// message's. Caller must hold writeMu.
func (s *SQLiteStore) nextSentAt() time.Time {
	now := s.now().UTC()
	if now.Before(s.lastSentAt) {
		now = s.lastSentAt
	}
	s.lastSentAt = now
	return now
}

// PersistMessage inserts a message and returns it with its assigned id and sent time.
func (s *SQLiteStore) PersistMessage(ctx context.Context, msg *NewMessage) (*chat.Message, error) {
	if (msg.ReceiverID == "") == (msg.GroupID == "") {
		return nil, fmt.Errorf("persisting message: exactly one of receiver and group must be set")
	}
	msgType := msg.Type
	if msgType == "" {
		msgType = chat.MessageTypeText
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.lastSentAt
	sentAt := s.nextSentAt()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, group_id, content, message_type, file_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		msg.SenderID,
		nullString(msg.ReceiverID),
		nullString(msg.GroupID),
		msg.Content,
		string(msgType),
		nullString(msg.FileID),
		sentAt.Format(timeLayout),
	)
	if err != nil {
		s.lastSentAt = prev
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}

	s.logger.Debug("persisted message", "message_id", id, "sender_id", msg.SenderID)

	return &chat.Message{
		ID:         id,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		GroupID:    msg.GroupID,
		Content:    msg.Content,
		Type:       msgType,
		FileID:     msg.FileID,
		SentAt:     sentAt,
	}, nil
}

const messageColumns = `id, sender_id, receiver_id, group_id, content, message_type, file_id, sent_at, is_deleted`

// FetchHistory returns the non-deleted messages of a conversation in
// (sent_at, id) order. With SinceID or Since set it pages forward from that
// point; otherwise it returns the most recent Limit messages.
func (s *SQLiteStore) FetchHistory(ctx context.Context, q HistoryQuery) ([]chat.Message, error) {
	if err := q.Conversation.Validate(); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	limit := normalizeLimit(q.Limit)

	var where []string
	var args []any

	where = append(where, "is_deleted = 0")
	switch q.Conversation.Kind {
	case chat.KindGroup:
		where = append(where, "group_id = ?")
		args = append(args, q.Conversation.GroupID)
	case chat.KindPrivate:
		where = append(where, "((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))")
		a, b := q.Conversation.UserA, q.Conversation.UserB
		args = append(args, a, b, b, a)
	}
	if q.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, q.SinceID)
	}
	if q.Since != nil {
		where = append(where, "sent_at >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	if q.Until != nil {
		where = append(where, "sent_at < ?")
		args = append(args, q.Until.UTC().Format(timeLayout))
	}
	args = append(args, limit)

	filter := strings.Join(where, " AND ")
	var query string
	if q.forward() {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE ` + filter + `
			ORDER BY sent_at ASC, id ASC
			LIMIT ?
		`
	} else {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT ` + messageColumns + `
			FROM (
				SELECT ` + messageColumns + `
				FROM messages
				WHERE ` + filter + `
				ORDER BY sent_at DESC, id DESC
				LIMIT ?
			)
			ORDER BY sent_at ASC, id ASC
		`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var msg chat.Message
	var receiverID, groupID, fileID *string
	var msgType, sentAtStr string
	var deleted int

	if err := row.Scan(&msg.ID, &msg.SenderID, &receiverID, &groupID, &msg.Content, &msgType, &fileID, &sentAtStr, &deleted); err != nil {
		return nil, err
	}

	sentAt, err := time.Parse(timeLayout, sentAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message sent_at: %w", err)
	}
	msg.SentAt = sentAt.UTC()
	msg.Type = chat.MessageType(msgType)
	msg.Deleted = deleted != 0

	if receiverID != nil {
		msg.ReceiverID = *receiverID
	}
	if groupID != nil {
		msg.GroupID = *groupID
	}
	if fileID != nil {
		msg.FileID = *fileID
	}
	return &msg, nil
}

// GetMessage retrieves a message by id, including soft-deleted ones.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// SoftDeleteMessage flags a message as deleted. Deleting twice is not an error.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET is_deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("soft-deleted message", "message_id", id)
	return nil
}

// ResolveMembership returns the principals allowed to receive conv: both
// participants of a private pair, or the current members of a group.
func (s *SQLiteStore) ResolveMembership(ctx context.Context, conv chat.Conversation) ([]string, error) {
	if err := conv.Validate(); err != nil {
		return nil, fmt.Errorf("resolving membership: %w", err)
	}
	if conv.Kind == chat.KindPrivate {
		return privateMembers(conv), nil
	}

	return s.ListGroupMembers(ctx, conv.GroupID)
}

func privateMembers(conv chat.Conversation) []string {
	if conv.UserA == conv.UserB {
		return []string{conv.UserA}
	}
	return []string{conv.UserA, conv.UserB}
}

// CreateGroup stores a new group and adds its creator as the first member.
func (s *SQLiteStore) CreateGroup(ctx context.Context, group *Group) error {
	if group.CreatedAt.IsZero() {
		group.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, created_by, created_at)
		VALUES (?, ?, ?, ?)
	`, group.ID, group.Name, group.CreatedBy, group.CreatedAt.Format(timeLayout))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateGroup
		}
		return fmt.Errorf("inserting group: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
	`, group.ID, group.CreatedBy, group.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting group creator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing group: %w", err)
	}

	s.logger.Debug("created group", "group_id", group.ID, "created_by", group.CreatedBy)
	return nil
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetGroup retrieves a group by id
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at FROM groups WHERE id = ?
	`, id).Scan(&g.ID, &g.Name, &g.CreatedBy, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group: %w", err)
	}

	g.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing group created_at: %w", err)
	}
	return &g, nil
}

// AddGroupMember adds a user to a group. Adding an existing member is a no-op.
func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID, s.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting group member: %w", err)
	}
	return nil
}

// RemoveGroupMember removes a user from a group
func (s *SQLiteStore) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM group_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("deleting group member: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGroupMembers returns the user ids of a group's members, sorted
func (s *SQLiteStore) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying group members: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group members: %w", err)
	}
	return members, nil
}

// nullString converts an empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
