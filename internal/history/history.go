// Package history provides SQLite-based persistence for conversations and
// their ordered messages.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/charchat-go/internal/logger"
)

// previewLength is the number of runes kept in ChatSummary.LastMessage.
const previewLength = 40

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidSender        = errors.New("invalid message sender")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL,
        character_id TEXT NOT NULL,
        character_name TEXT NOT NULL DEFAULT '',
        character_avatar TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        UNIQUE (session_id, character_id)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_session_updated ON conversations (session_id, updated_at);`,
	`CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        conversation_id INTEGER NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'character')),
        content TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at, id);`,
}

// Store persists conversations and messages. Timestamps are stored as UTC unix
// nanoseconds so that ordering in SQL matches ordering in Go.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; concurrent callers queue in database/sql.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	logger.L.Info("sqlite history DB initialized", "path", path)

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the conversation for (sessionID, characterID), creating
// it with the given character metadata if it does not exist yet. Creation is a
// single atomic insert-if-absent, so concurrent callers never duplicate it.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, characterID string, info CharacterInfo) (*Conversation, error) {
	now := s.now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `INSERT INTO conversations (session_id, character_id, character_name, character_avatar, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (session_id, character_id) DO NOTHING;`,
		sessionID, characterID, info.Name, info.Avatar, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	var (
		c                Conversation
		created, updated int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT id, session_id, character_id, character_name, character_avatar, created_at, updated_at
        FROM conversations WHERE session_id = ? AND character_id = ?;`, sessionID, characterID).
		Scan(&c.ID, &c.SessionID, &c.CharacterID, &c.CharacterName, &c.CharacterAvatar, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)

	if n, _ := res.RowsAffected(); n > 0 {
		logger.L.Debug("conversation created", "conversation_id", c.ID, "character_id", characterID)
	} else {
		logger.L.Debug("conversation loaded", "conversation_id", c.ID, "character_id", characterID)
	}
	return &c, nil
}

// AppendMessage persists a message and bumps the conversation's activity
// timestamp in the same transaction: either both land or neither does.
func (s *Store) AppendMessage(ctx context.Context, conv *Conversation, sender Sender, content string) (*Message, error) {
	if sender != SenderUser && sender != SenderCharacter {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?;`, now.UnixNano(), conv.ID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrConversationNotFound, conv.ID)
	}

	res, err = tx.ExecContext(ctx, `INSERT INTO messages (conversation_id, sender, content, created_at) VALUES (?, ?, ?, ?);`,
		conv.ID, string(sender), content, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	conv.UpdatedAt = fromNanos(now.UnixNano())

	logger.L.Debug("message saved", "conversation_id", conv.ID, "sender", sender, "content", logger.Truncate(content, 50))
	return &Message{ID: id, ConversationID: conv.ID, Sender: sender, Content: content, CreatedAt: conv.UpdatedAt}, nil
}

// ListMessages returns all messages of a conversation in chronological order.
func (s *Store) ListMessages(ctx context.Context, conv *Conversation) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, sender, content, created_at
        FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC;`, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m       Message
			sender  string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = Sender(sender)
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	logger.L.Debug("loaded messages from history", "conversation_id", conv.ID, "count", len(out))
	return out, nil
}

// Recent returns up to limit conversations of a session, most recently active
// first, each with a preview of its newest message.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.character_id, c.character_name, c.character_avatar, c.updated_at,
            (SELECT m.content FROM messages m WHERE m.conversation_id = c.id ORDER BY m.created_at DESC, m.id DESC LIMIT 1)
        FROM conversations c
        WHERE c.session_id = ?
        ORDER BY c.updated_at DESC, c.id DESC
        LIMIT ?;`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent conversations: %w", err)
	}
	defer rows.Close()

	out := []ChatSummary{}
	for rows.Next() {
		var (
			cs      ChatSummary
			updated int64
			last    sql.NullString
		)
		if err := rows.Scan(&cs.CharacterID, &cs.CharacterName, &cs.CharacterAvatar, &updated, &last); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		cs.UpdatedAt = fromNanos(updated)
		cs.HasMessages = last.Valid
		cs.LastMessage = preview(last.String)
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength]) + "..."
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
