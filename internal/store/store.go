// Package store provides PostgreSQL-backed persistence for the chat gateway:
// one message row per (message_id, receiver), per-viewer conversation
// summaries, group membership snapshots, and recall markers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MessageRow is one persisted copy of a routed envelope. A group message
// produces one row per member, each with its own ToUserID; the same
// MessageID legitimately repeats once per receiver.
type MessageRow struct {
	MessageID      string
	ConversationID string
	FromUserID     string
	ToUserID       string
	Content        string
	Kind           string
	SentAt         time.Time
	Recalled       bool
	Extras         []byte // raw JSON, optional
}

// SummaryRow is the conversation summary one viewer sees in their list.
type SummaryRow struct {
	ConversationID string
	UserID         string
	LastMessage    string
	LastMessageAt  time.Time
	UnreadDelta    int // increment applied on upsert
}

// Store manages gateway persistence in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying handle, used by the migration runner.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessage persists one (message_id, receiver) copy. The unique index
// on the pair makes retries safe: a duplicate insert is a no-op.
func (s *Store) InsertMessage(ctx context.Context, m *MessageRow) error {
	const query = `
		INSERT INTO messages (message_id, conversation_id, from_user_id, to_user_id, content, kind, sent_at, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id, to_user_id) DO NOTHING`

	var extras interface{}
	if len(m.Extras) > 0 {
		extras = m.Extras
	}
	_, err := s.db.ExecContext(ctx, query,
		m.MessageID,
		m.ConversationID,
		m.FromUserID,
		m.ToUserID,
		m.Content,
		m.Kind,
		m.SentAt,
		extras,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// MessageCopies returns every persisted copy of a message, one per receiver.
// An unknown message yields an empty slice.
func (s *Store) MessageCopies(ctx context.Context, messageID string) ([]MessageRow, error) {
	const query = `
		SELECT message_id, conversation_id, from_user_id, to_user_id, content, kind, sent_at, recalled
		FROM messages
		WHERE message_id = $1`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: message copies: %w", err)
	}
	defer rows.Close()

	var copies []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.FromUserID, &m.ToUserID,
			&m.Content, &m.Kind, &m.SentAt, &m.Recalled); err != nil {
			return nil, fmt.Errorf("store: message copies scan: %w", err)
		}
		copies = append(copies, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: message copies rows: %w", err)
	}
	return copies, nil
}

// MarkRecalled sets the recall marker on every copy of the message, so the
// recall reaches all receivers' surfaces.
func (s *Store) MarkRecalled(ctx context.Context, messageID string) error {
	const query = `UPDATE messages SET recalled = TRUE WHERE message_id = $1`

	if _, err := s.db.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("store: mark recalled: %w", err)
	}
	return nil
}

// UpsertSummary updates one viewer's conversation summary: last message
// text, last message time, and the unread counter incremented by
// UnreadDelta (zero for the sender's own row).
func (s *Store) UpsertSummary(ctx context.Context, sum *SummaryRow) error {
	const query = `
		INSERT INTO conversation_summaries (conversation_id, user_id, last_message, last_message_time, unread_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_message = EXCLUDED.last_message,
			last_message_time = EXCLUDED.last_message_time,
			unread_count = conversation_summaries.unread_count + $5`

	_, err := s.db.ExecContext(ctx, query,
		sum.ConversationID,
		sum.UserID,
		sum.LastMessage,
		sum.LastMessageAt,
		sum.UnreadDelta,
	)
	if err != nil {
		return fmt.Errorf("store: upsert summary: %w", err)
	}
	return nil
}

// GroupMembers returns the membership snapshot for a group conversation,
// fetched fresh per call and never cached here. An empty slice means the
// conversation is not a group.
func (s *Store) GroupMembers(ctx context.Context, conversationID string) ([]string, error) {
	const query = `SELECT user_id FROM group_members WHERE group_id = $1`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("store: group members scan: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: group members rows: %w", err)
	}
	return members, nil
}

// AddGroupMember inserts a membership row; duplicates are no-ops.
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	const query = `
		INSERT INTO group_members (group_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, groupID, userID); err != nil {
		return fmt.Errorf("store: add group member: %w", err)
	}
	return nil
}
