package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// PreviewLength is the maximum number of runes kept as a conversation's
// last-message preview.
const PreviewLength = 80

// Conversation is the listing metadata kept per conversation. It is
// deliberately independent of the memory layers: clearing memory does not
// remove a conversation from the index.
type Conversation struct {
	ID            string    `json:"conversation_id"`
	LastPreview   string    `json:"last_preview"`
	LastKind      string    `json:"last_kind"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// TouchConversation records an inbound message for conversationID: it
// updates the preview, kind and timestamp and increments the message count,
// creating the row on first contact.
func (s *Store) TouchConversation(ctx context.Context, conversationID, preview, kind string, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, last_preview, last_kind, last_message_at, message_count, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_preview    = excluded.last_preview,
			last_kind       = excluded.last_kind,
			last_message_at = excluded.last_message_at,
			message_count   = conversations.message_count + 1
	`, conversationID, truncatePreview(preview), kind, at, at)
	if err != nil {
		return fmt.Errorf("store: touch conversation %q: %w", conversationID, err)
	}
	return nil
}

// GetConversation returns the metadata for conversationID or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	c := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, last_preview, last_kind, last_message_at, message_count, created_at
		FROM conversations
		WHERE conversation_id = ?
	`, conversationID).Scan(&c.ID, &c.LastPreview, &c.LastKind, &c.LastMessageAt, &c.MessageCount, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation %q: %w", conversationID, err)
	}
	return c, nil
}

// ListConversations returns up to limit conversations, most recently active
// first. A non-positive limit means 100.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, last_preview, last_kind, last_message_at, message_count, created_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.LastPreview, &c.LastKind, &c.LastMessageAt, &c.MessageCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations rows: %w", err)
	}
	return out, nil
}

// ConversationCount returns the number of known conversations.
func (s *Store) ConversationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations: %w", err)
	}
	return n, nil
}

func truncatePreview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLength-1]) + "…"
}
