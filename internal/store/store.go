// Package store provides PostgreSQL-backed storage for chats and messages.
// It is the durable side of the realtime layer: the live event path never
// waits on it, and page loads hydrate history from it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/taskpal/realtime/internal/chat"
)

// ErrChatNotFound is returned when a chat ID does not exist.
var ErrChatNotFound = errors.New("store: chat not found")

// ErrNotParticipant is returned when a user is not part of the chat.
var ErrNotParticipant = errors.New("store: user is not a chat participant")

// Store manages chats and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return db, nil
}

// Chat is a persisted conversation between exactly two participants. The
// participant pair is stored in lexical order so that one row exists per
// unordered pair.
type Chat struct {
	ID            string
	ParticipantA  string
	ParticipantB  string
	LastMessageID string
	UnreadA       int
	UnreadB       int
}

// normalizePair orders two participant IDs lexically.
func normalizePair(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}

// UpsertChat creates the chat for a participant pair if it does not exist and
// returns the chat's ID. If a chat already exists for the pair, its ID is
// returned and the provided chatID is ignored; uniqueness per unordered pair
// is enforced by the table constraint.
func (s *Store) UpsertChat(ctx context.Context, chatID, userX, userY string) (string, error) {
	a, b := normalizePair(userX, userY)

	const query = `
		INSERT INTO chats (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b)
		DO UPDATE SET updated_at = NOW()
		RETURNING id`

	var id string
	if err := s.db.QueryRowContext(ctx, query, chatID, a, b).Scan(&id); err != nil {
		return "", fmt.Errorf("store: upsert chat: %w", err)
	}
	return id, nil
}

// GetChat retrieves a chat by ID.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	const query = `
		SELECT id, participant_a, participant_b, COALESCE(last_message_id, ''), unread_a, unread_b
		FROM chats
		WHERE id = $1`

	var c Chat
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(
		&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageID, &c.UnreadA, &c.UnreadB,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chat: %w", err)
	}
	return &c, nil
}

// Counterpart returns the other participant of a chat. It implements the
// coordinator's resolver seam.
func (s *Store) Counterpart(ctx context.Context, chatID, userID string) (string, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB, nil
	case c.ParticipantB:
		return c.ParticipantA, nil
	}
	return "", ErrNotParticipant
}

// CreateMessage inserts a message and, in the same transaction, bumps the
// recipient's unread count and the chat's last-message reference. The chat
// row is created first if this is the pair's first message. The message is
// stored under the pair's canonical chat ID, which may differ from the one
// the client supplied when the pair's chat already exists under another ID.
func (s *Store) CreateMessage(ctx context.Context, msg chat.Message, recipientID string) error {
	chatID, err := s.UpsertChat(ctx, msg.ChatID, msg.Sender, recipientID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO messages (id, chat_id, sender_id, content, read_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		msg.ID, chatID, msg.Sender, msg.Content, pq.Array(msg.ReadBy), msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}

	const updateQuery = `
		UPDATE chats SET
			last_message_id = $2,
			updated_at = NOW(),
			unread_a = unread_a + CASE WHEN participant_a = $3 THEN 1 ELSE 0 END,
			unread_b = unread_b + CASE WHEN participant_b = $3 THEN 1 ELSE 0 END
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, updateQuery, chatID, msg.ID, recipientID); err != nil {
		return fmt.Errorf("store: update chat counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// MarkRead adds userID to the read set of every not-yet-read message in the
// chat sent by the counterpart, and zeroes the reader's unread counter. The
// operation is chat-grained and idempotent: repeating it changes nothing.
func (s *Store) MarkRead(ctx context.Context, chatID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	const readQuery = `
		UPDATE messages
		SET read_by = array_append(read_by, $2)
		WHERE chat_id = $1
		  AND sender_id <> $2
		  AND NOT ($2 = ANY(read_by))`

	if _, err := tx.ExecContext(ctx, readQuery, chatID, userID); err != nil {
		return fmt.Errorf("store: mark messages read: %w", err)
	}

	const counterQuery = `
		UPDATE chats SET
			unread_a = CASE WHEN participant_a = $2 THEN 0 ELSE unread_a END,
			unread_b = CASE WHEN participant_b = $2 THEN 0 ELSE unread_b END,
			updated_at = NOW()
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, counterQuery, chatID, userID); err != nil {
		return fmt.Errorf("store: reset unread counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// UnreadCount returns the number of unread messages in the chat for a user.
func (s *Store) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	switch userID {
	case c.ParticipantA:
		return c.UnreadA, nil
	case c.ParticipantB:
		return c.UnreadB, nil
	}
	return 0, ErrNotParticipant
}

// RecentMessages returns up to limit messages of a chat in chronological
// order (oldest first). This is the history-hydration interface used by the
// page-load path outside the realtime core.
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, read_by, created_at
		FROM (
			SELECT id, chat_id, sender_id, content, read_by, created_at
			FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Content, pq.Array(&m.ReadBy), &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}
