// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/presence persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// maxAppendAttempts bounds the retry loop for atomic appends.
	// Conflicts only occur between the two writers of one conversation,
	// so contention is short-lived.
	maxAppendAttempts = 5

	appendRetryDelay = 10 * time.Millisecond
)

// timeFormat is the column format for all timestamps. Nanosecond precision
// matters: read markers and message timestamps are compared directly.
const timeFormat = time.RFC3339Nano

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			owner_user_id      TEXT NOT NULL UNIQUE,
			owner_display_name TEXT NOT NULL,
			owner_email        TEXT NOT NULL,
			routing_state      TEXT NOT NULL DEFAULT 'automated',
			user_typing        INTEGER NOT NULL DEFAULT 0,
			agent_typing       INTEGER NOT NULL DEFAULT 0,
			user_last_read_at  TEXT NOT NULL,
			agent_last_read_at TEXT NOT NULL,
			created_at         TEXT NOT NULL,

			CHECK (routing_state IN ('automated', 'human'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_routing
			ON conversations(routing_state);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			conversation_id     TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq                 INTEGER NOT NULL,
			sender              TEXT NOT NULL,
			text                TEXT NOT NULL,
			attachment_url      TEXT,
			attachment_is_image INTEGER NOT NULL DEFAULT 0,
			sender_name         TEXT NOT NULL,
			sender_email        TEXT NOT NULL,
			created_at          TEXT NOT NULL,

			UNIQUE (conversation_id, seq),
			CHECK (sender IN ('user', 'agent', 'bot'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS presence (
			user_id        TEXT PRIMARY KEY,
			last_active_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_presence_last_active
			ON presence(last_active_at);

		CREATE TABLE IF NOT EXISTS agent_recipients (
			email    TEXT PRIMARY KEY,
			position INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isBusy checks if the error is a SQLite busy/locked condition
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY")
}

// CreateConversation creates a new conversation.
// Returns ErrConversationExists if the owner already has one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (
			id, owner_user_id, owner_display_name, owner_email, routing_state,
			user_typing, agent_typing, user_last_read_at, agent_last_read_at, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.OwnerUserID,
		conv.OwnerDisplayName,
		conv.OwnerEmail,
		conv.RoutingState,
		boolToInt(conv.UserTyping),
		boolToInt(conv.AgentTyping),
		conv.UserLastReadAt.UTC().Format(timeFormat),
		conv.AgentLastReadAt.UTC().Format(timeFormat),
		conv.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "owner", conv.OwnerUserID)
	return nil
}

const conversationColumns = `
	id, owner_user_id, owner_display_name, owner_email, routing_state,
	user_typing, agent_typing, user_last_read_at, agent_last_read_at, created_at
`

// GetConversation retrieves a conversation by ID including its message log.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return s.scanConversation(ctx, row)
}

// GetConversationByOwner retrieves a conversation by its owner's user ID.
// Returns ErrNotFound if no conversation exists for the owner.
func (s *SQLiteStore) GetConversationByOwner(ctx context.Context, ownerUserID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE owner_user_id = ?`, ownerUserID)
	return s.scanConversation(ctx, row)
}

// scanConversation scans a single conversation row and loads its messages.
func (s *SQLiteStore) scanConversation(ctx context.Context, row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var userTyping, agentTyping int
	var userReadStr, agentReadStr, createdStr string

	err := row.Scan(
		&conv.ID,
		&conv.OwnerUserID,
		&conv.OwnerDisplayName,
		&conv.OwnerEmail,
		&conv.RoutingState,
		&userTyping,
		&agentTyping,
		&userReadStr,
		&agentReadStr,
		&createdStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.UserTyping = userTyping != 0
	conv.AgentTyping = agentTyping != 0

	if conv.UserLastReadAt, err = time.Parse(timeFormat, userReadStr); err != nil {
		return nil, fmt.Errorf("parsing user_last_read_at: %w", err)
	}
	if conv.AgentLastReadAt, err = time.Parse(timeFormat, agentReadStr); err != nil {
		return nil, fmt.Errorf("parsing agent_last_read_at: %w", err)
	}
	if conv.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	conv.Messages, err = s.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	return &conv, nil
}

// ListHumanConversations returns all human-routed conversations with their
// message logs, using the routing_state index.
func (s *SQLiteStore) ListHumanConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE routing_state = ? ORDER BY created_at ASC`,
		RoutingHuman)
	if err != nil {
		return nil, fmt.Errorf("querying human conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	conversations := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err == ErrNotFound {
			// Deleted between queries; skip
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}

	return conversations, nil
}

// AppendMessage atomically assigns the next sequence number and inserts the
// message. The whole operation runs in one transaction so two concurrent
// writers can never lose each other's append; a conflicting commit is
// retried transparently. Returns the assigned sequence number.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * appendRetryDelay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		seq, err := s.tryAppend(ctx, msg)
		if err == nil {
			s.logger.Debug("appended message",
				"id", msg.ID,
				"conversation_id", msg.ConversationID,
				"seq", seq,
				"attempt", attempt+1)
			return seq, nil
		}
		if !isConstraintViolation(err) && !isBusy(err) {
			return 0, err
		}
		lastErr = err
	}

	return 0, fmt.Errorf("%w: %v", ErrAppendConflict, lastErr)
}

// tryAppend performs a single append attempt inside a transaction.
func (s *SQLiteStore) tryAppend(ctx context.Context, msg *Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	// Verify the conversation exists inside the transaction
	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checking conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		msg.ConversationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("assigning sequence: %w", err)
	}

	// The UNIQUE (conversation_id, seq) constraint is the serialization
	// point: a concurrent append that won the race makes this insert fail
	// and the caller retries with a fresh sequence.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, seq, sender, text,
			attachment_url, attachment_is_image, sender_name, sender_email, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		seq,
		msg.Sender,
		msg.Text,
		nullString(msg.AttachmentURL),
		boolToInt(msg.AttachmentIsImage),
		msg.SenderName,
		msg.SenderEmail,
		msg.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	msg.Seq = seq
	return seq, nil
}

// ListMessages returns all messages of a conversation in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, sender, text,
		       attachment_url, attachment_is_image, sender_name, sender_email, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var attachmentURL *string
		var isImage int
		var createdStr string

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Seq,
			&msg.Sender,
			&msg.Text,
			&attachmentURL,
			&isImage,
			&msg.SenderName,
			&msg.SenderEmail,
			&createdStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if attachmentURL != nil {
			msg.AttachmentURL = *attachmentURL
		}
		msg.AttachmentIsImage = isImage != 0

		if msg.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// EscalateConversation transitions a conversation to human routing.
// The UPDATE only matches while the state is still automated, which makes
// the transition monotonic and the call idempotent. Returns whether this
// call performed the transition.
func (s *SQLiteStore) EscalateConversation(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET routing_state = ? WHERE id = ? AND routing_state = ?`,
		RoutingHuman, id, RoutingAutomated)
	if err != nil {
		return false, fmt.Errorf("escalating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("conversation escalated", "id", id)
		return true, nil
	}

	// No transition: either already human, or missing entirely
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking conversation: %w", err)
	}
	return false, nil
}

// SetTypingFlag sets the typing indicator for one role of a conversation.
func (s *SQLiteStore) SetTypingFlag(ctx context.Context, id, role string, typing bool) error {
	column, err := typingColumn(role)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ? WHERE id = ?`,
		boolToInt(typing), id)
	if err != nil {
		return fmt.Errorf("setting typing flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastRead sets the read marker for one role of a conversation.
func (s *SQLiteStore) SetLastRead(ctx context.Context, id, role string, at time.Time) error {
	column, err := lastReadColumn(role)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ? WHERE id = ?`,
		at.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("setting last read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// typingColumn maps a role to its typing flag column.
func typingColumn(role string) (string, error) {
	switch role {
	case RoleUser:
		return "user_typing", nil
	case RoleAgent:
		return "agent_typing", nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

// lastReadColumn maps a role to its read marker column.
func lastReadColumn(role string) (string, error) {
	switch role {
	case RoleUser:
		return "user_last_read_at", nil
	case RoleAgent:
		return "agent_last_read_at", nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

// DeleteHumanConversations removes every human-routed conversation and its
// messages. Destructive and irreversible; only the operator CLI calls this.
func (s *SQLiteStore) DeleteHumanConversations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE routing_state = ?`, RoutingHuman)
	if err != nil {
		return 0, fmt.Errorf("deleting human conversations: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Info("bulk-cleared human conversations", "deleted", deleted)
	return deleted, nil
}

// UpsertPresence records a heartbeat for a user. Presence rows are never
// deleted, only aged out by the online threshold.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, userID string, lastActiveAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, last_active_at)
		VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_active_at = excluded.last_active_at
	`, userID, lastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting presence: %w", err)
	}
	return nil
}

// GetPresence retrieves the presence record for a user.
// Returns ErrNotFound if the user has never sent a heartbeat.
func (s *SQLiteStore) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_active_at FROM presence WHERE user_id = ?`, userID).Scan(&millis)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying presence: %w", err)
	}

	return &Presence{
		UserID:       userID,
		LastActiveAt: time.UnixMilli(millis).UTC(),
	}, nil
}

// ListActiveSince returns the IDs of all users whose last heartbeat is at or
// after the given time. One indexed query regardless of how many users are
// being watched.
func (s *SQLiteStore) ListActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM presence WHERE last_active_at >= ?`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying active users: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning presence row: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating presence rows: %w", err)
	}

	return userIDs, nil
}

// ListAgentRecipients returns the agent notification addresses in registry order.
func (s *SQLiteStore) ListAgentRecipients(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM agent_recipients ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agent recipients: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scanning recipient row: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recipient rows: %w", err)
	}

	return emails, nil
}

// SetAgentRecipients replaces the agent recipient registry.
func (s *SQLiteStore) SetAgentRecipients(ctx context.Context, emails []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning recipients transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_recipients`); err != nil {
		return fmt.Errorf("clearing agent recipients: %w", err)
	}

	for i, email := range emails {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_recipients (email, position) VALUES (?, ?)`,
			email, i); err != nil {
			return fmt.Errorf("inserting agent recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing recipients: %w", err)
	}

	s.logger.Debug("updated agent recipients", "count", len(emails))
	return nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt converts a bool to its SQLite integer representation
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
