// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/receipt persistence with automatic schema creation

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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// newConversationID generates the opaque id for a lazily created
// conversation row.
func newConversationID() string {
	return uuid.New().String()
}

// timeLayout is a fixed-width RFC 3339 form with nanoseconds so stored
// timestamps sort lexicographically, including sub-second ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise get its own private
		// in-memory database.
		db.SetMaxOpenConns(1)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
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
		CREATE TABLE IF NOT EXISTS identities (
			id         TEXT PRIMARY KEY,
			first_seen TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
			pair_key   TEXT UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			identity_id     TEXT NOT NULL,
			joined_at       TEXT NOT NULL,

			PRIMARY KEY (conversation_id, identity_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_identity
			ON conversation_participants(identity_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			text            TEXT NOT NULL,
			reply_to        TEXT,
			client_ref      TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_ref
			ON messages(conversation_id, sender_id, client_ref)
			WHERE client_ref IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_messages_conv_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_receipts (
			message_id   TEXT NOT NULL REFERENCES messages(id),
			recipient_id TEXT NOT NULL,
			status       TEXT NOT NULL CHECK (status IN ('sent', 'delivered', 'seen')),
			updated_at   TEXT NOT NULL,

			PRIMARY KEY (message_id, recipient_id)
		);

		CREATE INDEX IF NOT EXISTS idx_receipts_recipient_status
			ON message_receipts(recipient_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// EnsureIdentity records an identity the auth collaborator has verified.
// Safe to call on every connect.
func (s *SQLiteStore) EnsureIdentity(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, first_seen) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, identity, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("recording identity: %w", err)
	}
	return nil
}

// IdentityExists reports whether the identity has ever been recorded.
func (s *SQLiteStore) IdentityExists(ctx context.Context, identity string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM identities WHERE id = ?`, identity).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying identity: %w", err)
	}
	return true, nil
}

// ResolveOrCreateDirect resolves or lazily creates the 1:1 conversation for
// a canonical pair key. The insert-if-absent rides on the UNIQUE pair_key
// constraint, so two concurrent first messages converge on one row.
func (s *SQLiteStore) ResolveOrCreateDirect(ctx context.Context, pairKey, identityA, identityB string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	newID := newConversationID()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, pair_key, created_at)
		VALUES (?, 'direct', ?, ?)
		ON CONFLICT(pair_key) DO NOTHING
	`, newID, pairKey, now)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if inserted > 0 {
		for _, identity := range []string{identityA, identityB} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, identity_id, joined_at)
				VALUES (?, ?, ?)
			`, newID, identity, now); err != nil {
				return nil, fmt.Errorf("inserting participant: %w", err)
			}
		}
	}

	var conv Conversation
	var createdAtStr string
	err = tx.QueryRowContext(ctx, `
		SELECT id, kind, pair_key, created_at FROM conversations WHERE pair_key = ?
	`, pairKey).Scan(&conv.ID, &conv.Kind, &conv.PairKey, &createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair key: %w", err)
	}

	conv.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.Participants = []string{identityA, identityB}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	if inserted > 0 {
		s.logger.Debug("created direct conversation", "id", conv.ID, "pair_key", pairKey)
	}
	return &conv, nil
}

// CreateGroupConversation creates a group conversation with an assigned
// opaque id and a fixed participant set.
func (s *SQLiteStore) CreateGroupConversation(ctx context.Context, id string, participants []string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(timeLayout)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, pair_key, created_at)
		VALUES (?, 'group', NULL, ?)
	`, id, nowStr); err != nil {
		return nil, fmt.Errorf("inserting group conversation: %w", err)
	}

	for _, identity := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, identity_id, joined_at)
			VALUES (?, ?, ?)
		`, id, identity, nowStr); err != nil {
			return nil, fmt.Errorf("inserting group participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing group conversation: %w", err)
	}

	s.logger.Debug("created group conversation", "id", id, "participants", len(participants))
	return &Conversation{
		ID:           id,
		Kind:         KindGroup,
		Participants: participants,
		CreatedAt:    now,
	}, nil
}

// GetConversation retrieves a conversation with its participants.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var pairKey sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, pair_key, created_at FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Kind, &pairKey, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if pairKey.Valid {
		conv.PairKey = pairKey.String
	}
	conv.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_id FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY identity_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		conv.Participants = append(conv.Participants, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}

	return &conv, nil
}

// InsertMessage persists a message and one sent receipt per recipient in a
// single transaction. A storage failure leaves nothing behind.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message, recipients []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := msg.CreatedAt.UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, reply_to, client_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Text,
		msg.ReplyTo, nullString(msg.ClientRef), createdAt)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	for _, recipient := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (message_id, recipient_id, status, updated_at)
			VALUES (?, ?, 'sent', ?)
		`, msg.ID, recipient, createdAt); err != nil {
			return fmt.Errorf("inserting receipt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"recipients", len(recipients))
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMessage retrieves a message by id.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, text, reply_to, client_ref, created_at
		FROM messages WHERE id = ?
	`, id)
	return scanMessage(row)
}

// GetMessageByClientRef resolves a message by its dedupe triple.
func (s *SQLiteStore) GetMessageByClientRef(ctx context.Context, conversationID, senderID, clientRef string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, text, reply_to, client_ref, created_at
		FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND client_ref = ?
	`, conversationID, senderID, clientRef)
	return scanMessage(row)
}

// rowScanner lets scanMessage work for both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var replyTo, clientRef sql.NullString
	var createdAtStr string

	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text,
		&replyTo, &clientRef, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if replyTo.Valid {
		msg.ReplyTo = &replyTo.String
	}
	if clientRef.Valid {
		msg.ClientRef = clientRef.String
	}
	msg.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &msg, nil
}

// MarkDelivered advances a receipt from sent to delivered. The WHERE guard
// makes the transition forward-only; a receipt already at delivered or seen
// is left untouched and false is returned.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_receipts SET status = 'delivered', updated_at = ?
		WHERE message_id = ? AND recipient_id = ? AND status = 'sent'
	`, time.Now().UTC().Format(timeLayout), messageID, recipientID)
	if err != nil {
		return false, fmt.Errorf("marking delivered: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows > 0, nil
}

// UndeliveredTo returns messages still at sent for the recipient, oldest
// first, across all conversations. Used by the connect-time delivery scan.
func (s *SQLiteStore) UndeliveredTo(ctx context.Context, recipientID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.text, m.reply_to, m.client_ref, m.created_at
		FROM message_receipts r
		JOIN messages m ON m.id = r.message_id
		WHERE r.recipient_id = ? AND r.status = 'sent'
		ORDER BY m.created_at ASC
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("querying undelivered messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating undelivered rows: %w", err)
	}
	return messages, nil
}

// MarkConversationSeen flips the actor's unseen receipts in a conversation
// to seen, bounded by upTo when non-nil. The affected messages are returned
// oldest first so observers see transitions in message order. Messages the
// actor authored carry no receipt for the actor and are never touched.
func (s *SQLiteStore) MarkConversationSeen(ctx context.Context, conversationID, actorID string, upTo *time.Time) ([]SeenUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT r.message_id, m.sender_id, r.status
		FROM message_receipts r
		JOIN messages m ON m.id = r.message_id
		WHERE m.conversation_id = ? AND r.recipient_id = ? AND r.status != 'seen'
	`
	args := []any{conversationID, actorID}
	if upTo != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, upTo.UTC().Format(timeLayout))
	}
	query += ` ORDER BY m.created_at ASC`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying unseen receipts: %w", err)
	}

	var updates []SeenUpdate
	for rows.Next() {
		var u SeenUpdate
		var status Status
		if err := rows.Scan(&u.MessageID, &u.SenderID, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning unseen receipt: %w", err)
		}
		u.WasSent = status == StatusSent
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating unseen receipts: %w", err)
	}
	rows.Close()

	now := time.Now().UTC().Format(timeLayout)
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE message_receipts SET status = 'seen', updated_at = ?
			WHERE message_id = ? AND recipient_id = ? AND status != 'seen'
		`, now, u.MessageID, actorID); err != nil {
			return nil, fmt.Errorf("marking seen: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing seen updates: %w", err)
	}

	if len(updates) > 0 {
		s.logger.Debug("marked conversation seen",
			"conversation_id", conversationID,
			"actor", actorID,
			"messages", len(updates))
	}
	return updates, nil
}

// ReceiptSummary aggregates the per-recipient statuses of one message.
// The delivered count includes recipients who have already seen it.
func (s *SQLiteStore) ReceiptSummary(ctx context.Context, messageID string) (*ReceiptSummary, error) {
	var summary ReceiptSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status IN ('delivered', 'seen') THEN 1 END),
			COUNT(CASE WHEN status = 'seen' THEN 1 END)
		FROM message_receipts
		WHERE message_id = ?
	`, messageID).Scan(&summary.Recipients, &summary.Delivered, &summary.Seen)
	if err != nil {
		return nil, fmt.Errorf("querying receipt summary: %w", err)
	}
	return &summary, nil
}

// FetchHistory retrieves the most recent limit messages of a conversation
// in chronological order (oldest first). A non-positive limit defaults to
// 50; limits above 500 are clamped.
func (s *SQLiteStore) FetchHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	// Grab the N most recent, then flip to chronological order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, text, reply_to, client_ref, created_at
		FROM (
			SELECT id, conversation_id, sender_id, text, reply_to, client_ref, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return messages, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
