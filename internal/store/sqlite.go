// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message/usage-limit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

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
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			tenant TEXT NOT NULL,
			workflow TEXT NOT NULL,
			participant TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'chat',
			payload TEXT NOT NULL,
			request_id TEXT,
			delivery_status TEXT NOT NULL DEFAULT 'delivered',
			created_at DATETIME NOT NULL,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (type IN ('chat', 'data', 'control')),
			CHECK (delivery_status IN ('delivered', 'undelivered'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread
			ON messages(tenant, workflow, participant, scope, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_request_id
			ON messages(request_id) WHERE request_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS usage_limits (
			tenant TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			max_units INTEGER NOT NULL,
			window_seconds INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			effective_from DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (tenant, user),

			CHECK (max_units > 0),
			CHECK (window_seconds > 0)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveMessage persists a message and fills in its store-assigned sequence.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := msg.ThreadKey.Validate(); err != nil {
		return fmt.Errorf("invalid thread key: %w", err)
	}
	if msg.Delivery == "" {
		msg.Delivery = DeliveryStatusDelivered
	}

	query := `
		INSERT INTO messages (
			id, tenant, workflow, participant, scope,
			direction, type, payload, request_id, delivery_status, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ThreadKey.Tenant,
		msg.ThreadKey.Workflow,
		msg.ThreadKey.Participant,
		msg.ThreadKey.Scope,
		string(msg.Direction),
		string(msg.Type),
		msg.Payload,
		nullString(msg.RequestID),
		string(msg.Delivery),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}
	msg.Seq = seq

	s.logger.Debug("saved message",
		"id", msg.ID,
		"thread_key", msg.ThreadKey.String(),
		"direction", msg.Direction,
		"seq", seq,
	)
	return nil
}

// GetMessage retrieves a single message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := selectMessageColumns + ` WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns one page of a thread's history in insertion order.
// An unknown thread yields an empty page, not an error.
func (s *SQLiteStore) ListMessages(ctx context.Context, key ThreadKey, page, pageSize int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	query := selectMessageColumns + `
		WHERE tenant = ? AND workflow = ? AND participant = ? AND scope = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`

	// Fetch one extra row to detect whether more pages exist
	rows, err := s.db.QueryContext(ctx, query,
		key.Tenant, key.Workflow, key.Participant, key.Scope,
		pageSize+1, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*Message, 0, pageSize)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	result := &HistoryPage{Messages: messages}
	if len(messages) > pageSize {
		result.Messages = messages[:pageSize]
		result.HasMore = true
	}
	return result, nil
}

// MarkUndelivered flags a persisted inbound message whose engine signal
// could not be delivered after retries.
func (s *SQLiteStore) MarkUndelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ? WHERE id = ?`,
		string(DeliveryStatusUndelivered), id,
	)
	if err != nil {
		return fmt.Errorf("marking message undelivered: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Warn("marked message undelivered", "id", id)
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectMessageColumns = `
	SELECT seq, id, tenant, workflow, participant, scope,
	       direction, type, payload, request_id, delivery_status, created_at
	FROM messages`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage scans a single message row into a Message struct.
func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var requestID sql.NullString
	var direction, msgType, delivery, createdAtStr string

	err := row.Scan(
		&msg.Seq,
		&msg.ID,
		&msg.ThreadKey.Tenant,
		&msg.ThreadKey.Workflow,
		&msg.ThreadKey.Participant,
		&msg.ThreadKey.Scope,
		&direction,
		&msgType,
		&msg.Payload,
		&requestID,
		&delivery,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Direction = Direction(direction)
	msg.Type = MessageType(msgType)
	msg.Delivery = DeliveryStatus(delivery)
	if requestID.Valid {
		msg.RequestID = requestID.String
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}

// nullString converts an empty string to a NULL-able value.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
