// Package store implements the durable queue backing the bus: a SQLite
// table of pending messages shared by every process of the application.
// All multi-statement changes run inside a single immediate transaction, so
// only one writer proceeds system-wide at a time and no message is ever
// handed to two consumers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// schemaVersion is the current on-disk schema version. Version 1 predates
// the response_to column.
const schemaVersion = 2

var (
	// ErrInvalidMessage is returned when a message fails validation before
	// it reaches the table.
	ErrInvalidMessage = errors.New("invalid message")
)

// Store is the durable queue store. It is safe for concurrent use from
// multiple goroutines and, through SQLite's file locking, from multiple
// processes sharing the same database file.
type Store struct {
	db    *sql.DB
	log   *zap.SugaredLogger
	nowFn func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc overrides the clock, used by tests to control expiry.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Open opens (creating or upgrading if necessary) the queue database at
// cfg.Path.
func Open(cfg Config, log *zap.SugaredLogger, opts ...Option) (*Store, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.Path == "" {
		return nil, errors.New("invalid path: must not be empty")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A single connection keeps in-process writers serialized the same way
	// the file lock serializes writers across processes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(cfg Config) error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to set journal_mode=wal: %w", err)
	}
	busyMillis := cfg.BusyTimeout.Milliseconds()
	if busyMillis <= 0 {
		busyMillis = 5000
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", busyMillis)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

// migrate brings the schema to the current version. Stored messages are
// transport state, not application state: upgrading adds missing columns and
// clears all rows instead of converting them. The version check is repeated
// inside the immediate transaction so racing processes upgrade exactly once.
func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_info (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("failed to init schema_info: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}

	switch {
	case hasVersion && current == schemaVersion:
		// Another process already upgraded; nothing to do.
	case hasVersion && current > schemaVersion:
		return fmt.Errorf("schema version %d is newer than supported version %d", current, schemaVersion)
	case !hasVersion:
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS messages (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  name        TEXT NOT NULL,
  source      TEXT NOT NULL,
  destination TEXT NOT NULL,
  payload     BLOB NOT NULL,
  timeout     INTEGER NOT NULL,
  response_to INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_destination ON messages(destination, id);
CREATE INDEX IF NOT EXISTS idx_messages_timeout ON messages(timeout);
`); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if err := writeSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return err
		}
	default:
		if err := s.upgrade(ctx, conn, current); err != nil {
			return err
		}
		if err := writeSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

// upgrade adds columns that the old schema is missing and drops all rows.
// Surviving a restart is a nicety bounded by one timeout interval, not a
// guarantee, so clearing is always safe.
func (s *Store) upgrade(ctx context.Context, conn *sql.Conn, from int) error {
	s.log.Infow("upgrading message store schema", "from", from, "to", schemaVersion)

	cols, err := tableColumns(ctx, conn, "messages")
	if err != nil {
		return err
	}
	if !cols["response_to"] {
		if _, err := conn.ExecContext(ctx,
			"ALTER TABLE messages ADD COLUMN response_to INTEGER NOT NULL DEFAULT 0;"); err != nil {
			return fmt.Errorf("failed to add response_to column: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM messages;"); err != nil {
		return fmt.Errorf("failed to clear messages on upgrade: %w", err)
	}
	if _, err := conn.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_messages_destination ON messages(destination, id);"); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_messages_timeout ON messages(timeout);"); err != nil {
		return err
	}
	return nil
}

func tableColumns(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, "SELECT version FROM schema_info LIMIT 1;").Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_info(rowid, version) VALUES (1, ?);", v); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return nil
}

// Enqueue atomically inserts a message and returns its store-assigned id.
// Expired rows for every destination are swept in the same transaction.
func (s *Store) Enqueue(ctx context.Context, msg *Message) (int64, error) {
	if msg == nil {
		return 0, fmt.Errorf("%w: nil", ErrInvalidMessage)
	}
	if msg.Name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrInvalidMessage)
	}
	if msg.Destination == "" {
		return 0, fmt.Errorf("%w: empty destination", ErrInvalidMessage)
	}
	if msg.Timeout <= s.nowFn().Unix() {
		return 0, fmt.Errorf("%w: timeout not in the future", ErrInvalidMessage)
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	if _, err := s.sweepLocked(ctx, conn); err != nil {
		return 0, err
	}

	res, err := conn.ExecContext(ctx, `
INSERT INTO messages (name, source, destination, payload, timeout, response_to)
VALUES (?, ?, ?, ?, ?, ?);
`, msg.Name, msg.Source, msg.Destination, payload, msg.Timeout, msg.ResponseTo)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return 0, err
	}
	committed = true
	return id, nil
}

// DequeueOldestFor removes and returns the oldest pending message addressed
// to destination, or nil when none is pending. Select and delete share one
// transaction, so racing consumers on the same destination never observe the
// same row. Expired rows are swept first, inside the same transaction.
func (s *Store) DequeueOldestFor(ctx context.Context, destination string) (*Message, error) {
	if destination == "" {
		return nil, errors.New("invalid destination: must not be empty")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	if _, err := s.sweepLocked(ctx, conn); err != nil {
		return nil, err
	}

	var msg Message
	err = conn.QueryRowContext(ctx, `
SELECT id, name, source, destination, payload, timeout, response_to
FROM messages
WHERE destination = ?
ORDER BY id ASC
LIMIT 1;
`, destination).Scan(
		&msg.ID, &msg.Name, &msg.Source, &msg.Destination,
		&msg.Payload, &msg.Timeout, &msg.ResponseTo,
	)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select oldest message: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?;", msg.ID); err != nil {
		return nil, fmt.Errorf("failed to delete dequeued message: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return nil, err
	}
	committed = true
	return &msg, nil
}

// SweepExpired deletes all messages past their timeout, regardless of
// destination, and returns how many rows were removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	n, err := s.sweepLocked(ctx, conn)
	if err != nil {
		return 0, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return 0, err
	}
	committed = true
	return n, nil
}

// PendingFor returns the number of rows currently queued for destination.
func (s *Store) PendingFor(ctx context.Context, destination string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE destination = ?;", destination).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// sweepLocked runs the expiry sweep on an open transaction. Sweeping is
// global shared housekeeping: every writer cleans up after every
// destination, which bounds storage growth even for destinations that never
// start.
func (s *Store) sweepLocked(ctx context.Context, conn *sql.Conn) (int64, error) {
	res, err := conn.ExecContext(ctx,
		"DELETE FROM messages WHERE timeout <= ?;", s.nowFn().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debugw("swept expired messages", "count", n)
	}
	return n, nil
}
