// Package scheduler fires scheduled messages at wall-clock times with
// near-zero slack. The backing store is a local SQLite file; the atomic
// claim UPDATE is the at-most-once guarantee, so a crash between claim and
// send loses a message but never duplicates one.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/edgelink"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets a structured logger for the store.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists scheduled messages. A single shared connection serialises
// all access, so the claim UPDATE is atomic at the row level without any
// external lock.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the scheduler database at dbPath.
func OpenStore(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates the schema: the scheduled_messages table, the partial index
// backing the next-due query, and the command-id idempotency index.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			text TEXT NOT NULL,
			send_at INTEGER NOT NULL,
			is_group INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			command_id TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_due
			ON scheduled_messages(send_at) WHERE status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_command
			ON scheduled_messages(command_id)
			WHERE command_id IS NOT NULL AND command_id != ''`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("scheduler: init: %w", err)
		}
	}
	return nil
}

// Close releases the store handle.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a pending row. A duplicate command_id is a no-op (the
// unique partial index makes re-scheduling idempotent across restarts);
// the bool reports whether a row was inserted.
func (s *Store) Create(ctx context.Context, m edgelink.ScheduledMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO scheduled_messages
			(id, thread_id, text, send_at, is_group, status, created_at, command_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Text, m.SendAt.UnixMilli(), boolInt(m.IsGroup),
		string(edgelink.StatusPending), m.CreatedAt.UnixMilli(), m.CommandID)
	if err != nil {
		return false, fmt.Errorf("scheduler: create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("scheduler: create: %w", err)
	}
	return n > 0, nil
}

// Get returns one row by id.
func (s *Store) Get(ctx context.Context, id string) (edgelink.ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, text, send_at, is_group, status, created_at,
		       COALESCE(command_id, ''), COALESCE(error, '')
		FROM scheduled_messages WHERE id = ?`, id)
	return scanScheduled(row)
}

// NextPendingAt returns the earliest pending fire time, if any.
func (s *Store) NextPendingAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(send_at) FROM scheduled_messages WHERE status = 'pending'`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("scheduler: next pending: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// DuePending returns pending rows with send_at ≤ now, ascending.
func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]edgelink.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, text, send_at, is_group, status, created_at,
		       COALESCE(command_id, ''), COALESCE(error, '')
		FROM scheduled_messages
		WHERE status = 'pending' AND send_at <= ?
		ORDER BY send_at ASC
		LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: due pending: %w", err)
	}
	defer rows.Close()

	var out []edgelink.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Claim flips one row from pending to sent. Exactly one concurrent caller
// wins; losers observe zero rows affected and no other effect.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status = 'sent' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("scheduler: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("scheduler: claim: %w", err)
	}
	return n > 0, nil
}

// MarkFailed records a post-claim dispatch failure. The row stays claimed;
// failed is terminal at this layer (no auto-retry).
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status = 'failed', error = ? WHERE id = ?`, reason, id); err != nil {
		return fmt.Errorf("scheduler: mark failed: %w", err)
	}
	return nil
}

// Cancel transitions a pending row to cancelled, reporting whether it
// changed anything. Already sent/failed/cancelled rows are untouched.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status = 'cancelled' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("scheduler: cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("scheduler: cancel: %w", err)
	}
	return n > 0, nil
}

// FailStale fails every pending row due before cutoff, returning how many
// it touched. Used at startup so a long outage cannot produce a flood.
func (s *Store) FailStale(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status = 'failed', error = ?
		 WHERE status = 'pending' AND send_at < ?`, reason, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("scheduler: fail stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("scheduler: fail stale: %w", err)
	}
	return int(n), nil
}

// PendingCount returns the number of pending rows, for health reporting.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_messages WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("scheduler: pending count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduled(row rowScanner) (edgelink.ScheduledMessage, error) {
	var (
		m         edgelink.ScheduledMessage
		sendAt    int64
		createdAt int64
		isGroup   int
		status    string
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Text, &sendAt, &isGroup, &status,
		&createdAt, &m.CommandID, &m.Error); err != nil {
		return edgelink.ScheduledMessage{}, fmt.Errorf("scheduler: scan: %w", err)
	}
	m.SendAt = time.UnixMilli(sendAt)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.IsGroup = isGroup != 0
	m.Status = edgelink.ScheduleStatus(status)
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
