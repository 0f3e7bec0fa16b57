// Package state is the daemon's durable local state: the chat.db ingress
// watermark, the last delivered command id, and the ring of locally
// generated events awaiting backend acknowledgement. Everything lives in
// one SQLite file written with synchronous=FULL so a power cut cannot
// roll the watermark back and replay old messages.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nevindra/edgelink"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	keyLastRowID     = "last_row_id"
	keyLastCommandID = "last_command_id"

	// maxEvents bounds the unacknowledged event ring. When full the oldest
	// event is discarded, which trades completeness for a bounded file.
	maxEvents = 1024
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxEvents overrides the event ring bound, for tests.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// Store holds the daemon state in a single SQLite file.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	maxEvents int
}

// Open opens (or creates) the state database at dbPath.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, maxEvents: maxEvents}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init applies pragmas and creates the schema.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		// Watermark durability matters more than write throughput here.
		`PRAGMA synchronous = FULL`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			thread_id TEXT,
			details TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("state: init: %w", err)
		}
	}
	return nil
}

// Close releases the store handle.
func (s *Store) Close() error { return s.db.Close() }

// LastRowID returns the ingress watermark, 0 when never set.
func (s *Store) LastRowID(ctx context.Context) (int64, error) {
	v, err := s.get(ctx, keyLastRowID)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state: corrupt %s %q: %w", keyLastRowID, v, err)
	}
	return n, nil
}

// SetLastRowID persists the ingress watermark. The write is fsynced before
// returning, so a crash after a batch never replays it.
func (s *Store) SetLastRowID(ctx context.Context, rowID int64) error {
	return s.set(ctx, keyLastRowID, strconv.FormatInt(rowID, 10))
}

// LastCommandID returns the id of the last command applied via sync.
func (s *Store) LastCommandID(ctx context.Context) (string, error) {
	return s.get(ctx, keyLastCommandID)
}

// SetLastCommandID persists the sync command watermark.
func (s *Store) SetLastCommandID(ctx context.Context, id string) error {
	return s.set(ctx, keyLastCommandID, id)
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}

// AppendEvent stores one event for the next sync. When the ring is full
// the oldest events are discarded first.
func (s *Store) AppendEvent(ctx context.Context, ev edgelink.Event) error {
	if ev.EventID == "" {
		ev.EventID = edgelink.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	var details []byte
	if len(ev.Details) > 0 {
		details = ev.Details
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, event_type, thread_id, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, ev.ThreadID, string(details), ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("state: append event: %w", err)
	}
	return s.trimEvents(ctx)
}

func (s *Store) trimEvents(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return fmt.Errorf("state: count events: %w", err)
	}
	if n <= s.maxEvents {
		return nil
	}
	excess := n - s.maxEvents
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE event_id IN (
			SELECT event_id FROM events ORDER BY created_at ASC, event_id ASC LIMIT ?
		)`, excess)
	if err != nil {
		return fmt.Errorf("state: trim events: %w", err)
	}
	s.logger.Warn("⚠️ state: event ring full, oldest events discarded", "discarded", excess)
	return nil
}

// PendingEvents returns up to limit unacknowledged events, oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]edgelink.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, COALESCE(thread_id, ''), COALESCE(details, ''), created_at
		FROM events ORDER BY created_at ASC, event_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("state: pending events: %w", err)
	}
	defer rows.Close()

	var out []edgelink.Event
	for rows.Next() {
		var (
			ev      edgelink.Event
			details string
			created int64
		)
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.ThreadID, &details, &created); err != nil {
			return nil, fmt.Errorf("state: scan event: %w", err)
		}
		if details != "" {
			ev.Details = json.RawMessage(details)
		}
		ev.CreatedAt = time.UnixMilli(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AckEvents removes acknowledged events by id. Unknown ids are ignored.
func (s *Store) AckEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: ack events: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("state: ack event %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// EventCount returns the number of unacknowledged events.
func (s *Store) EventCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("state: event count: %w", err)
	}
	return n, nil
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
