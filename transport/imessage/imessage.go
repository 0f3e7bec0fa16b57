// Package imessage implements edgelink.Transport over the local Apple
// Messages database and the osascript send action. Reads go through
// modernc.org/sqlite against a read-only copy of chat.db; writes shell out
// to osascript with sanitised, escaped text.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/edgelink"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// appleEpochOffset is the offset of the Messages store epoch
// (2001-01-01T00:00:00Z) from the Unix epoch, in seconds. Store timestamps
// are nanoseconds from that epoch.
const appleEpochOffset = 978307200

// defaultBatchSize caps rows per poll; excess is picked up next tick.
const defaultBatchSize = 100

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithBatchSize overrides the per-poll row cap (default 100).
func WithBatchSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithFastCheck toggles the cheap COUNT probe issued before the full
// assembly JOIN (default on).
func WithFastCheck(enabled bool) Option {
	return func(t *Transport) { t.fastCheck = enabled }
}

// WithAttachmentsRoot sets the attachments root for path resolution.
func WithAttachmentsRoot(root string) Option {
	return func(t *Transport) { t.resolver.root = root }
}

// WithHome sets the home directory used for tilde expansion in attachment
// paths. Defaults to $HOME; never assumes root's home.
func WithHome(home string) Option {
	return func(t *Transport) { t.resolver.home = home }
}

// WithRunner replaces the osascript runner, for tests.
func WithRunner(r Runner) Option {
	return func(t *Transport) { t.runner = r }
}

// WithSendLimit overrides the sliding-window send budget
// (default 120 sends per 60 s per identifier).
func WithSendLimit(max int, window time.Duration) Option {
	return func(t *Transport) { t.limiter = newRateLimiter(max, window) }
}

// Transport reads inbound messages from chat.db and sends through
// osascript. Safe for concurrent use; the store handle serialises through
// a single connection.
type Transport struct {
	db        *sql.DB
	logger    *slog.Logger
	batchSize int
	fastCheck bool
	resolver  attachmentResolver
	runner    Runner
	limiter   *rateLimiter
	jitter    func() float64 // returns [-0.2, 0.2]; replaceable in tests
}

var _ edgelink.Transport = (*Transport)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open opens the Messages database read-only. A single shared connection
// avoids SQLITE_BUSY against the live store, which Messages itself writes.
func Open(dbPath string, opts ...Option) (*Transport, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("imessage: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	t := &Transport{
		db:        db,
		logger:    nopLogger,
		batchSize: defaultBatchSize,
		fastCheck: true,
		runner:    osascriptRunner{},
		limiter:   newRateLimiter(defaultSendLimit, defaultSendWindow),
		jitter:    defaultJitter,
	}
	t.resolver.home, _ = userHome()
	for _, o := range opts {
		o(t)
	}
	t.logger.Debug("imessage: store opened", "path", dbPath)
	return t, nil
}

// Close releases the store handle.
func (t *Transport) Close() error {
	return t.db.Close()
}

// PollNew returns inbound non-empty messages with ROWID > afterRowID in
// ascending order, at most the configured batch size. The watermark is the
// caller's to advance; the second return is the highest row id assembled.
func (t *Transport) PollNew(ctx context.Context, afterRowID int64) ([]edgelink.Message, int64, error) {
	if t.fastCheck {
		n, err := t.countNew(ctx, afterRowID)
		if err != nil {
			return nil, afterRowID, err
		}
		if n == 0 {
			return nil, afterRowID, nil
		}
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT m.ROWID, m.text, m.date, COALESCE(h.id, ''), c.chat_identifier, m.cache_has_attachments
		FROM message m
		JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON h.ROWID = m.handle_id
		WHERE m.ROWID > ? AND m.is_from_me = 0 AND m.text IS NOT NULL AND m.text != ''
		ORDER BY m.ROWID ASC
		LIMIT ?`, afterRowID, t.batchSize)
	if err != nil {
		return nil, afterRowID, fmt.Errorf("imessage: poll: %w", err)
	}
	defer rows.Close()

	var msgs []edgelink.Message
	maxRowID := afterRowID
	for rows.Next() {
		var (
			m              edgelink.Message
			rawDate        int64
			hasAttachments int
		)
		if err := rows.Scan(&m.RowID, &m.Text, &rawDate, &m.Sender, &m.ThreadID, &hasAttachments); err != nil {
			return nil, afterRowID, fmt.Errorf("imessage: scan: %w", err)
		}
		m.Timestamp = appleTime(rawDate)
		m.IsGroup = IsGroupThread(m.ThreadID)
		if hasAttachments != 0 {
			m.Attachments, err = t.attachmentsFor(ctx, m.RowID)
			if err != nil {
				t.logger.Warn("⚠️ imessage: attachment lookup failed", "row_id", m.RowID, "error", err)
			}
		}
		msgs = append(msgs, m)
		if m.RowID > maxRowID {
			maxRowID = m.RowID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, afterRowID, fmt.Errorf("imessage: poll rows: %w", err)
	}

	// Participants only matter for group threads, and only once per thread
	// per batch.
	seen := map[string][]string{}
	for i := range msgs {
		if !msgs[i].IsGroup {
			continue
		}
		parts, ok := seen[msgs[i].ThreadID]
		if !ok {
			parts, err = t.participants(ctx, msgs[i].ThreadID)
			if err != nil {
				t.logger.Warn("⚠️ imessage: participant lookup failed", "thread", msgs[i].ThreadID, "error", err)
			}
			seen[msgs[i].ThreadID] = parts
		}
		msgs[i].Participants = parts
	}

	t.logger.Debug("imessage: polled", "count", len(msgs), "after", afterRowID, "max", maxRowID)
	return msgs, maxRowID, nil
}

// countNew is the cheap probe issued before the assembly JOIN.
func (t *Transport) countNew(ctx context.Context, afterRowID int64) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message
		WHERE ROWID > ? AND is_from_me = 0 AND text IS NOT NULL AND text != ''`,
		afterRowID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("imessage: fast check: %w", err)
	}
	return n, nil
}

func (t *Transport) participants(ctx context.Context, threadID string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT h.id
		FROM chat c
		JOIN chat_handle_join chj ON chj.chat_id = c.ROWID
		JOIN handle h ON h.ROWID = chj.handle_id
		WHERE c.chat_identifier = ?
		ORDER BY h.id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *Transport) attachmentsFor(ctx context.Context, messageRowID int64) ([]edgelink.Attachment, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT a.ROWID, a.guid, COALESCE(a.filename, ''), COALESCE(a.mime_type, ''),
		       COALESCE(a.uti, ''), COALESCE(a.total_bytes, 0),
		       COALESCE(a.is_sticker, 0), COALESCE(a.is_outgoing, 0)
		FROM message_attachment_join maj
		JOIN attachment a ON a.ROWID = maj.attachment_id
		WHERE maj.message_id = ?
		ORDER BY a.ROWID`, messageRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []edgelink.Attachment
	for rows.Next() {
		var (
			a        edgelink.Attachment
			sticker  int
			outgoing int
		)
		if err := rows.Scan(&a.ID, &a.GUID, &a.Filename, &a.Mime, &a.UTI, &a.Size, &sticker, &outgoing); err != nil {
			return nil, err
		}
		a.IsSticker = sticker != 0
		a.IsOutgoing = outgoing != 0
		t.resolver.resolve(&a)
		out = append(out, a)
	}
	return out, rows.Err()
}

// appleTime converts a Messages store timestamp (nanoseconds from
// 2001-01-01T00:00:00Z) to a wall-clock instant.
func appleTime(ns int64) time.Time {
	return time.Unix(appleEpochOffset+ns/1e9, ns%1e9).UTC()
}

// IsGroupThread decides group vs direct from the thread id prefix shape:
// group chat identifiers are "chat" followed by digits. No text
// heuristics.
func IsGroupThread(threadID string) bool {
	if len(threadID) < 5 || threadID[:4] != "chat" {
		return false
	}
	c := threadID[4]
	return c >= '0' && c <= '9'
}
