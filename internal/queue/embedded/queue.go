// Package embedded provides a WAL-mode SQLite-backed FIFO queue for
// single-instance / development deployments where running an external
// broker (NATS, SQS) is unnecessary overhead.
//
// Each row carries a message group. Consume leases at most one row per
// group at a time, mirroring the per-group ordering guarantee the NATS and
// SQS backends provide via message-group headers / FIFO group IDs. A leased
// row gets a fresh receipt handle and becomes invisible until its lease
// expires, is acked, or is nak'd.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/flowcatalyst/router/internal/queue"
)

const ddl = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	subject           TEXT    NOT NULL,
	message_group     TEXT    NOT NULL DEFAULT '',
	deduplication_id  TEXT,
	body              BLOB    NOT NULL,
	receipt_handle    TEXT,
	receive_count     INTEGER NOT NULL DEFAULT 0,
	visible_at        TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	created_at        TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible
	ON queue_messages (message_group, visible_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_messages_dedup
	ON queue_messages (deduplication_id)
	WHERE deduplication_id IS NOT NULL;
`

const timeLayout = "2006-01-02T15:04:05.000Z"

// Config holds the embedded queue's tunables.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for tests.
	Path string

	// VisibilityTimeout is how long a leased message stays invisible to
	// other consumers before it is eligible for redelivery.
	VisibilityTimeout time.Duration

	// PollInterval is how often Consume polls for newly-visible rows.
	PollInterval time.Duration

	// DedupWindow bounds how long a deduplication ID is remembered. Rows
	// older than the window have their deduplication ID cleared on the next
	// enqueue, so a reused deduplication ID outside the window is accepted
	// again.
	DedupWindow time.Duration
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	return &cfg
}

// Client owns the SQLite database and provides both a Publisher and a
// Consumer over it.
type Client struct {
	db     *sql.DB
	config *Config
}

// NewClient opens (or creates) the database at cfg.Path and applies the
// schema. The connection pool is capped at one open connection: SQLite
// allows a single writer, and capping avoids "database is locked" errors
// when publisher and consumer goroutines write concurrently.
func NewClient(cfg *Config) (*Client, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("embedded queue: open %q: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded queue: apply schema: %w", err)
	}

	return &Client{db: db, config: cfg}, nil
}

// Close closes the underlying database.
func (c *Client) Close() error {
	return c.db.Close()
}

// Publisher returns a queue.Publisher backed by this client.
func (c *Client) Publisher() queue.Publisher {
	return &publisher{db: c.db, dedupWindow: c.config.DedupWindow}
}

// NewConsumer returns a queue.Consumer backed by this client.
func (c *Client) NewConsumer(name string) queue.Consumer {
	return &consumer{
		db:     c.db,
		name:   name,
		config: c.config,
	}
}

type publisher struct {
	db          *sql.DB
	dedupWindow time.Duration
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.insert(ctx, subject, data, "", "")
}

func (p *publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.insert(ctx, subject, data, messageGroup, "")
}

func (p *publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.insert(ctx, subject, data, "", deduplicationID)
}

func (p *publisher) insert(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error {
	p.gcExpiredDedup(ctx)

	var dedupArg any
	if deduplicationID != "" {
		dedupArg = deduplicationID
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO queue_messages (subject, message_group, deduplication_id, body)
		 VALUES (?, ?, ?, ?)`,
		subject, messageGroup, dedupArg, data,
	)
	if err != nil {
		if deduplicationID != "" && isUniqueConstraintErr(err) {
			slog.Debug("embedded queue: duplicate suppressed", "deduplicationId", deduplicationID)
			return nil
		}
		return fmt.Errorf("embedded queue: publish: %w", err)
	}
	return nil
}

// gcExpiredDedup best-effort clears the deduplication ID of rows created
// before the configured window, so the unique index doesn't permanently
// block a reused ID. The rows themselves stay queued. Errors are logged, not
// returned: dedup GC is a housekeeping concern, not a publish-path failure.
func (p *publisher) gcExpiredDedup(ctx context.Context) {
	if p.dedupWindow <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.dedupWindow).UTC().Format(timeLayout)
	_, err := p.db.ExecContext(ctx,
		`UPDATE queue_messages SET deduplication_id = NULL
		 WHERE deduplication_id IS NOT NULL AND created_at < ?`, cutoff)
	if err != nil {
		slog.Debug("embedded queue: dedup gc failed", "error", err)
	}
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type consumer struct {
	db     *sql.DB
	name   string
	config *Config
}

// Consume polls for dispatchable rows until ctx is cancelled. At most one
// row per message group is leased at a time.
func (c *consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting embedded queue consumer", "consumer", c.name)
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Embedded queue consumer stopping", "consumer", c.name)
			return ctx.Err()
		case <-ticker.C:
			for {
				msg, err := c.lease(ctx)
				if err != nil {
					slog.Error("embedded queue: lease failed", "error", err, "consumer", c.name)
					break
				}
				if msg == nil {
					break
				}
				if err := handler(msg); err != nil {
					slog.Error("embedded queue: handler error", "error", err, "consumer", c.name, "subject", msg.Subject())
				}
			}
		}
	}
}

func (c *consumer) Close() error {
	slog.Info("Embedded queue consumer closed", "consumer", c.name)
	return nil
}

// lease atomically selects the oldest visible row from a group that has no
// other row currently leased, then marks it invisible with a fresh receipt
// handle. Returns (nil, nil) when nothing is dispatchable.
func (c *consumer) lease(ctx context.Context) (*message, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(timeLayout)

	row := tx.QueryRowContext(ctx, `
		SELECT id, subject, message_group, body, receive_count
		FROM queue_messages
		WHERE visible_at <= ?
		  AND message_group NOT IN (
		      SELECT message_group FROM queue_messages
		      WHERE visible_at > ? AND message_group != ''
		  )
		ORDER BY message_group, id
		LIMIT 1
	`, nowStr, nowStr)

	var (
		id           int64
		subject      string
		messageGroup string
		body         []byte
		receiveCount int
	)
	if err := row.Scan(&id, &subject, &messageGroup, &body, &receiveCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan leasable row: %w", err)
	}

	receiptHandle := uuid.NewString()
	visibleAt := now.Add(c.config.VisibilityTimeout).Format(timeLayout)

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_messages SET receipt_handle = ?, receive_count = receive_count + 1, visible_at = ? WHERE id = ?`,
		receiptHandle, visibleAt, id,
	); err != nil {
		return nil, fmt.Errorf("lease update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}

	return &message{
		db:            c.db,
		id:            id,
		subject:       subject,
		messageGroup:  messageGroup,
		body:          body,
		receiptHandle: receiptHandle,
		visibility:    c.config.VisibilityTimeout,
	}, nil
}

// message implements queue.Message and queue.ReceiptHandleUpdatable over a
// leased row.
type message struct {
	db            *sql.DB
	id            int64
	subject       string
	messageGroup  string
	body          []byte
	receiptHandle string
	visibility    time.Duration
}

func (m *message) ID() string                  { return fmt.Sprintf("%d", m.id) }
func (m *message) Data() []byte                { return m.body }
func (m *message) Subject() string             { return m.subject }
func (m *message) MessageGroup() string        { return m.messageGroup }
func (m *message) Metadata() map[string]string { return map[string]string{"receiptHandle": m.receiptHandle} }

func (m *message) GetReceiptHandle() string { return m.receiptHandle }
func (m *message) UpdateReceiptHandle(newReceiptHandle string) { m.receiptHandle = newReceiptHandle }

// Ack deletes the row, matching on receipt handle so a stale handle from a
// since-expired lease cannot ack a row another consumer has since claimed.
func (m *message) Ack() error {
	_, err := m.db.Exec(`DELETE FROM queue_messages WHERE id = ? AND receipt_handle = ?`, m.id, m.receiptHandle)
	if err != nil {
		return fmt.Errorf("embedded queue: ack: %w", err)
	}
	return nil
}

// Nak makes the row immediately visible again for redelivery.
func (m *message) Nak() error {
	return m.release(0)
}

// NakWithDelay makes the row visible again after delay.
func (m *message) NakWithDelay(delay time.Duration) error {
	return m.release(delay)
}

func (m *message) release(delay time.Duration) error {
	visibleAt := time.Now().UTC().Add(delay).Format(timeLayout)
	_, err := m.db.Exec(
		`UPDATE queue_messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`,
		visibleAt, m.id, m.receiptHandle,
	)
	if err != nil {
		return fmt.Errorf("embedded queue: release: %w", err)
	}
	return nil
}

// InProgress extends the lease by the configured visibility timeout,
// generating a fresh receipt handle the way SQS rotates handles on
// ChangeMessageVisibility.
func (m *message) InProgress() error {
	newHandle := uuid.NewString()
	visibleAt := time.Now().UTC().Add(m.visibility).Format(timeLayout)
	result, err := m.db.Exec(
		`UPDATE queue_messages SET receipt_handle = ?, visible_at = ? WHERE id = ? AND receipt_handle = ?`,
		newHandle, visibleAt, m.id, m.receiptHandle,
	)
	if err != nil {
		return fmt.Errorf("embedded queue: extend: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("embedded queue: extend: lease %d no longer held", m.id)
	}
	m.receiptHandle = newHandle
	return nil
}

var (
	_ queue.Publisher             = (*publisher)(nil)
	_ queue.Consumer              = (*consumer)(nil)
	_ queue.Message               = (*message)(nil)
	_ queue.ReceiptHandleUpdatable = (*message)(nil)
)
