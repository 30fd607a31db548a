// Package embedded implements a SQLite-backed message queue for single-node
// deployments and tests. It mimics a FIFO broker: messages carry a group ID,
// only the oldest message of each group is deliverable, and a claimed message
// stays invisible until its visibility timeout expires or it is acknowledged.
//
// The implementation is only safe with a single primary consumer process;
// multi-replica deployments must run it under standby leader election or use
// an external broker.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/queue"
)

const (
	// DefaultVisibilityTimeout is how long a claimed message stays invisible
	DefaultVisibilityTimeout = 30 * time.Second

	// DefaultPollInterval is the idle wait between receive attempts
	DefaultPollInterval = 200 * time.Millisecond

	// DefaultBatchSize is the maximum messages claimed per receive
	DefaultBatchSize = 10

	// defaultNakDelay is applied when Nak is called without an explicit delay
	defaultNakDelay = 30 * time.Second

	// partialBatchDelay is the wait after a non-full batch before polling again
	partialBatchDelay = 50 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id        TEXT    NOT NULL,
    message_group_id  TEXT    NOT NULL DEFAULT '',
    message_json      TEXT    NOT NULL,
    visible_at        INTEGER NOT NULL DEFAULT 0,
    receipt_handle    TEXT,
    receive_count     INTEGER NOT NULL DEFAULT 0,
    first_received_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_messages_message_id
    ON queue_messages(message_id);
CREATE INDEX IF NOT EXISTS idx_queue_messages_group_visible
    ON queue_messages(message_group_id, visible_at);
`

// claimQuery selects deliverable rows: the oldest message of each group,
// visible now, oldest group first. A group whose head is in flight (or
// delayed) is skipped entirely, which preserves FIFO per group. Ungrouped
// rows are each their own head. One row per group per batch.
const claimQuery = `
WITH heads AS (
    SELECT MIN(id) AS id
    FROM queue_messages
    WHERE message_group_id <> ''
    GROUP BY message_group_id
    UNION ALL
    SELECT id FROM queue_messages WHERE message_group_id = ''
)
SELECT m.id, m.message_id, m.message_group_id, m.message_json, m.receive_count
FROM queue_messages m
JOIN heads h ON h.id = m.id
WHERE m.visible_at <= ?
ORDER BY m.id
LIMIT ?
`

// Client owns the SQLite database backing the embedded queue.
type Client struct {
	db     *sql.DB
	cfg    queue.EmbeddedConfig
	logger *slog.Logger
}

// NewClient opens (creating if needed) the embedded queue database.
func NewClient(cfg *queue.EmbeddedConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	resolved := queue.EmbeddedConfig{}
	if cfg != nil {
		resolved = *cfg
	}
	if resolved.Path == "" {
		resolved.Path = filepath.Join("data", "queue.db")
	}
	if resolved.VisibilityTimeout <= 0 {
		resolved.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if resolved.PollInterval <= 0 {
		resolved.PollInterval = DefaultPollInterval
	}
	if resolved.BatchSize <= 0 {
		resolved.BatchSize = DefaultBatchSize
	}

	if resolved.Path != ":memory:" {
		if dir := filepath.Dir(resolved.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create queue data directory: %w", err)
			}
		}
	}

	dsn := resolved.Path
	if dsn == ":memory:" {
		// Shared cache keeps the in-memory DB alive across pooled connections
		dsn = "file::memory:?cache=shared"
	} else {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dsn)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	logger.Info("Embedded queue ready",
		"path", resolved.Path,
		"visibilityTimeout", resolved.VisibilityTimeout,
		"batchSize", resolved.BatchSize)

	return &Client{db: db, cfg: resolved, logger: logger}, nil
}

// Publisher returns a publisher writing into the embedded queue.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c}
}

// CreateConsumer creates a consumer. The embedded queue is a single logical
// destination, so the subject filter is ignored.
func (c *Client) CreateConsumer(ctx context.Context, name string, subject string) (queue.Consumer, error) {
	return &Consumer{
		client: c,
		name:   name,
		logger: c.logger.With("consumer", name),
		stopCh: make(chan struct{}),
	}, nil
}

// HealthCheck verifies the database answers queries.
func (c *Client) HealthCheck(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("embedded queue health check failed: %w", err)
	}
	return nil
}

// Depth reports visible (deliverable) and in-flight (claimed or delayed)
// message counts for monitoring.
func (c *Client) Depth(ctx context.Context) (visible int64, inFlight int64, err error) {
	now := nowMillis()
	row := c.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END), 0)
		FROM queue_messages`, now, now)
	if err := row.Scan(&visible, &inFlight); err != nil {
		return 0, 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return visible, inFlight, nil
}

// Close closes the underlying database.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) insert(ctx context.Context, messageID, group string, data []byte, dedup bool) error {
	var query string
	if dedup {
		// Suppress the publish while a message with the same ID is still queued
		// or in flight; once acknowledged (deleted) the ID may be reused.
		query = `INSERT OR IGNORE INTO queue_messages (message_id, message_group_id, message_json, visible_at) VALUES (?, ?, ?, 0)`
	} else {
		query = `INSERT INTO queue_messages (message_id, message_group_id, message_json, visible_at) VALUES (?, ?, ?, 0)`
	}
	if _, err := c.db.ExecContext(ctx, query, messageID, group, string(data)); err != nil {
		metrics.QueuePublishErrors.WithLabelValues("embedded").Inc()
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues("embedded").Inc()
	return nil
}

type claimedRow struct {
	rowID        int64
	messageID    string
	group        string
	body         string
	receiveCount int
	handle       string
}

// claimBatch selects deliverable rows and claims them: visible_at moves to
// now + visibilityTimeout, the receipt handle is regenerated, receive_count
// incremented, first_received_at stamped on the first delivery.
func (c *Client) claimBatch(ctx context.Context) ([]claimedRow, error) {
	now := nowMillis()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, claimQuery, now, c.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select deliverable messages: %w", err)
	}

	var claimed []claimedRow
	for rows.Next() {
		var r claimedRow
		if err := rows.Scan(&r.rowID, &r.messageID, &r.group, &r.body, &r.receiveCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate queue rows: %w", err)
	}
	rows.Close()

	visibleAt := now + c.cfg.VisibilityTimeout.Milliseconds()
	for i := range claimed {
		claimed[i].handle = uuid.NewString()
		claimed[i].receiveCount++
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET visible_at = ?, receipt_handle = ?, receive_count = receive_count + 1,
			    first_received_at = COALESCE(first_received_at, ?)
			WHERE id = ?`,
			visibleAt, claimed[i].handle, now, claimed[i].rowID); err != nil {
			return nil, fmt.Errorf("failed to claim message %d: %w", claimed[i].rowID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return claimed, nil
}

// ack deletes the row when the handle still matches. A stale handle means a
// newer delivery owns the message; the delete no-ops, keeping ack idempotent.
func (c *Client) ack(ctx context.Context, rowID int64, handle string) error {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND receipt_handle = ?`, rowID, handle)
	if err != nil {
		return fmt.Errorf("failed to ack message %d: %w", rowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.logger.Debug("Ack matched no row (already acked or handle superseded)", "rowId", rowID)
	}
	return nil
}

// release makes the row visible again after the delay.
func (c *Client) release(ctx context.Context, rowID int64, handle string, delay time.Duration) error {
	visibleAt := nowMillis() + delay.Milliseconds()
	_, err := c.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`,
		visibleAt, rowID, handle)
	if err != nil {
		return fmt.Errorf("failed to release message %d: %w", rowID, err)
	}
	return nil
}

// extend pushes the visibility deadline out by the configured timeout.
func (c *Client) extend(ctx context.Context, rowID int64, handle string) error {
	visibleAt := nowMillis() + c.cfg.VisibilityTimeout.Milliseconds()
	_, err := c.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`,
		visibleAt, rowID, handle)
	if err != nil {
		return fmt.Errorf("failed to extend message %d: %w", rowID, err)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Publisher writes messages into the embedded queue. The subject argument is
// accepted for interface compatibility but the embedded queue is a single
// destination.
type Publisher struct {
	client *Client
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.client.insert(ctx, uuid.NewString(), "", data, false)
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, group string) error {
	return p.client.insert(ctx, uuid.NewString(), group, data, false)
}

func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, dedupID string) error {
	return p.client.insert(ctx, dedupID, "", data, true)
}

func (p *Publisher) PublishMessage(ctx context.Context, msg *queue.MessageBuilder) error {
	messageID := msg.DeduplicationID()
	dedup := messageID != ""
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return p.client.insert(ctx, messageID, msg.MessageGroup(), msg.Data(), dedup)
}

// Close is a no-op; the Client owns the database handle.
func (p *Publisher) Close() error {
	return nil
}

// Consumer polls the embedded queue and hands claimed messages to a handler.
type Consumer struct {
	client    *Client
	name      string
	logger    *slog.Logger
	stopCh    chan struct{}
	closeOnce sync.Once
}

// Consume polls until ctx is cancelled or the consumer is closed. Poll pacing
// adapts to traffic: a full batch polls again immediately, a partial batch
// after a short delay, an empty poll after the configured interval.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.logger.Info("Embedded queue consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Embedded queue consumer stopped", "reason", "context cancelled")
			return nil
		case <-c.stopCh:
			c.logger.Info("Embedded queue consumer stopped", "reason", "closed")
			return nil
		default:
		}

		claimed, err := c.client.claimBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to claim messages", "error", err)
			c.sleep(ctx, c.client.cfg.PollInterval)
			continue
		}

		if len(claimed) == 0 {
			c.sleep(ctx, c.client.cfg.PollInterval)
			continue
		}

		// Time-sorted so interleaved claim batches order by claim time in
		// logs and batch-group accounting.
		batchID := tsid.Generate()
		for i := range claimed {
			msg := &Message{
				client:       c.client,
				rowID:        claimed[i].rowID,
				id:           strconv.FormatInt(claimed[i].rowID, 10),
				group:        claimed[i].group,
				data:         []byte(claimed[i].body),
				batchID:      batchID,
				receiveCount: claimed[i].receiveCount,
				meta: map[string]string{
					"messageId":    claimed[i].messageID,
					"receiveCount": strconv.Itoa(claimed[i].receiveCount),
				},
				handle: claimed[i].handle,
			}
			if err := handler(msg); err != nil {
				// Not accepted into the pipeline; the claim expires and the
				// message redelivers after the visibility timeout.
				c.logger.Warn("Handler rejected message",
					"rowId", claimed[i].rowID,
					"error", err)
				continue
			}
			metrics.QueueMessagesConsumed.WithLabelValues("embedded").Inc()
		}

		if len(claimed) < c.client.cfg.BatchSize {
			c.sleep(ctx, partialBatchDelay)
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	case <-time.After(d):
	}
}

// Close stops the consume loop.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return nil
}

// Message is a single claimed delivery from the embedded queue.
type Message struct {
	client       *Client
	rowID        int64
	id           string
	group        string
	data         []byte
	batchID      string
	receiveCount int
	meta         map[string]string

	mu     sync.Mutex
	handle string
}

func (m *Message) ID() string                  { return m.id }
func (m *Message) Data() []byte                { return m.data }
func (m *Message) Subject() string             { return "embedded" }
func (m *Message) MessageGroup() string        { return m.group }
func (m *Message) Metadata() map[string]string { return m.meta }

// BatchID returns the identifier of the poll batch this message arrived in.
func (m *Message) BatchID() string { return m.batchID }

// ReceiveCount returns the delivery attempt recorded for this claim.
func (m *Message) ReceiveCount() int { return m.receiveCount }

func (m *Message) Ack() error {
	return m.client.ack(context.Background(), m.rowID, m.GetReceiptHandle())
}

func (m *Message) Nak() error {
	return m.client.release(context.Background(), m.rowID, m.GetReceiptHandle(), defaultNakDelay)
}

func (m *Message) NakWithDelay(delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return m.client.release(context.Background(), m.rowID, m.GetReceiptHandle(), delay)
}

func (m *Message) InProgress() error {
	return m.client.extend(context.Background(), m.rowID, m.GetReceiptHandle())
}

// UpdateReceiptHandle adopts the handle from a newer delivery of the same
// message so the eventual ack targets the live claim.
func (m *Message) UpdateReceiptHandle(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = handle
}

// GetReceiptHandle returns the current claim token.
func (m *Message) GetReceiptHandle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

var (
	_ queue.Message                = (*Message)(nil)
	_ queue.ReceiptHandleUpdatable = (*Message)(nil)
	_ queue.DeliveryCounted        = (*Message)(nil)
	_ queue.Publisher              = (*Publisher)(nil)
	_ queue.Consumer               = (*Consumer)(nil)
)
