package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// OUTBOX
// =============================================================================

func (c *conn) EnqueueOutbox(ctx context.Context, msg *shop.OutboxMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	id, err := c.insert(ctx, `
		INSERT INTO outbox (topic, msg_key, event_type, payload, retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Topic, msg.Key, msg.Type, msg.Payload, msg.Retries, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	msg.ID = id
	return nil
}

// ListPendingOutbox returns unsent messages oldest first. limit <= 0 means all.
func (c *conn) ListPendingOutbox(ctx context.Context, limit int) ([]shop.OutboxMessage, error) {
	q := `
		SELECT id, topic, msg_key, event_type, payload, retries, created_at, sent_at
		FROM outbox WHERE sent_at IS NULL ORDER BY id`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.OutboxMessage
	for rows.Next() {
		var (
			msg    shop.OutboxMessage
			sentAt sql.NullTime
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Type, &msg.Payload, &msg.Retries,
			&msg.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		msg.SentAt = timePtr(sentAt)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (c *conn) AckOutbox(ctx context.Context, id int64, at time.Time) error {
	return c.touchOutbox(ctx, id, `UPDATE outbox SET sent_at = ? WHERE id = ?`, at.UTC(), id)
}

func (c *conn) IncrementOutboxRetries(ctx context.Context, id int64) error {
	return c.touchOutbox(ctx, id, `UPDATE outbox SET retries = retries + 1 WHERE id = ?`, id)
}

func (c *conn) touchOutbox(ctx context.Context, id int64, query string, args ...any) error {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shop.NotFoundError{Entity: "outbox message", ID: id}
	}
	return nil
}
