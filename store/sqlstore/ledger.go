package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// PARTY LEDGER
// =============================================================================

const partyTxColumns = `id, party_id, type, amount, description, balance_after, job_id,
	idempotency_key, created_at, is_deleted, deleted_at, deletion_reason, deleted_by`

func scanPartyTx(row scanner) (*shop.PartyTransaction, error) {
	var (
		tx        shop.PartyTransaction
		typ       string
		jobID     sql.NullInt64
		key       sql.NullString
		deletedAt sql.NullTime
	)
	if err := row.Scan(&tx.ID, &tx.PartyID, &typ, &tx.Amount, &tx.Description, &tx.BalanceAfter,
		&jobID, &key, &tx.CreatedAt, &tx.IsDeleted, &deletedAt, &tx.DeletionReason, &tx.DeletedBy); err != nil {
		return nil, err
	}
	tx.Type = shop.TransactionType(typ)
	tx.JobID = intPtr(jobID)
	tx.IdempotencyKey = key.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.DeletedAt = timePtr(deletedAt)
	return &tx, nil
}

func (c *conn) AppendPartyTransaction(ctx context.Context, tx *shop.PartyTransaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	id, err := c.insert(ctx, `
		INSERT INTO party_transactions
			(party_id, type, amount, description, balance_after, job_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.PartyID, string(tx.Type), tx.Amount, tx.Description, tx.BalanceAfter,
		nullInt(tx.JobID), nullString(tx.IdempotencyKey), tx.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert party transaction: %w", err)
	}
	tx.ID = id
	return nil
}

func (c *conn) GetPartyTransaction(ctx context.Context, id int64) (*shop.PartyTransaction, error) {
	tx, err := scanPartyTx(c.queryRow(ctx, `SELECT `+partyTxColumns+` FROM party_transactions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "party transaction", id)
	}
	return tx, nil
}

func (c *conn) FindPartyTransactionByKey(ctx context.Context, key string) (*shop.PartyTransaction, error) {
	if key == "" {
		return nil, fmt.Errorf("party transaction %q: %w", key, shop.ErrNotFound)
	}
	tx, err := scanPartyTx(c.queryRow(ctx, `SELECT `+partyTxColumns+` FROM party_transactions WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("party transaction %q: %w", key, shop.ErrNotFound)
	}
	return tx, err
}

func (c *conn) ListPartyTransactions(ctx context.Context, partyID int64) ([]shop.PartyTransaction, error) {
	rows, err := c.query(ctx, `SELECT `+partyTxColumns+` FROM party_transactions WHERE party_id = ? ORDER BY id`, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.PartyTransaction
	for rows.Next() {
		tx, err := scanPartyTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// MarkPartyTransactionDeleted sets the soft-delete annotation. Amount and
// balance_after are never touched.
func (c *conn) MarkPartyTransactionDeleted(ctx context.Context, id int64, at time.Time, reason, actor string) error {
	res, err := c.exec(ctx, `
		UPDATE party_transactions
		SET is_deleted = ?, deleted_at = ?, deletion_reason = ?, deleted_by = ?
		WHERE id = ?`,
		true, at.UTC(), reason, actor, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shop.NotFoundError{Entity: "party transaction", ID: id}
	}
	return nil
}
