package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// INVENTORY ITEMS
// =============================================================================

const itemColumns = `id, paper_type_name, gsm, party_id, unit_type, unit_size,
	current_quantity, available_quantity, reserved_quantity, version, created_at, updated_at`

func scanItem(row scanner) (*shop.InventoryItem, error) {
	var (
		it      shop.InventoryItem
		partyID sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.PaperTypeName, &it.GSM, &partyID, &it.UnitType, &it.UnitSize,
		&it.CurrentQuantity, &it.AvailableQuantity, &it.ReservedQuantity, &it.Version,
		&it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.PartyID = intPtr(partyID)
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return &it, nil
}

func (c *conn) CreateInventoryItem(ctx context.Context, it *shop.InventoryItem) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
		it.UpdatedAt = it.CreatedAt
	}
	id, err := c.insert(ctx, `
		INSERT INTO inventory_items
			(paper_type_name, gsm, party_id, unit_type, unit_size,
			 current_quantity, available_quantity, reserved_quantity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		it.PaperTypeName, it.GSM, nullInt(it.PartyID), it.UnitType, it.UnitSize,
		it.CurrentQuantity, it.AvailableQuantity, it.ReservedQuantity, it.CreatedAt.UTC(), it.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert inventory item: %w", err)
	}
	it.ID = id
	it.Version = 1
	return nil
}

func (c *conn) GetInventoryItem(ctx context.Context, id int64) (*shop.InventoryItem, error) {
	it, err := scanItem(c.queryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "inventory item", id)
	}
	return it, nil
}

func (c *conn) ListInventoryItems(ctx context.Context) ([]shop.InventoryItem, error) {
	rows, err := c.query(ctx, `SELECT `+itemColumns+` FROM inventory_items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.InventoryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (c *conn) UpdateInventoryItem(ctx context.Context, it *shop.InventoryItem) error {
	err := c.versioned(ctx, "inventory item", it.ID, `
		UPDATE inventory_items
		SET paper_type_name = ?, gsm = ?, party_id = ?, unit_type = ?, unit_size = ?,
		    current_quantity = ?, available_quantity = ?, reserved_quantity = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		it.PaperTypeName, it.GSM, nullInt(it.PartyID), it.UnitType, it.UnitSize,
		it.CurrentQuantity, it.AvailableQuantity, it.ReservedQuantity, it.UpdatedAt.UTC(),
		it.ID, it.Version)
	if err != nil {
		return err
	}
	it.Version++
	return nil
}

// =============================================================================
// INVENTORY MOVEMENTS (append-only)
// =============================================================================

const invTxColumns = `id, item_id, type, total_sheets, job_id, reservation_id, reference, description, created_at`

func scanInvTx(row scanner) (*shop.InventoryTransaction, error) {
	var (
		tx            shop.InventoryTransaction
		typ           string
		jobID         sql.NullInt64
		reservationID sql.NullInt64
	)
	if err := row.Scan(&tx.ID, &tx.ItemID, &typ, &tx.TotalSheets, &jobID, &reservationID,
		&tx.Reference, &tx.Description, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Type = shop.InventoryTxType(typ)
	tx.JobID = intPtr(jobID)
	tx.ReservationID = intPtr(reservationID)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

func (c *conn) AppendInventoryTransaction(ctx context.Context, tx *shop.InventoryTransaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	id, err := c.insert(ctx, `
		INSERT INTO inventory_transactions
			(item_id, type, total_sheets, job_id, reservation_id, reference, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ItemID, string(tx.Type), tx.TotalSheets, nullInt(tx.JobID), nullInt(tx.ReservationID),
		tx.Reference, tx.Description, tx.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert inventory transaction: %w", err)
	}
	tx.ID = id
	return nil
}

func (c *conn) GetInventoryTransaction(ctx context.Context, id int64) (*shop.InventoryTransaction, error) {
	tx, err := scanInvTx(c.queryRow(ctx, `SELECT `+invTxColumns+` FROM inventory_transactions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "inventory transaction", id)
	}
	return tx, nil
}

func (c *conn) ListInventoryTransactions(ctx context.Context, itemID int64) ([]shop.InventoryTransaction, error) {
	rows, err := c.query(ctx, `SELECT `+invTxColumns+` FROM inventory_transactions WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.InventoryTransaction
	for rows.Next() {
		tx, err := scanInvTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}
