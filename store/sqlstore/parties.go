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
// PARTIES
// =============================================================================

const partyColumns = `id, name, contact_person, phone, email, address, balance, version, created_at, updated_at`

func scanParty(row scanner) (*shop.Party, error) {
	var p shop.Party
	if err := row.Scan(&p.ID, &p.Name, &p.ContactPerson, &p.Phone, &p.Email, &p.Address,
		&p.Balance, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (c *conn) CreateParty(ctx context.Context, p *shop.Party) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	id, err := c.insert(ctx, `
		INSERT INTO parties (name, contact_person, phone, email, address, balance, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		p.Name, p.ContactPerson, p.Phone, p.Email, p.Address, p.Balance, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert party: %w", err)
	}
	p.ID = id
	p.Version = 1
	return nil
}

func (c *conn) GetParty(ctx context.Context, id int64) (*shop.Party, error) {
	p, err := scanParty(c.queryRow(ctx, `SELECT `+partyColumns+` FROM parties WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "party", id)
	}
	return p, nil
}

func (c *conn) ListParties(ctx context.Context) ([]shop.Party, error) {
	rows, err := c.query(ctx, `SELECT `+partyColumns+` FROM parties ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (c *conn) UpdateParty(ctx context.Context, p *shop.Party) error {
	err := c.versioned(ctx, "party", p.ID, `
		UPDATE parties
		SET name = ?, contact_person = ?, phone = ?, email = ?, address = ?, balance = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.Name, p.ContactPerson, p.Phone, p.Email, p.Address, p.Balance, p.UpdatedAt.UTC(),
		p.ID, p.Version)
	if err != nil {
		return err
	}
	p.Version++
	return nil
}

func (c *conn) DeleteParty(ctx context.Context, id int64) error {
	res, err := c.exec(ctx, `DELETE FROM parties WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shop.NotFoundError{Entity: "party", ID: id}
	}
	return nil
}

func (c *conn) PartyReferences(ctx context.Context, id int64) (int, error) {
	var n int
	err := c.queryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM jobs WHERE party_id = ?) +
			(SELECT COUNT(*) FROM party_transactions WHERE party_id = ?) +
			(SELECT COUNT(*) FROM inventory_items WHERE party_id = ?)`,
		id, id, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
