package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/jobsheet-engine/shop"
)

const machineColumns = `id, name, status, is_available, current_job_count, max_concurrent_jobs,
	operator_name, last_assigned, version, created_at, updated_at`

func scanMachine(row scanner) (*shop.Machine, error) {
	var (
		m            shop.Machine
		status       string
		lastAssigned sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Name, &status, &m.IsAvailable, &m.CurrentJobCount, &m.MaxConcurrentJobs,
		&m.OperatorName, &lastAssigned, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = shop.MachineStatus(status)
	m.LastAssigned = timePtr(lastAssigned)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (c *conn) CreateMachine(ctx context.Context, m *shop.Machine) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
		m.UpdatedAt = m.CreatedAt
	}
	id, err := c.insert(ctx, `
		INSERT INTO machines
			(name, status, is_available, current_job_count, max_concurrent_jobs,
			 operator_name, last_assigned, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		m.Name, string(m.Status), m.IsAvailable, m.CurrentJobCount, m.MaxConcurrentJobs,
		m.OperatorName, nullTime(m.LastAssigned), m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	m.ID = id
	m.Version = 1
	return nil
}

func (c *conn) GetMachine(ctx context.Context, id int64) (*shop.Machine, error) {
	m, err := scanMachine(c.queryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "machine", id)
	}
	return m, nil
}

func (c *conn) ListMachines(ctx context.Context) ([]shop.Machine, error) {
	rows, err := c.query(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (c *conn) UpdateMachine(ctx context.Context, m *shop.Machine) error {
	err := c.versioned(ctx, "machine", m.ID, `
		UPDATE machines
		SET name = ?, status = ?, is_available = ?, current_job_count = ?, max_concurrent_jobs = ?,
		    operator_name = ?, last_assigned = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		m.Name, string(m.Status), m.IsAvailable, m.CurrentJobCount, m.MaxConcurrentJobs,
		m.OperatorName, nullTime(m.LastAssigned), m.UpdatedAt.UTC(),
		m.ID, m.Version)
	if err != nil {
		return err
	}
	m.Version++
	return nil
}
