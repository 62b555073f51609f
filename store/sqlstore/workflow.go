package sqlstore

import (
	"context"
	"database/sql"

	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// WORKFLOW STATUS
// =============================================================================

const workflowColumns = `job_id, status, party_id, machine_id, inventory_consumed, balance_updated,
	charge_amount, attempt_id, last_error, created_at, updated_at`

func scanWorkflow(row scanner) (*shop.WorkflowStatus, error) {
	var (
		ws                 shop.WorkflowStatus
		status             string
		partyID, machineID sql.NullInt64
	)
	if err := row.Scan(&ws.JobID, &status, &partyID, &machineID, &ws.InventoryConsumed, &ws.BalanceUpdated,
		&ws.ChargeAmount, &ws.AttemptID, &ws.LastError, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return nil, err
	}
	ws.Status = shop.JobStatus(status)
	ws.PartyID = intPtr(partyID)
	ws.MachineID = intPtr(machineID)
	ws.CreatedAt = ws.CreatedAt.UTC()
	ws.UpdatedAt = ws.UpdatedAt.UTC()
	return &ws, nil
}

// UpsertWorkflowStatus inserts or replaces the row for ws.JobID. The
// original created_at is kept on replace.
func (c *conn) UpsertWorkflowStatus(ctx context.Context, ws *shop.WorkflowStatus) error {
	_, err := c.exec(ctx, `
		INSERT INTO workflow_status
			(job_id, status, party_id, machine_id, inventory_consumed, balance_updated,
			 charge_amount, attempt_id, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			status = excluded.status,
			party_id = excluded.party_id,
			machine_id = excluded.machine_id,
			inventory_consumed = excluded.inventory_consumed,
			balance_updated = excluded.balance_updated,
			charge_amount = excluded.charge_amount,
			attempt_id = excluded.attempt_id,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		ws.JobID, string(ws.Status), nullInt(ws.PartyID), nullInt(ws.MachineID), ws.InventoryConsumed, ws.BalanceUpdated,
		ws.ChargeAmount, ws.AttemptID, ws.LastError, ws.CreatedAt.UTC(), ws.UpdatedAt.UTC())
	return err
}

func (c *conn) GetWorkflowStatus(ctx context.Context, jobID int64) (*shop.WorkflowStatus, error) {
	ws, err := scanWorkflow(c.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflow_status WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, notFound(err, "workflow status", jobID)
	}
	return ws, nil
}

// ListPendingCharges narrows in SQL and applies the amount check in Go,
// since SQLite stores amounts as text.
func (c *conn) ListPendingCharges(ctx context.Context) ([]shop.WorkflowStatus, error) {
	rows, err := c.query(ctx, `
		SELECT `+workflowColumns+` FROM workflow_status
		WHERE party_id IS NOT NULL AND balance_updated = ?
		ORDER BY job_id`, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.WorkflowStatus
	for rows.Next() {
		ws, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		if ws.NeedsCharge() {
			out = append(out, *ws)
		}
	}
	return out, rows.Err()
}
