package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// JOBS
// =============================================================================

const jobColumns = `id, job_date, party_id, party_name, description, plate, size, sq_inch,
	paper_sheet, imp, rate, printing_cost, uv_cost, baking_cost,
	paper_type_name, paper_gsm, paper_size, paper_source, inventory_item_id,
	machine_id, status, assigned_at, started_at, completed_at, operator_notes, idempotency_key,
	is_deleted, deleted_at, deletion_reason, deleted_by, version, created_at, updated_at`

func scanJob(row scanner) (*shop.JobRecord, error) {
	var (
		j                                  shop.JobRecord
		status                             string
		partyID, itemID, machineID         sql.NullInt64
		assignedAt, startedAt, completedAt sql.NullTime
		deletedAt                          sql.NullTime
		key                                sql.NullString
	)
	if err := row.Scan(&j.ID, &j.JobDate, &partyID, &j.PartyName, &j.Description, &j.Plate, &j.Size, &j.SqInch,
		&j.PaperSheet, &j.Imp, &j.Rate, &j.PrintingCost, &j.UVCost, &j.BakingCost,
		&j.PaperTypeName, &j.PaperGSM, &j.PaperSize, &j.PaperSource, &itemID,
		&machineID, &status, &assignedAt, &startedAt, &completedAt, &j.OperatorNotes, &key,
		&j.IsDeleted, &deletedAt, &j.DeletionReason, &j.DeletedBy, &j.Version, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.JobDate = j.JobDate.UTC()
	j.PartyID = intPtr(partyID)
	j.InventoryItemID = intPtr(itemID)
	j.MachineID = intPtr(machineID)
	j.Status = shop.JobStatus(status)
	j.AssignedAt = timePtr(assignedAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.IdempotencyKey = key.String
	j.DeletedAt = timePtr(deletedAt)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func (c *conn) CreateJob(ctx context.Context, j *shop.JobRecord) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
		j.UpdatedAt = j.CreatedAt
	}
	id, err := c.insert(ctx, `
		INSERT INTO jobs
			(job_date, party_id, party_name, description, plate, size, sq_inch,
			 paper_sheet, imp, rate, printing_cost, uv_cost, baking_cost,
			 paper_type_name, paper_gsm, paper_size, paper_source, inventory_item_id,
			 machine_id, status, assigned_at, started_at, completed_at, operator_notes, idempotency_key,
			 is_deleted, deleted_at, deletion_reason, deleted_by, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		j.JobDate.UTC(), nullInt(j.PartyID), j.PartyName, j.Description, j.Plate, j.Size, j.SqInch,
		j.PaperSheet, j.Imp, j.Rate, j.PrintingCost, j.UVCost, j.BakingCost,
		j.PaperTypeName, j.PaperGSM, j.PaperSize, j.PaperSource, nullInt(j.InventoryItemID),
		nullInt(j.MachineID), string(j.Status), nullTime(j.AssignedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
		j.OperatorNotes, nullString(j.IdempotencyKey),
		j.IsDeleted, nullTime(j.DeletedAt), j.DeletionReason, j.DeletedBy, j.CreatedAt.UTC(), j.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	j.ID = id
	j.Version = 1
	return nil
}

func (c *conn) GetJob(ctx context.Context, id int64) (*shop.JobRecord, error) {
	j, err := scanJob(c.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return j, nil
}

func (c *conn) FindJobByIdempotencyKey(ctx context.Context, key string) (*shop.JobRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("job %q: %w", key, shop.ErrNotFound)
	}
	j, err := scanJob(c.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", key, shop.ErrNotFound)
	}
	return j, err
}

func (c *conn) ListJobs(ctx context.Context, f shop.JobFilter) ([]shop.JobRecord, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeDeleted {
		where = append(where, "is_deleted = ?")
		args = append(args, false)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.PartyID != nil {
		where = append(where, "party_id = ?")
		args = append(args, *f.PartyID)
	}
	if f.MachineID != nil {
		where = append(where, "machine_id = ?")
		args = append(args, *f.MachineID)
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (c *conn) UpdateJob(ctx context.Context, j *shop.JobRecord) error {
	err := c.versioned(ctx, "job", j.ID, `
		UPDATE jobs
		SET job_date = ?, party_id = ?, party_name = ?, description = ?, plate = ?, size = ?, sq_inch = ?,
		    paper_sheet = ?, imp = ?, rate = ?, printing_cost = ?, uv_cost = ?, baking_cost = ?,
		    paper_type_name = ?, paper_gsm = ?, paper_size = ?, paper_source = ?, inventory_item_id = ?,
		    machine_id = ?, status = ?, assigned_at = ?, started_at = ?, completed_at = ?, operator_notes = ?,
		    is_deleted = ?, deleted_at = ?, deletion_reason = ?, deleted_by = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		j.JobDate.UTC(), nullInt(j.PartyID), j.PartyName, j.Description, j.Plate, j.Size, j.SqInch,
		j.PaperSheet, j.Imp, j.Rate, j.PrintingCost, j.UVCost, j.BakingCost,
		j.PaperTypeName, j.PaperGSM, j.PaperSize, j.PaperSource, nullInt(j.InventoryItemID),
		nullInt(j.MachineID), string(j.Status), nullTime(j.AssignedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
		j.OperatorNotes,
		j.IsDeleted, nullTime(j.DeletedAt), j.DeletionReason, j.DeletedBy, j.UpdatedAt.UTC(),
		j.ID, j.Version)
	if err != nil {
		return err
	}
	j.Version++
	return nil
}

func (c *conn) DeleteJob(ctx context.Context, id int64) error {
	res, err := c.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shop.NotFoundError{Entity: "job", ID: id}
	}
	return nil
}
