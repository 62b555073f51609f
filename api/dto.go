/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain records in package shop from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Decimal fields are written as JSON strings ("500.00" stays exact) and
  accepted as either strings or numbers.

DATES:
  job_date accepts "2006-01-02" or RFC 3339. Timestamps are RFC 3339 UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - shop/types.go: Domain records
*/
package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/jobsheet-engine/shop"
	"github.com/warp/jobsheet-engine/workflow"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// SubmitJobSheetRequest is a shop.JobSheetSubmission with a lenient job_date.
type SubmitJobSheetRequest struct {
	shop.JobSheetSubmission
	JobDate string `json:"job_date"`
}

func (r SubmitJobSheetRequest) toSubmission() (shop.JobSheetSubmission, error) {
	sub := r.JobSheetSubmission
	if strings.TrimSpace(r.JobDate) == "" {
		return sub, shop.Invalid("job_date", "is required")
	}
	d, err := parseDate(r.JobDate)
	if err != nil {
		return sub, shop.Invalid("job_date", "must be YYYY-MM-DD or RFC 3339")
	}
	sub.JobDate = d
	return sub, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

type JobStatusRequest struct {
	Action string `json:"action" validate:"required"`
	Notes  string `json:"notes"`
}

type AssignRequest struct {
	MachineID int64  `json:"machine_id" validate:"gt=0"`
	Reason    string `json:"reason"`
}

type DeleteRequest struct {
	Reason    string `json:"reason" validate:"required"`
	DeletedBy string `json:"deleted_by"`
}

type TransactionRequest struct {
	Type           shop.TransactionType `json:"type" validate:"required,oneof=payment order adjustment"`
	Amount         decimal.Decimal      `json:"amount"`
	Description    string               `json:"description"`
	JobID          *int64               `json:"job_id,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty" validate:"max=128"`
}

type MachineStatusRequest struct {
	Status shop.MachineStatus `json:"status" validate:"required,oneof=active maintenance offline"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type JobDTO struct {
	ID              int64           `json:"id"`
	JobDate         string          `json:"job_date"`
	PartyID         *int64          `json:"party_id,omitempty"`
	PartyName       string          `json:"party_name"`
	Description     string          `json:"description"`
	Plate           int             `json:"plate"`
	Size            string          `json:"size"`
	SqInch          decimal.Decimal `json:"sq_inch"`
	PaperSheet      int64           `json:"paper_sheet"`
	Imp             int64           `json:"imp"`
	Rate            decimal.Decimal `json:"rate"`
	PrintingCost    decimal.Decimal `json:"printing"`
	UVCost          decimal.Decimal `json:"uv"`
	BakingCost      decimal.Decimal `json:"baking"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	PaperTypeName   string          `json:"paper_type,omitempty"`
	PaperGSM        int             `json:"paper_gsm,omitempty"`
	PaperSize       string          `json:"paper_size,omitempty"`
	PaperSource     string          `json:"paper_source,omitempty"`
	InventoryItemID *int64          `json:"inventory_item_id,omitempty"`
	MachineID       *int64          `json:"machine_id,omitempty"`
	Status          shop.JobStatus  `json:"status"`
	AssignedAt      *time.Time      `json:"assigned_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	OperatorNotes   string          `json:"operator_notes,omitempty"`
	IsDeleted       bool            `json:"is_deleted"`
	DeletionReason  string          `json:"deletion_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toJobDTO(j *shop.JobRecord) JobDTO {
	return JobDTO{
		ID:              j.ID,
		JobDate:         j.JobDate.Format("2006-01-02"),
		PartyID:         j.PartyID,
		PartyName:       j.PartyName,
		Description:     j.Description,
		Plate:           j.Plate,
		Size:            j.Size,
		SqInch:          j.SqInch,
		PaperSheet:      j.PaperSheet,
		Imp:             j.Imp,
		Rate:            j.Rate,
		PrintingCost:    j.PrintingCost,
		UVCost:          j.UVCost,
		BakingCost:      j.BakingCost,
		TotalCost:       j.TotalCost(),
		PaperTypeName:   j.PaperTypeName,
		PaperGSM:        j.PaperGSM,
		PaperSize:       j.PaperSize,
		PaperSource:     j.PaperSource,
		InventoryItemID: j.InventoryItemID,
		MachineID:       j.MachineID,
		Status:          j.Status,
		AssignedAt:      j.AssignedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		OperatorNotes:   j.OperatorNotes,
		IsDeleted:       j.IsDeleted,
		DeletionReason:  j.DeletionReason,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

type SubmissionDTO struct {
	Job       JobDTO   `json:"job"`
	AttemptID string   `json:"attempt_id,omitempty"`
	Duplicate bool     `json:"duplicate"`
	Backorder int64    `json:"backorder,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func toSubmissionDTO(s *workflow.Submission) SubmissionDTO {
	return SubmissionDTO{
		Job:       toJobDTO(s.Job),
		AttemptID: s.AttemptID,
		Duplicate: s.Duplicate,
		Backorder: s.Backorder,
		Warnings:  s.Warnings,
	}
}

type PartyDTO struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	ContactPerson string          `json:"contact_person,omitempty"`
	Phone         string          `json:"phone,omitempty"`
	Email         string          `json:"email,omitempty"`
	Address       string          `json:"address,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toPartyDTO(p *shop.Party) PartyDTO {
	return PartyDTO{
		ID:            p.ID,
		Name:          p.Name,
		ContactPerson: p.ContactPerson,
		Phone:         p.Phone,
		Email:         p.Email,
		Address:       p.Address,
		Balance:       p.Balance,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type TransactionDTO struct {
	ID             int64                `json:"id"`
	PartyID        int64                `json:"party_id"`
	Type           shop.TransactionType `json:"type"`
	Amount         decimal.Decimal      `json:"amount"`
	Delta          decimal.Decimal      `json:"delta"`
	BalanceAfter   decimal.Decimal      `json:"balance_after"`
	Description    string               `json:"description,omitempty"`
	JobID          *int64               `json:"job_id,omitempty"`
	IsDeleted      bool                 `json:"is_deleted"`
	DeletionReason string               `json:"deletion_reason,omitempty"`
	DeletedBy      string               `json:"deleted_by,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

func toTransactionDTO(tx *shop.PartyTransaction) TransactionDTO {
	return TransactionDTO{
		ID:             tx.ID,
		PartyID:        tx.PartyID,
		Type:           tx.Type,
		Amount:         tx.Amount,
		Delta:          tx.SignedDelta(),
		BalanceAfter:   tx.BalanceAfter,
		Description:    tx.Description,
		JobID:          tx.JobID,
		IsDeleted:      tx.IsDeleted,
		DeletionReason: tx.DeletionReason,
		DeletedBy:      tx.DeletedBy,
		CreatedAt:      tx.CreatedAt,
	}
}

type AuditDTO struct {
	PartyID     int64           `json:"party_id"`
	Cached      decimal.Decimal `json:"cached_balance"`
	Folded      decimal.Decimal `json:"ledger_balance"`
	LiveFolded  decimal.Decimal `json:"live_ledger_balance"`
	ChainBreaks []int64         `json:"chain_breaks,omitempty"`
	Consistent  bool            `json:"consistent"`
}

type InventoryItemDTO struct {
	ID                int64     `json:"id"`
	PaperTypeName     string    `json:"paper_type_name"`
	GSM               int       `json:"gsm"`
	PartyID           *int64    `json:"party_id,omitempty"`
	UnitType          string    `json:"unit_type,omitempty"`
	UnitSize          int       `json:"unit_size,omitempty"`
	CurrentQuantity   int64     `json:"current_quantity"`
	AvailableQuantity int64     `json:"available_quantity"`
	ReservedQuantity  int64     `json:"reserved_quantity"`
	Backorder         int64     `json:"backorder,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toInventoryItemDTO(it *shop.InventoryItem) InventoryItemDTO {
	return InventoryItemDTO{
		ID:                it.ID,
		PaperTypeName:     it.PaperTypeName,
		GSM:               it.GSM,
		PartyID:           it.PartyID,
		UnitType:          it.UnitType,
		UnitSize:          it.UnitSize,
		CurrentQuantity:   it.CurrentQuantity,
		AvailableQuantity: it.AvailableQuantity,
		ReservedQuantity:  it.ReservedQuantity,
		Backorder:         it.Backorder(),
		UpdatedAt:         it.UpdatedAt,
	}
}

type InventoryMovementDTO struct {
	ID            int64                `json:"id"`
	Type          shop.InventoryTxType `json:"type"`
	TotalSheets   int64                `json:"total_sheets"`
	JobID         *int64               `json:"job_id,omitempty"`
	ReservationID *int64               `json:"reservation_id,omitempty"`
	Reference     string               `json:"reference,omitempty"`
	Description   string               `json:"description,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

type MachineDTO struct {
	ID                int64              `json:"id"`
	Name              string             `json:"name"`
	Status            shop.MachineStatus `json:"status"`
	IsAvailable       bool               `json:"is_available"`
	CurrentJobCount   int                `json:"current_job_count"`
	MaxConcurrentJobs int                `json:"max_concurrent_jobs"`
	OperatorName      string             `json:"operator_name,omitempty"`
	LastAssigned      *time.Time         `json:"last_assigned,omitempty"`
}

func toMachineDTO(m *shop.Machine) MachineDTO {
	return MachineDTO{
		ID:                m.ID,
		Name:              m.Name,
		Status:            m.Status,
		IsAvailable:       m.IsAvailable,
		CurrentJobCount:   m.CurrentJobCount,
		MaxConcurrentJobs: m.MaxConcurrentJobs,
		OperatorName:      m.OperatorName,
		LastAssigned:      m.LastAssigned,
	}
}

type WorkflowStatusDTO struct {
	JobID             int64           `json:"job_id"`
	Status            shop.JobStatus  `json:"status"`
	MachineID         *int64          `json:"machine_id,omitempty"`
	InventoryConsumed bool            `json:"inventory_consumed"`
	BalanceUpdated    bool            `json:"balance_updated"`
	ChargeAmount      decimal.Decimal `json:"charge_amount"`
	AttemptID         string          `json:"attempt_id,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toWorkflowStatusDTO(ws *shop.WorkflowStatus) WorkflowStatusDTO {
	return WorkflowStatusDTO{
		JobID:             ws.JobID,
		Status:            ws.Status,
		MachineID:         ws.MachineID,
		InventoryConsumed: ws.InventoryConsumed,
		BalanceUpdated:    ws.BalanceUpdated,
		ChargeAmount:      ws.ChargeAmount,
		AttemptID:         ws.AttemptID,
		LastError:         ws.LastError,
		UpdatedAt:         ws.UpdatedAt,
	}
}

type ReconcileDTO struct {
	ChargesApplied      int     `json:"charges_applied"`
	ChargesFailed       int     `json:"charges_failed"`
	StatusesCreated     int     `json:"statuses_created"`
	PartiesAudited      int     `json:"parties_audited"`
	InconsistentParties []int64 `json:"inconsistent_parties"`
}
