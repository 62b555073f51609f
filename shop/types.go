/*
Package shop provides the core job-sheet engine for a printing shop.

PURPOSE:
  This package contains the records and services that keep a print shop's
  production and accounting consistent: job sheets, party (customer)
  balances with their append-only ledger, paper inventory and machine
  capacity. Storage, locking and transport live elsewhere and plug in
  through the interfaces in store.go and locking.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - JobRecord: One unit of production work (a job sheet)
  - Party: A customer with a materialized running balance
  - PartyTransaction: Append-only ledger entry, source of truth for Balance
  - InventoryItem / InventoryTransaction: Paper stock and its movement log
  - Machine: A production resource with bounded concurrent jobs
  - WorkflowStatus: Denormalized per-job bookkeeping for reporting

DESIGN PRINCIPLES:
  1. Precision: Money uses decimal.Decimal, sheets are whole int64 counts
  2. Append-only: Ledger and inventory logs are never rewritten
  3. Versioned rows: Shared mutable rows carry Version for optimistic writes
  4. Soft delete: Rows referenced by the ledger are flagged, never removed

SEE ALSO:
  - ledger.go: Balance arithmetic and the ledger service
  - jobstatus.go: Job lifecycle state machine
  - store.go: Persistence interfaces
*/
package shop

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// JOB RECORD - One job sheet
// =============================================================================

type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobAssigned   JobStatus = "assigned"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further lifecycle transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled
}

type JobRecord struct {
	ID          int64
	JobDate     time.Time
	PartyID     *int64
	PartyName   string // denormalized for display
	Description string

	Plate      int
	Size       string
	SqInch     decimal.Decimal
	PaperSheet int64
	Imp        int64
	Rate       decimal.Decimal

	PrintingCost decimal.Decimal
	UVCost       decimal.Decimal
	BakingCost   decimal.Decimal

	// Paper specification (optional)
	PaperTypeName   string
	PaperGSM        int
	PaperSize       string
	PaperSource     string
	InventoryItemID *int64

	MachineID   *int64
	Status      JobStatus
	AssignedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	OperatorNotes  string
	IdempotencyKey string

	// Soft delete
	IsDeleted      bool
	DeletedAt      *time.Time
	DeletionReason string
	DeletedBy      string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalCost is printing + UV + baking.
func (j *JobRecord) TotalCost() decimal.Decimal {
	return j.PrintingCost.Add(j.UVCost).Add(j.BakingCost)
}

// =============================================================================
// PARTY + LEDGER
// =============================================================================

type Party struct {
	ID            int64
	Name          string
	ContactPerson string
	Phone         string
	Email         string
	Address       string

	// Balance is a cache of the ledger fold. Positive means credit in the
	// shop's favour is owed back; charging a job decreases it.
	Balance decimal.Decimal

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TransactionType string

const (
	TxPayment    TransactionType = "payment"    // party paid the shop: +amount
	TxOrder      TransactionType = "order"      // job charged to the party: -amount
	TxAdjustment TransactionType = "adjustment" // manual correction: signed amount as recorded
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxPayment, TxOrder, TxAdjustment:
		return true
	}
	return false
}

type PartyTransaction struct {
	ID             int64
	PartyID        int64
	Type           TransactionType
	Amount         decimal.Decimal // magnitude for payment/order, signed delta for adjustment
	Description    string
	BalanceAfter   decimal.Decimal
	JobID          *int64
	IdempotencyKey string
	CreatedAt      time.Time

	// Soft delete is an audit annotation; it never reverses the balance.
	IsDeleted      bool
	DeletedAt      *time.Time
	DeletionReason string
	DeletedBy      string
}

// SignedDelta returns the change this entry applies to the party balance.
func (t PartyTransaction) SignedDelta() decimal.Decimal {
	return SignedDelta(t.Type, t.Amount)
}

// SignedDelta maps a ledger entry type and amount to a balance change.
func SignedDelta(typ TransactionType, amount decimal.Decimal) decimal.Decimal {
	switch typ {
	case TxPayment:
		return amount
	case TxOrder:
		return amount.Neg()
	default:
		return amount
	}
}

// =============================================================================
// INVENTORY
// =============================================================================

type InventoryItem struct {
	ID            int64
	PaperTypeName string
	GSM           int
	PartyID       *int64 // owner, nil for shop stock
	UnitType      string
	UnitSize      int

	// current = available + reserved at rest. Available may go negative
	// to represent a backorder.
	CurrentQuantity   int64
	AvailableQuantity int64
	ReservedQuantity  int64

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Backorder returns how many sheets are owed beyond available stock.
func (i *InventoryItem) Backorder() int64 {
	if i.AvailableQuantity < 0 {
		return -i.AvailableQuantity
	}
	return 0
}

type InventoryTxType string

const (
	InvReserved InventoryTxType = "reserved"
	InvOut      InventoryTxType = "out"
	InvReleased InventoryTxType = "released"
	InvReturned InventoryTxType = "returned" // compensation of an out movement
)

type InventoryTransaction struct {
	ID            int64
	ItemID        int64
	Type          InventoryTxType
	TotalSheets   int64 // signed: reservations and outs are negative
	JobID         *int64
	ReservationID *int64
	Reference     string // submission attempt id
	Description   string
	CreatedAt     time.Time
}

// Quantity returns the unsigned sheet count of the movement.
func (t InventoryTransaction) Quantity() int64 {
	if t.TotalSheets < 0 {
		return -t.TotalSheets
	}
	return t.TotalSheets
}

// =============================================================================
// MACHINE
// =============================================================================

type MachineStatus string

const (
	MachineActive      MachineStatus = "active"
	MachineMaintenance MachineStatus = "maintenance"
	MachineOffline     MachineStatus = "offline"
)

type Machine struct {
	ID                int64
	Name              string
	Status            MachineStatus
	IsAvailable       bool
	CurrentJobCount   int
	MaxConcurrentJobs int
	OperatorName      string
	LastAssigned      *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *Machine) capacity() int {
	if m.MaxConcurrentJobs < 1 {
		return 1
	}
	return m.MaxConcurrentJobs
}

// =============================================================================
// WORKFLOW STATUS
// =============================================================================

type WorkflowStatus struct {
	JobID             int64
	Status            JobStatus
	PartyID           *int64
	MachineID         *int64
	InventoryConsumed bool
	BalanceUpdated    bool
	ChargeAmount      decimal.Decimal
	AttemptID         string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NeedsCharge reports whether the ledger step still has to run for this job.
func (w *WorkflowStatus) NeedsCharge() bool {
	return w.PartyID != nil && !w.BalanceUpdated && w.ChargeAmount.IsPositive()
}

// =============================================================================
// SUBMISSION - Input to the integration workflow
// =============================================================================

// JobSheetSubmission is the request accepted by the job-sheet workflow.
// Cost fields accept JSON numbers or decimal strings.
type JobSheetSubmission struct {
	JobDate     time.Time       `json:"job_date" validate:"required"`
	PartyID     *int64          `json:"party_id,omitempty" validate:"omitempty,gt=0"`
	PartyName   string          `json:"party_name" validate:"required,max=255"`
	Description string          `json:"description" validate:"required"`
	Plate       int             `json:"plate" validate:"gt=0"`
	Size        string          `json:"size" validate:"required,max=64"`
	SqInch      decimal.Decimal `json:"sq_inch" validate:"gt=0"`
	PaperSheet  int64           `json:"paper_sheet" validate:"gte=0"`
	Imp         int64           `json:"imp" validate:"gt=0"`
	Rate        decimal.Decimal `json:"rate" validate:"gt=0"`
	Printing    decimal.Decimal `json:"printing" validate:"gt=0"`
	UV          decimal.Decimal `json:"uv" validate:"gte=0"`
	Baking      decimal.Decimal `json:"baking" validate:"gte=0"`

	PaperTypeName string `json:"paper_type,omitempty"`
	PaperGSM      int    `json:"paper_gsm,omitempty" validate:"gte=0"`
	PaperSize     string `json:"paper_size,omitempty"`
	PaperSource   string `json:"paper_source,omitempty" validate:"omitempty,oneof=self party inventory"`

	MachineID       *int64 `json:"machine_id,omitempty" validate:"omitempty,gt=0"`
	AssignToMachine bool   `json:"assign_to_machine"`

	InventoryItemID   *int64 `json:"inventory_item_id,omitempty" validate:"omitempty,gt=0"`
	UsedFromInventory bool   `json:"used_from_inventory"`

	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=128"`
}

// TotalCost is printing + UV + baking.
func (s *JobSheetSubmission) TotalCost() decimal.Decimal {
	return s.Printing.Add(s.UV).Add(s.Baking)
}

// WantsMachine reports whether a machine reservation was requested.
func (s *JobSheetSubmission) WantsMachine() bool {
	return s.AssignToMachine && s.MachineID != nil
}

// WantsInventory reports whether sheets should come out of stock.
func (s *JobSheetSubmission) WantsInventory() bool {
	return s.UsedFromInventory && s.InventoryItemID != nil && s.PaperSheet > 0
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
