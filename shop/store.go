/*
store.go - Persistence interfaces for the job-sheet engine

PURPOSE:
  Defines the boundary between the domain services and the database.
  Implementations exist for SQL (SQLite/PostgreSQL) and in-memory storage.

KEY INTERFACES:
  PartyStore:     Customers and their cached balance
  LedgerStore:    Append-only party transactions (soft delete is a flag)
  InventoryStore: Paper stock rows and their movement log
  MachineStore:   Production machines
  JobStore:       Job sheets
  WorkflowStore:  Per-job workflow bookkeeping
  OutboxStore:    Pending domain events awaiting publication
  TxStore:        Store plus atomic multi-table writes

VERSIONED WRITES:
  Update* methods on versioned rows compare the caller's Version with the
  stored one. A mismatch returns ErrConcurrentModification and writes
  nothing. On success the passed record's Version is incremented.

IDEMPOTENCY:
  Party transactions and jobs may carry an idempotency key. Inserting a
  second row with the same non-empty key returns ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - shop/store/memory.go: In-memory for tests and development

SEE ALSO:
  - locking.go: Row-level serialization above the store
*/
package shop

import (
	"context"
	"time"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type PartyStore interface {
	CreateParty(ctx context.Context, p *Party) error
	GetParty(ctx context.Context, id int64) (*Party, error)
	ListParties(ctx context.Context) ([]Party, error)
	UpdateParty(ctx context.Context, p *Party) error
	DeleteParty(ctx context.Context, id int64) error

	// PartyReferences counts jobs, ledger rows and inventory items owned by the party.
	PartyReferences(ctx context.Context, id int64) (int, error)
}

// LedgerStore is append-only apart from the soft-delete annotation.
type LedgerStore interface {
	AppendPartyTransaction(ctx context.Context, tx *PartyTransaction) error
	GetPartyTransaction(ctx context.Context, id int64) (*PartyTransaction, error)
	FindPartyTransactionByKey(ctx context.Context, key string) (*PartyTransaction, error)
	// ListPartyTransactions returns rows in creation order, including soft-deleted ones.
	ListPartyTransactions(ctx context.Context, partyID int64) ([]PartyTransaction, error)
	MarkPartyTransactionDeleted(ctx context.Context, id int64, at time.Time, reason, actor string) error
}

type InventoryStore interface {
	CreateInventoryItem(ctx context.Context, item *InventoryItem) error
	GetInventoryItem(ctx context.Context, id int64) (*InventoryItem, error)
	ListInventoryItems(ctx context.Context) ([]InventoryItem, error)
	UpdateInventoryItem(ctx context.Context, item *InventoryItem) error

	AppendInventoryTransaction(ctx context.Context, tx *InventoryTransaction) error
	GetInventoryTransaction(ctx context.Context, id int64) (*InventoryTransaction, error)
	ListInventoryTransactions(ctx context.Context, itemID int64) ([]InventoryTransaction, error)
}

type MachineStore interface {
	CreateMachine(ctx context.Context, m *Machine) error
	GetMachine(ctx context.Context, id int64) (*Machine, error)
	ListMachines(ctx context.Context) ([]Machine, error)
	UpdateMachine(ctx context.Context, m *Machine) error
}

// JobFilter narrows ListJobs. Zero value lists every live job.
type JobFilter struct {
	PartyID        *int64
	Status         JobStatus
	MachineID      *int64
	IncludeDeleted bool
}

type JobStore interface {
	CreateJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, id int64) (*JobRecord, error)
	FindJobByIdempotencyKey(ctx context.Context, key string) (*JobRecord, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error)
	UpdateJob(ctx context.Context, job *JobRecord) error

	// DeleteJob physically removes a job. Only compensation of a job that
	// nothing references yet may use it.
	DeleteJob(ctx context.Context, id int64) error
}

type WorkflowStore interface {
	UpsertWorkflowStatus(ctx context.Context, ws *WorkflowStatus) error
	GetWorkflowStatus(ctx context.Context, jobID int64) (*WorkflowStatus, error)
	// ListPendingCharges returns statuses whose ledger charge has not been applied.
	ListPendingCharges(ctx context.Context) ([]WorkflowStatus, error)
}

// OutboxMessage is a queued outbound domain event.
type OutboxMessage struct {
	ID        int64
	Topic     string
	Key       string
	Type      string
	Payload   []byte
	Retries   int
	CreatedAt time.Time
	SentAt    *time.Time
}

type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	AckOutbox(ctx context.Context, id int64, at time.Time) error
	IncrementOutboxRetries(ctx context.Context, id int64) error
}

// Store is everything the engine persists.
type Store interface {
	PartyStore
	LedgerStore
	InventoryStore
	MachineStore
	JobStore
	WorkflowStore
	OutboxStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// WithTx must not be nested.
	WithTx(ctx context.Context, fn func(Store) error) error
}
