// Package store provides an in-memory shop.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. WithTx holds the
// mutex for the whole callback and restores a snapshot on error.
//
// SetFault makes a named operation fail, which lets tests drive the
// workflow's failure paths.
type Memory struct {
	view

	mu     sync.Mutex
	data   *tables
	faults map[string]error
}

type tables struct {
	seq       map[string]int64
	parties   map[int64]shop.Party
	partyTxs  []shop.PartyTransaction
	items     map[int64]shop.InventoryItem
	invTxs    []shop.InventoryTransaction
	machines  map[int64]shop.Machine
	jobs      map[int64]shop.JobRecord
	workflows map[int64]shop.WorkflowStatus
	outbox    []shop.OutboxMessage
}

func newTables() *tables {
	return &tables{
		seq:       make(map[string]int64),
		parties:   make(map[int64]shop.Party),
		items:     make(map[int64]shop.InventoryItem),
		machines:  make(map[int64]shop.Machine),
		jobs:      make(map[int64]shop.JobRecord),
		workflows: make(map[int64]shop.WorkflowStatus),
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.seq {
		c.seq[k] = v
	}
	for k, v := range t.parties {
		c.parties[k] = v
	}
	for k, v := range t.items {
		c.items[k] = v
	}
	for k, v := range t.machines {
		c.machines[k] = v
	}
	for k, v := range t.jobs {
		c.jobs[k] = v
	}
	for k, v := range t.workflows {
		c.workflows[k] = v
	}
	c.partyTxs = append([]shop.PartyTransaction(nil), t.partyTxs...)
	c.invTxs = append([]shop.InventoryTransaction(nil), t.invTxs...)
	c.outbox = append([]shop.OutboxMessage(nil), t.outbox...)
	return c
}

func (t *tables) next(table string) int64 {
	t.seq[table]++
	return t.seq[table]
}

func NewMemory() *Memory {
	m := &Memory{data: newTables(), faults: make(map[string]error)}
	m.view = view{m: m}
	return m
}

// SetFault makes op (a Store method name such as "CreateJob") return err.
// A nil err clears the fault.
func (m *Memory) SetFault(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(shop.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&view{m: m, inTx: true}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// =============================================================================
// VIEW - shop.Store over the tables, locking unless inside WithTx
// =============================================================================

type view struct {
	m    *Memory
	inTx bool
}

func (v *view) enter() func() {
	if v.inTx {
		return func() {}
	}
	v.m.mu.Lock()
	return v.m.mu.Unlock
}

func (v *view) fault(op string) error {
	if err, ok := v.m.faults[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (v *view) t() *tables { return v.m.data }

// -----------------------------------------------------------------------------
// Parties
// -----------------------------------------------------------------------------

func (v *view) CreateParty(_ context.Context, p *shop.Party) error {
	defer v.enter()()
	if err := v.fault("CreateParty"); err != nil {
		return err
	}
	p.ID = v.t().next("parties")
	p.Version = 1
	v.t().parties[p.ID] = *p
	return nil
}

func (v *view) GetParty(_ context.Context, id int64) (*shop.Party, error) {
	defer v.enter()()
	if err := v.fault("GetParty"); err != nil {
		return nil, err
	}
	p, ok := v.t().parties[id]
	if !ok {
		return nil, &shop.NotFoundError{Entity: "party", ID: id}
	}
	return &p, nil
}

func (v *view) ListParties(_ context.Context) ([]shop.Party, error) {
	defer v.enter()()
	out := make([]shop.Party, 0, len(v.t().parties))
	for _, p := range v.t().parties {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) UpdateParty(_ context.Context, p *shop.Party) error {
	defer v.enter()()
	if err := v.fault("UpdateParty"); err != nil {
		return err
	}
	cur, ok := v.t().parties[p.ID]
	if !ok {
		return &shop.NotFoundError{Entity: "party", ID: p.ID}
	}
	if cur.Version != p.Version {
		return fmt.Errorf("party %d: %w", p.ID, shop.ErrConcurrentModification)
	}
	p.Version++
	v.t().parties[p.ID] = *p
	return nil
}

func (v *view) DeleteParty(_ context.Context, id int64) error {
	defer v.enter()()
	if _, ok := v.t().parties[id]; !ok {
		return &shop.NotFoundError{Entity: "party", ID: id}
	}
	delete(v.t().parties, id)
	return nil
}

func (v *view) PartyReferences(_ context.Context, id int64) (int, error) {
	defer v.enter()()
	n := 0
	for _, j := range v.t().jobs {
		if j.PartyID != nil && *j.PartyID == id {
			n++
		}
	}
	for _, tx := range v.t().partyTxs {
		if tx.PartyID == id {
			n++
		}
	}
	for _, it := range v.t().items {
		if it.PartyID != nil && *it.PartyID == id {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (v *view) AppendPartyTransaction(_ context.Context, tx *shop.PartyTransaction) error {
	defer v.enter()()
	if err := v.fault("AppendPartyTransaction"); err != nil {
		return err
	}
	if tx.IdempotencyKey != "" {
		for _, existing := range v.t().partyTxs {
			if existing.IdempotencyKey == tx.IdempotencyKey {
				return shop.ErrDuplicateIdempotencyKey
			}
		}
	}
	tx.ID = v.t().next("party_transactions")
	v.t().partyTxs = append(v.t().partyTxs, *tx)
	return nil
}

func (v *view) GetPartyTransaction(_ context.Context, id int64) (*shop.PartyTransaction, error) {
	defer v.enter()()
	for _, tx := range v.t().partyTxs {
		if tx.ID == id {
			return &tx, nil
		}
	}
	return nil, &shop.NotFoundError{Entity: "party transaction", ID: id}
}

func (v *view) FindPartyTransactionByKey(_ context.Context, key string) (*shop.PartyTransaction, error) {
	defer v.enter()()
	for _, tx := range v.t().partyTxs {
		if key != "" && tx.IdempotencyKey == key {
			return &tx, nil
		}
	}
	return nil, fmt.Errorf("party transaction %q: %w", key, shop.ErrNotFound)
}

func (v *view) ListPartyTransactions(_ context.Context, partyID int64) ([]shop.PartyTransaction, error) {
	defer v.enter()()
	var out []shop.PartyTransaction
	for _, tx := range v.t().partyTxs {
		if tx.PartyID == partyID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (v *view) MarkPartyTransactionDeleted(_ context.Context, id int64, at time.Time, reason, actor string) error {
	defer v.enter()()
	for i := range v.t().partyTxs {
		tx := &v.t().partyTxs[i]
		if tx.ID != id {
			continue
		}
		tx.IsDeleted = true
		tx.DeletedAt = &at
		tx.DeletionReason = reason
		tx.DeletedBy = actor
		return nil
	}
	return &shop.NotFoundError{Entity: "party transaction", ID: id}
}

// -----------------------------------------------------------------------------
// Inventory
// -----------------------------------------------------------------------------

func (v *view) CreateInventoryItem(_ context.Context, item *shop.InventoryItem) error {
	defer v.enter()()
	item.ID = v.t().next("inventory_items")
	item.Version = 1
	v.t().items[item.ID] = *item
	return nil
}

func (v *view) GetInventoryItem(_ context.Context, id int64) (*shop.InventoryItem, error) {
	defer v.enter()()
	if err := v.fault("GetInventoryItem"); err != nil {
		return nil, err
	}
	it, ok := v.t().items[id]
	if !ok {
		return nil, &shop.NotFoundError{Entity: "inventory item", ID: id}
	}
	return &it, nil
}

func (v *view) ListInventoryItems(_ context.Context) ([]shop.InventoryItem, error) {
	defer v.enter()()
	out := make([]shop.InventoryItem, 0, len(v.t().items))
	for _, it := range v.t().items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) UpdateInventoryItem(_ context.Context, item *shop.InventoryItem) error {
	defer v.enter()()
	if err := v.fault("UpdateInventoryItem"); err != nil {
		return err
	}
	cur, ok := v.t().items[item.ID]
	if !ok {
		return &shop.NotFoundError{Entity: "inventory item", ID: item.ID}
	}
	if cur.Version != item.Version {
		return fmt.Errorf("inventory item %d: %w", item.ID, shop.ErrConcurrentModification)
	}
	item.Version++
	v.t().items[item.ID] = *item
	return nil
}

func (v *view) AppendInventoryTransaction(_ context.Context, tx *shop.InventoryTransaction) error {
	defer v.enter()()
	if err := v.fault("AppendInventoryTransaction:" + string(tx.Type)); err != nil {
		return err
	}
	tx.ID = v.t().next("inventory_transactions")
	v.t().invTxs = append(v.t().invTxs, *tx)
	return nil
}

func (v *view) GetInventoryTransaction(_ context.Context, id int64) (*shop.InventoryTransaction, error) {
	defer v.enter()()
	for _, tx := range v.t().invTxs {
		if tx.ID == id {
			return &tx, nil
		}
	}
	return nil, &shop.NotFoundError{Entity: "inventory transaction", ID: id}
}

func (v *view) ListInventoryTransactions(_ context.Context, itemID int64) ([]shop.InventoryTransaction, error) {
	defer v.enter()()
	var out []shop.InventoryTransaction
	for _, tx := range v.t().invTxs {
		if tx.ItemID == itemID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Machines
// -----------------------------------------------------------------------------

func (v *view) CreateMachine(_ context.Context, m *shop.Machine) error {
	defer v.enter()()
	m.ID = v.t().next("machines")
	m.Version = 1
	v.t().machines[m.ID] = *m
	return nil
}

func (v *view) GetMachine(_ context.Context, id int64) (*shop.Machine, error) {
	defer v.enter()()
	if err := v.fault("GetMachine"); err != nil {
		return nil, err
	}
	m, ok := v.t().machines[id]
	if !ok {
		return nil, &shop.NotFoundError{Entity: "machine", ID: id}
	}
	return &m, nil
}

func (v *view) ListMachines(_ context.Context) ([]shop.Machine, error) {
	defer v.enter()()
	out := make([]shop.Machine, 0, len(v.t().machines))
	for _, m := range v.t().machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) UpdateMachine(_ context.Context, m *shop.Machine) error {
	defer v.enter()()
	if err := v.fault("UpdateMachine"); err != nil {
		return err
	}
	cur, ok := v.t().machines[m.ID]
	if !ok {
		return &shop.NotFoundError{Entity: "machine", ID: m.ID}
	}
	if cur.Version != m.Version {
		return fmt.Errorf("machine %d: %w", m.ID, shop.ErrConcurrentModification)
	}
	m.Version++
	v.t().machines[m.ID] = *m
	return nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func (v *view) CreateJob(_ context.Context, job *shop.JobRecord) error {
	defer v.enter()()
	if err := v.fault("CreateJob"); err != nil {
		return err
	}
	if job.IdempotencyKey != "" {
		for _, j := range v.t().jobs {
			if j.IdempotencyKey == job.IdempotencyKey {
				return shop.ErrDuplicateIdempotencyKey
			}
		}
	}
	job.ID = v.t().next("jobs")
	job.Version = 1
	v.t().jobs[job.ID] = *job
	return nil
}

func (v *view) GetJob(_ context.Context, id int64) (*shop.JobRecord, error) {
	defer v.enter()()
	j, ok := v.t().jobs[id]
	if !ok {
		return nil, &shop.NotFoundError{Entity: "job", ID: id}
	}
	return &j, nil
}

func (v *view) FindJobByIdempotencyKey(_ context.Context, key string) (*shop.JobRecord, error) {
	defer v.enter()()
	for _, j := range v.t().jobs {
		if key != "" && j.IdempotencyKey == key {
			return &j, nil
		}
	}
	return nil, fmt.Errorf("job %q: %w", key, shop.ErrNotFound)
}

func (v *view) ListJobs(_ context.Context, f shop.JobFilter) ([]shop.JobRecord, error) {
	defer v.enter()()
	var out []shop.JobRecord
	for _, j := range v.t().jobs {
		if j.IsDeleted && !f.IncludeDeleted {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.PartyID != nil && (j.PartyID == nil || *j.PartyID != *f.PartyID) {
			continue
		}
		if f.MachineID != nil && (j.MachineID == nil || *j.MachineID != *f.MachineID) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (v *view) UpdateJob(_ context.Context, job *shop.JobRecord) error {
	defer v.enter()()
	if err := v.fault("UpdateJob"); err != nil {
		return err
	}
	cur, ok := v.t().jobs[job.ID]
	if !ok {
		return &shop.NotFoundError{Entity: "job", ID: job.ID}
	}
	if cur.Version != job.Version {
		return fmt.Errorf("job %d: %w", job.ID, shop.ErrConcurrentModification)
	}
	job.Version++
	v.t().jobs[job.ID] = *job
	return nil
}

func (v *view) DeleteJob(_ context.Context, id int64) error {
	defer v.enter()()
	if err := v.fault("DeleteJob"); err != nil {
		return err
	}
	if _, ok := v.t().jobs[id]; !ok {
		return &shop.NotFoundError{Entity: "job", ID: id}
	}
	delete(v.t().jobs, id)
	return nil
}

// -----------------------------------------------------------------------------
// Workflow status
// -----------------------------------------------------------------------------

func (v *view) UpsertWorkflowStatus(_ context.Context, ws *shop.WorkflowStatus) error {
	defer v.enter()()
	if err := v.fault("UpsertWorkflowStatus"); err != nil {
		return err
	}
	if cur, ok := v.t().workflows[ws.JobID]; ok {
		ws.CreatedAt = cur.CreatedAt
	}
	v.t().workflows[ws.JobID] = *ws
	return nil
}

func (v *view) GetWorkflowStatus(_ context.Context, jobID int64) (*shop.WorkflowStatus, error) {
	defer v.enter()()
	ws, ok := v.t().workflows[jobID]
	if !ok {
		return nil, &shop.NotFoundError{Entity: "workflow status", ID: jobID}
	}
	return &ws, nil
}

func (v *view) ListPendingCharges(_ context.Context) ([]shop.WorkflowStatus, error) {
	defer v.enter()()
	var out []shop.WorkflowStatus
	for _, ws := range v.t().workflows {
		if ws.NeedsCharge() {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Outbox
// -----------------------------------------------------------------------------

func (v *view) EnqueueOutbox(_ context.Context, msg *shop.OutboxMessage) error {
	defer v.enter()()
	if err := v.fault("EnqueueOutbox"); err != nil {
		return err
	}
	msg.ID = v.t().next("outbox")
	v.t().outbox = append(v.t().outbox, *msg)
	return nil
}

func (v *view) ListPendingOutbox(_ context.Context, limit int) ([]shop.OutboxMessage, error) {
	defer v.enter()()
	var out []shop.OutboxMessage
	for _, msg := range v.t().outbox {
		if msg.SentAt != nil {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (v *view) AckOutbox(_ context.Context, id int64, at time.Time) error {
	defer v.enter()()
	for i := range v.t().outbox {
		if v.t().outbox[i].ID == id {
			v.t().outbox[i].SentAt = &at
			return nil
		}
	}
	return &shop.NotFoundError{Entity: "outbox message", ID: id}
}

func (v *view) IncrementOutboxRetries(_ context.Context, id int64) error {
	defer v.enter()()
	for i := range v.t().outbox {
		if v.t().outbox[i].ID == id {
			v.t().outbox[i].Retries++
			return nil
		}
	}
	return &shop.NotFoundError{Entity: "outbox message", ID: id}
}
