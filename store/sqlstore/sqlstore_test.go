package sqlstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/jobsheet-engine/events"
	"github.com/warp/jobsheet-engine/locks"
	"github.com/warp/jobsheet-engine/shop"
	"github.com/warp/jobsheet-engine/store/sqlstore"
	"github.com/warp/jobsheet-engine/workflow"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	st, err := sqlstore.Open(context.Background(), sqlstore.Options{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), sqlstore.Options{Driver: "oracle"})
	assert.Error(t, err)

	_, err = sqlstore.Open(context.Background(), sqlstore.Options{Driver: "pgx"})
	assert.Error(t, err, "postgres needs a DSN")
}

func TestParties_VersionedUpdate(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	p := &shop.Party{Name: "Acme Prints", Email: "ops@acme.test", Balance: decimal.Zero}
	require.NoError(t, st.CreateParty(ctx, p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, int64(1), p.Version)

	stale, err := st.GetParty(ctx, p.ID)
	require.NoError(t, err)

	p.Balance = dec("125.50")
	p.UpdatedAt = time.Now()
	require.NoError(t, st.UpdateParty(ctx, p))
	assert.Equal(t, int64(2), p.Version)

	stale.Balance = dec("1")
	err = st.UpdateParty(ctx, stale)
	assert.ErrorIs(t, err, shop.ErrConcurrentModification)

	got, err := st.GetParty(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, dec("125.50").Equal(got.Balance))
	assert.Equal(t, "ops@acme.test", got.Email)

	err = st.UpdateParty(ctx, &shop.Party{ID: 999, Version: 1})
	assert.True(t, shop.IsNotFound(err))

	_, err = st.GetParty(ctx, 999)
	var nf *shop.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "party", nf.Entity)
}

func TestParties_ReferencesAndDelete(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	p := &shop.Party{Name: "Acme"}
	require.NoError(t, st.CreateParty(ctx, p))

	n, err := st.PartyReferences(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, st.CreateInventoryItem(ctx, &shop.InventoryItem{PaperTypeName: "Art", PartyID: &p.ID}))
	n, err = st.PartyReferences(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other := &shop.Party{Name: "Unused"}
	require.NoError(t, st.CreateParty(ctx, other))
	require.NoError(t, st.DeleteParty(ctx, other.ID))
	assert.True(t, shop.IsNotFound(st.DeleteParty(ctx, other.ID)))
}

func TestLedger_IdempotencyKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	p := &shop.Party{Name: "Acme"}
	require.NoError(t, st.CreateParty(ctx, p))

	tx := &shop.PartyTransaction{PartyID: p.ID, Type: shop.TxPayment, Amount: dec("100"), BalanceAfter: dec("100"), IdempotencyKey: "pay-1"}
	require.NoError(t, st.AppendPartyTransaction(ctx, tx))

	dup := &shop.PartyTransaction{PartyID: p.ID, Type: shop.TxPayment, Amount: dec("100"), BalanceAfter: dec("200"), IdempotencyKey: "pay-1"}
	assert.ErrorIs(t, st.AppendPartyTransaction(ctx, dup), shop.ErrDuplicateIdempotencyKey)

	// empty keys never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, st.AppendPartyTransaction(ctx, &shop.PartyTransaction{
			PartyID: p.ID, Type: shop.TxOrder, Amount: dec("10"), BalanceAfter: dec("90"),
		}))
	}

	found, err := st.FindPartyTransactionByKey(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, found.ID)
	assert.True(t, dec("100").Equal(found.Amount))

	_, err = st.FindPartyTransactionByKey(ctx, "missing")
	assert.ErrorIs(t, err, shop.ErrNotFound)

	txs, err := st.ListPartyTransactions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, tx.ID, txs[0].ID)
}

func TestLedger_SoftDeleteKeepsAmounts(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	p := &shop.Party{Name: "Acme"}
	require.NoError(t, st.CreateParty(ctx, p))
	tx := &shop.PartyTransaction{PartyID: p.ID, Type: shop.TxOrder, Amount: dec("40"), BalanceAfter: dec("-40")}
	require.NoError(t, st.AppendPartyTransaction(ctx, tx))

	at := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.MarkPartyTransactionDeleted(ctx, tx.ID, at, "entered twice", "admin"))

	got, err := st.GetPartyTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, at.Equal(*got.DeletedAt))
	assert.Equal(t, "entered twice", got.DeletionReason)
	assert.True(t, dec("40").Equal(got.Amount))
	assert.True(t, dec("-40").Equal(got.BalanceAfter))

	assert.True(t, shop.IsNotFound(st.MarkPartyTransactionDeleted(ctx, 999, at, "x", "y")))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx shop.Store) error {
		if err := tx.CreateParty(ctx, &shop.Party{Name: "Ghost"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	parties, err := st.ListParties(ctx)
	require.NoError(t, err)
	assert.Empty(t, parties)

	require.NoError(t, st.WithTx(ctx, func(tx shop.Store) error {
		return tx.CreateParty(ctx, &shop.Party{Name: "Kept"})
	}))
	parties, err = st.ListParties(ctx)
	require.NoError(t, err)
	assert.Len(t, parties, 1)
}

func TestInventory_ItemsAndMovements(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	it := &shop.InventoryItem{PaperTypeName: "Art Paper", GSM: 130, UnitType: "sheet", CurrentQuantity: 100, AvailableQuantity: 100}
	require.NoError(t, st.CreateInventoryItem(ctx, it))

	it.AvailableQuantity = -20
	it.ReservedQuantity = 120
	require.NoError(t, st.UpdateInventoryItem(ctx, it))
	got, err := st.GetInventoryItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-20), got.AvailableQuantity)
	assert.Equal(t, int64(2), got.Version)
	assert.Nil(t, got.PartyID)

	res := &shop.InventoryTransaction{ItemID: it.ID, Type: shop.InvReserved, TotalSheets: -120, Reference: "att-1"}
	require.NoError(t, st.AppendInventoryTransaction(ctx, res))
	jobID := int64(7)
	out := &shop.InventoryTransaction{ItemID: it.ID, Type: shop.InvOut, TotalSheets: -120, JobID: &jobID, ReservationID: &res.ID}
	require.NoError(t, st.AppendInventoryTransaction(ctx, out))

	txs, err := st.ListInventoryTransactions(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, shop.InvReserved, txs[0].Type)
	require.NotNil(t, txs[1].ReservationID)
	assert.Equal(t, res.ID, *txs[1].ReservationID)
	assert.Equal(t, int64(120), txs[1].Quantity())

	_, err = st.GetInventoryTransaction(ctx, 999)
	assert.True(t, shop.IsNotFound(err))
}

func TestMachines_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	m := &shop.Machine{Name: "Komori", Status: shop.MachineActive, IsAvailable: true, MaxConcurrentJobs: 2}
	require.NoError(t, st.CreateMachine(ctx, m))

	now := time.Now().UTC().Truncate(time.Second)
	m.CurrentJobCount = 2
	m.IsAvailable = false
	m.LastAssigned = &now
	require.NoError(t, st.UpdateMachine(ctx, m))

	got, err := st.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.IsAvailable)
	assert.Equal(t, 2, got.CurrentJobCount)
	require.NotNil(t, got.LastAssigned)
	assert.True(t, now.Equal(*got.LastAssigned))

	list, err := st.ListMachines(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestJobs_KeysFiltersAndDelete(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	p := &shop.Party{Name: "Acme"}
	require.NoError(t, st.CreateParty(ctx, p))

	newJob := func(key string) *shop.JobRecord {
		return &shop.JobRecord{
			JobDate: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), PartyID: &p.ID, PartyName: "Acme",
			Description: "Flyers", Plate: 2, Size: "A4", SqInch: dec("96.5"), PaperSheet: 10, Imp: 1000,
			Rate: dec("0.2"), PrintingCost: dec("200"), UVCost: dec("0"), BakingCost: dec("12.25"),
			Status: shop.JobCreated, IdempotencyKey: key,
		}
	}

	j1 := newJob("req-1")
	require.NoError(t, st.CreateJob(ctx, j1))
	assert.ErrorIs(t, st.CreateJob(ctx, newJob("req-1")), shop.ErrDuplicateIdempotencyKey)
	j2 := newJob("")
	require.NoError(t, st.CreateJob(ctx, j2))

	found, err := st.FindJobByIdempotencyKey(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, j1.ID, found.ID)
	assert.True(t, dec("212.25").Equal(found.TotalCost()))
	assert.Equal(t, "req-1", found.IdempotencyKey)

	machineID := int64(3)
	j2.MachineID = &machineID
	j2.Status = shop.JobAssigned
	require.NoError(t, st.UpdateJob(ctx, j2))

	assigned, err := st.ListJobs(ctx, shop.JobFilter{Status: shop.JobAssigned})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, j2.ID, assigned[0].ID)

	onMachine, err := st.ListJobs(ctx, shop.JobFilter{MachineID: &machineID, PartyID: &p.ID})
	require.NoError(t, err)
	assert.Len(t, onMachine, 1)

	now := time.Now().UTC()
	j1.IsDeleted = true
	j1.DeletedAt = &now
	j1.DeletionReason = "duplicate"
	require.NoError(t, st.UpdateJob(ctx, j1))

	live, err := st.ListJobs(ctx, shop.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, live, 1)
	all, err := st.ListJobs(ctx, shop.JobFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, st.DeleteJob(ctx, j2.ID))
	_, err = st.GetJob(ctx, j2.ID)
	assert.True(t, shop.IsNotFound(err))
}

func TestWorkflowStatus_UpsertAndPending(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	partyID := int64(1)
	created := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	ws := &shop.WorkflowStatus{
		JobID: 10, Status: shop.JobCreated, PartyID: &partyID, ChargeAmount: dec("500"),
		AttemptID: "att-1", CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, st.UpsertWorkflowStatus(ctx, ws))
	require.NoError(t, st.UpsertWorkflowStatus(ctx, &shop.WorkflowStatus{
		JobID: 11, Status: shop.JobCreated, CreatedAt: created, UpdatedAt: created,
	}))

	pending, err := st.ListPendingCharges(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(10), pending[0].JobID)

	later := created.Add(time.Hour)
	ws.BalanceUpdated = true
	ws.CreatedAt = later
	ws.UpdatedAt = later
	require.NoError(t, st.UpsertWorkflowStatus(ctx, ws))

	got, err := st.GetWorkflowStatus(ctx, 10)
	require.NoError(t, err)
	assert.True(t, got.BalanceUpdated)
	assert.True(t, created.Equal(got.CreatedAt), "created_at survives upsert")
	assert.True(t, later.Equal(got.UpdatedAt))

	pending, err = st.ListPendingCharges(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = st.GetWorkflowStatus(ctx, 404)
	assert.True(t, shop.IsNotFound(err))
}

func TestOutbox_Lifecycle(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.EnqueueOutbox(ctx, &shop.OutboxMessage{
			Topic: "jobsheet.events", Key: "1", Type: shop.EventJobCreated, Payload: []byte(`{"job_id":1}`),
		}))
	}

	batch, err := st.ListPendingOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, []byte(`{"job_id":1}`), batch[0].Payload)

	require.NoError(t, st.AckOutbox(ctx, batch[0].ID, time.Now()))
	require.NoError(t, st.IncrementOutboxRetries(ctx, batch[1].ID))

	rest, err := st.ListPendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, batch[1].ID, rest[0].ID)
	assert.Equal(t, 1, rest[0].Retries)

	assert.True(t, shop.IsNotFound(st.AckOutbox(ctx, 999, time.Now())))
}

func TestSubmitJobSheet_OnSQLite(t *testing.T) {
	// GIVEN: A SQLite-backed service with a party, a machine and stock
	// WHEN: A job sheet is submitted and later rolled back
	// THEN: Every table ends where it started, with the ledger explaining why

	ctx := context.Background()
	st := newStore(t)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := workflow.New(st, locks.NewLocal(), events.NewEmitter("jobsheet.events"), logger)

	p, err := svc.Parties().Create(ctx, shop.PartyInput{Name: "Acme Prints", OpeningBalance: dec("1000")})
	require.NoError(t, err)
	m, err := svc.Machines().Create(ctx, shop.MachineInput{Name: "Komori GL40"})
	require.NoError(t, err)
	it, err := svc.Inventory().Create(ctx, shop.InventoryItemInput{PaperTypeName: "Art Paper", GSM: 130, Quantity: 100})
	require.NoError(t, err)

	req := shop.JobSheetSubmission{
		JobDate: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), PartyID: &p.ID, PartyName: p.Name,
		Description: "Brochures", Plate: 4, Size: "23x36", SqInch: dec("828"), PaperSheet: 30, Imp: 2000,
		Rate: dec("0.25"), Printing: dec("500"),
		MachineID: &m.ID, AssignToMachine: true,
		InventoryItemID: &it.ID, UsedFromInventory: true,
		IdempotencyKey: "sqlite-req-1",
	}
	sub, err := svc.SubmitJobSheet(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, shop.JobAssigned, sub.Job.Status)

	balance, err := svc.Ledger().Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, dec("500").Equal(balance))

	again, err := svc.SubmitJobSheet(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, sub.Job.ID, again.Job.ID)

	require.NoError(t, sub.Rollback(ctx))

	balance, err = svc.Ledger().Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, dec("1000").Equal(balance))

	audit, err := svc.Ledger().Audit(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)

	machine, err := svc.Machines().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, machine.IsAvailable)

	item, err := svc.Inventory().Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), item.AvailableQuantity)
	assert.Equal(t, int64(100), item.CurrentQuantity)

	pending, err := st.ListPendingOutbox(ctx, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)
}
