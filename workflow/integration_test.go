package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/jobsheet-engine/events"
	"github.com/warp/jobsheet-engine/locks"
	"github.com/warp/jobsheet-engine/shop"
	"github.com/warp/jobsheet-engine/shop/store"
	"github.com/warp/jobsheet-engine/workflow"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type harness struct {
	svc   *workflow.Service
	store *store.Memory
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	mem := store.NewMemory()
	svc := workflow.New(mem, locks.NewLocal(), events.NewEmitter("jobsheet.events"), logger)
	return &harness{svc: svc, store: mem, ctx: context.Background()}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func (h *harness) party(t *testing.T, opening string) *shop.Party {
	t.Helper()
	p, err := h.svc.Parties().Create(h.ctx, shop.PartyInput{Name: "Acme Prints", OpeningBalance: dec(opening)})
	require.NoError(t, err)
	return p
}

func (h *harness) machine(t *testing.T, status shop.MachineStatus) *shop.Machine {
	t.Helper()
	m, err := h.svc.Machines().Create(h.ctx, shop.MachineInput{Name: "Komori GL40", Status: status})
	require.NoError(t, err)
	return m
}

func (h *harness) item(t *testing.T, qty int64) *shop.InventoryItem {
	t.Helper()
	it, err := h.svc.Inventory().Create(h.ctx, shop.InventoryItemInput{PaperTypeName: "Art Paper", GSM: 130, Quantity: qty})
	require.NoError(t, err)
	return it
}

func (h *harness) jobCount(t *testing.T) int {
	t.Helper()
	jobs, err := h.store.ListJobs(h.ctx, shop.JobFilter{IncludeDeleted: true})
	require.NoError(t, err)
	return len(jobs)
}

func submission() shop.JobSheetSubmission {
	return shop.JobSheetSubmission{
		JobDate:     time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
		PartyName:   "Acme Prints",
		Description: "Brochures A4",
		Plate:       4,
		Size:        "23x36",
		SqInch:      dec("828"),
		PaperSheet:  50,
		Imp:         2000,
		Rate:        dec("0.25"),
		Printing:    dec("500"),
	}
}

func withParty(s shop.JobSheetSubmission, p *shop.Party) shop.JobSheetSubmission {
	s.PartyID = &p.ID
	s.PartyName = p.Name
	return s
}

func withMachine(s shop.JobSheetSubmission, m *shop.Machine) shop.JobSheetSubmission {
	s.MachineID = &m.ID
	s.AssignToMachine = true
	return s
}

func withInventory(s shop.JobSheetSubmission, it *shop.InventoryItem, sheets int64) shop.JobSheetSubmission {
	s.InventoryItemID = &it.ID
	s.UsedFromInventory = true
	s.PaperSheet = sheets
	return s
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestSubmit_HappyPath_ChargesParty(t *testing.T) {
	// GIVEN: Party P with balance 1000
	// WHEN: Submitting a job with printing=500 and no machine or inventory
	// THEN: Job is created, balance is 500, one order of 500 with balance_after 500

	h := newHarness(t)
	p := h.party(t, "1000")

	sub, err := h.svc.SubmitJobSheet(h.ctx, withParty(submission(), p))
	require.NoError(t, err)
	require.NotNil(t, sub.Job)
	assert.Equal(t, shop.JobCreated, sub.Job.Status)
	assert.Nil(t, sub.Job.MachineID)
	assert.NotEmpty(t, sub.AttemptID)
	assert.Empty(t, sub.Warnings)

	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "500", balance)

	txs, err := h.svc.Ledger().Statement(h.ctx, p.ID, false)
	require.NoError(t, err)
	var orders []shop.PartyTransaction
	for _, tx := range txs {
		if tx.Type == shop.TxOrder {
			orders = append(orders, tx)
		}
	}
	require.Len(t, orders, 1)
	assertDec(t, "500", orders[0].Amount)
	assertDec(t, "500", orders[0].BalanceAfter)
	require.NotNil(t, orders[0].JobID)
	assert.Equal(t, sub.Job.ID, *orders[0].JobID)

	ws, err := h.svc.GetWorkflowStatus(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.True(t, ws.BalanceUpdated)
	assert.False(t, ws.InventoryConsumed)
	assert.Equal(t, sub.AttemptID, ws.AttemptID)
}

func TestSubmit_TotalCostIncludesUVAndBaking(t *testing.T) {
	h := newHarness(t)
	p := h.party(t, "0")

	req := withParty(submission(), p)
	req.UV = dec("40.50")
	req.Baking = dec("9.50")
	_, err := h.svc.SubmitJobSheet(h.ctx, req)
	require.NoError(t, err)

	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "-550", balance)
}

func TestSubmit_MachineInMaintenance_Rejected(t *testing.T) {
	// GIVEN: A machine in maintenance
	// WHEN: Submitting with assign_to_machine on that machine
	// THEN: Failure naming the machine, no job, balance unchanged

	h := newHarness(t)
	p := h.party(t, "1000")
	m := h.machine(t, shop.MachineMaintenance)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withMachine(withParty(submission(), p), m))
	require.Error(t, err)
	assert.Nil(t, sub)
	assert.True(t, shop.IsUnavailable(err))
	assert.Contains(t, err.Error(), "machine")

	assert.Equal(t, 0, h.jobCount(t))
	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "1000", balance)
}

func TestSubmit_InventoryDebtAllowed(t *testing.T) {
	// GIVEN: An item with 10 sheets available
	// WHEN: Submitting a job that consumes 50 sheets from it
	// THEN: Success; available is -40 and reported as backorder

	h := newHarness(t)
	it := h.item(t, 10)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withInventory(submission(), it, 50))
	require.NoError(t, err)
	assert.Equal(t, int64(40), sub.Backorder)
	assert.NotEmpty(t, sub.Warnings)

	after, err := h.svc.Inventory().Get(h.ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-40), after.AvailableQuantity)
	assert.Equal(t, int64(-40), after.CurrentQuantity)
	assert.Equal(t, int64(0), after.ReservedQuantity)

	ws, err := h.svc.GetWorkflowStatus(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.True(t, ws.InventoryConsumed)
}

func TestSubmit_WithMachine_AssignsJob(t *testing.T) {
	h := newHarness(t)
	m := h.machine(t, shop.MachineActive)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m))
	require.NoError(t, err)
	assert.Equal(t, shop.JobAssigned, sub.Job.Status)
	require.NotNil(t, sub.Job.MachineID)
	assert.Equal(t, m.ID, *sub.Job.MachineID)
	assert.NotNil(t, sub.Job.AssignedAt)

	after, err := h.svc.Machines().Get(h.ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, after.IsAvailable)
	assert.Equal(t, 1, after.CurrentJobCount)
}

func TestSubmit_UnknownReferencesAreValidationErrors(t *testing.T) {
	h := newHarness(t)

	req := submission()
	req.PartyID = shop.Ptr(int64(404))
	_, err := h.svc.SubmitJobSheet(h.ctx, req)
	assert.ErrorIs(t, err, shop.ErrValidation)

	req = withInventory(submission(), &shop.InventoryItem{ID: 404}, 10)
	_, err = h.svc.SubmitJobSheet(h.ctx, req)
	assert.ErrorIs(t, err, shop.ErrValidation)

	req = withMachine(submission(), &shop.Machine{ID: 404})
	_, err = h.svc.SubmitJobSheet(h.ctx, req)
	assert.ErrorIs(t, err, shop.ErrValidation)

	bad := submission()
	bad.Printing = dec("0")
	_, err = h.svc.SubmitJobSheet(h.ctx, bad)
	assert.ErrorIs(t, err, shop.ErrValidation)

	assert.Equal(t, 0, h.jobCount(t))
}

// =============================================================================
// SAGA ATOMICITY
// =============================================================================

func TestSubmit_FatalStepFailure_RestoresResources(t *testing.T) {
	// GIVEN: Inventory and machine reservations that succeed
	// WHEN: Step 4, 5 or 6 fails
	// THEN: No job exists, the machine is available again and the
	//       item's available/reserved quantities are back to where they were

	faults := map[string]string{
		"create_job":        "CreateJob",
		"consume_inventory": "AppendInventoryTransaction:out",
		"assign_machine":    "UpdateJob",
	}

	for step, op := range faults {
		t.Run(step, func(t *testing.T) {
			h := newHarness(t)
			p := h.party(t, "1000")
			m := h.machine(t, shop.MachineActive)
			it := h.item(t, 100)

			h.store.SetFault(op, errors.New("injected"))
			sub, err := h.svc.SubmitJobSheet(h.ctx, withInventory(withMachine(withParty(submission(), p), m), it, 30))
			h.store.SetFault(op, nil)

			require.Error(t, err)
			assert.Nil(t, sub)
			assert.ErrorIs(t, err, shop.ErrFatalStep)
			var stepErr *shop.StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, step, stepErr.Step)

			assert.Equal(t, 0, h.jobCount(t), "no job record")

			machine, err := h.svc.Machines().Get(h.ctx, m.ID)
			require.NoError(t, err)
			assert.True(t, machine.IsAvailable)
			assert.Equal(t, 0, machine.CurrentJobCount)

			item, err := h.svc.Inventory().Get(h.ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, it.AvailableQuantity, item.AvailableQuantity)
			assert.Equal(t, it.ReservedQuantity, item.ReservedQuantity)
			assert.Equal(t, it.CurrentQuantity, item.CurrentQuantity)

			balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
			require.NoError(t, err)
			assertDec(t, "1000", balance)
		})
	}
}

// flakyLocker fails the Nth lock of one key.
type flakyLocker struct {
	shop.Locker
	key    string
	failOn int

	mu    sync.Mutex
	calls int
}

func (l *flakyLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == l.key {
		l.mu.Lock()
		l.calls++
		n := l.calls
		l.mu.Unlock()
		if n == l.failOn {
			return nil, errors.New("lock service unreachable")
		}
	}
	return l.Locker.Lock(ctx, key)
}

func TestSubmit_FailedCompensationStillRunsOthers(t *testing.T) {
	// GIVEN: Job insert fails and the machine release cannot take its lock
	// WHEN: The saga unwinds
	// THEN: The inventory reservation is still released and the machine
	//       stays busy for manual release

	h := newHarness(t)
	m := h.machine(t, shop.MachineActive)
	it := h.item(t, 100)

	locker := &flakyLocker{Locker: locks.NewLocal(), key: shop.MachineLockKey(m.ID), failOn: 2}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := workflow.New(h.store, locker, events.NewEmitter("jobsheet.events"), logger)

	h.store.SetFault("CreateJob", errors.New("insert failed"))
	_, err := svc.SubmitJobSheet(h.ctx, withInventory(withMachine(submission(), m), it, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, shop.ErrFatalStep)

	item, err := h.svc.Inventory().Get(h.ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), item.AvailableQuantity)
	assert.Equal(t, int64(0), item.ReservedQuantity)

	machine, err := h.svc.Machines().Get(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, machine.CurrentJobCount)
}

// =============================================================================
// NON-FATAL STEPS
// =============================================================================

func TestSubmit_LedgerFailureIsNonFatal(t *testing.T) {
	// GIVEN: The ledger insert is failing
	// WHEN: Submitting a charged job
	// THEN: The job is created, no ledger row exists, and the workflow
	//       status shows the charge as pending until the scheduler applies it

	h := newHarness(t)
	p := h.party(t, "1000")

	h.store.SetFault("AppendPartyTransaction", errors.New("ledger offline"))
	sub, err := h.svc.SubmitJobSheet(h.ctx, withParty(submission(), p))
	require.NoError(t, err)
	require.NotNil(t, sub.Job)
	require.NotEmpty(t, sub.Warnings)

	txs, err := h.svc.Ledger().Statement(h.ctx, p.ID, true)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the opening adjustment")

	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "1000", balance)

	ws, err := h.svc.GetWorkflowStatus(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.False(t, ws.BalanceUpdated)
	assert.NotEmpty(t, ws.LastError)

	// Ledger back: the scheduler applies the pending charge once.
	h.store.SetFault("AppendPartyTransaction", nil)
	sched := workflow.NewScheduler(h.svc)
	report := sched.RunNow(h.ctx)
	assert.Equal(t, 1, report.ChargesApplied)
	assert.Empty(t, report.InconsistentParties)

	balance, err = h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "500", balance)

	ws, err = h.svc.GetWorkflowStatus(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.True(t, ws.BalanceUpdated)

	report = sched.RunNow(h.ctx)
	assert.Equal(t, 0, report.ChargesApplied)
	balance, err = h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "500", balance)
}

func TestSubmit_WorkflowStatusFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)

	h.store.SetFault("UpsertWorkflowStatus", errors.New("status table locked"))
	sub, err := h.svc.SubmitJobSheet(h.ctx, submission())
	require.NoError(t, err)
	h.store.SetFault("UpsertWorkflowStatus", nil)

	ws, err := h.svc.GetWorkflowStatus(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.Nil(t, ws)

	report := workflow.NewScheduler(h.svc).RunNow(h.ctx)
	assert.Equal(t, 1, report.StatusesCreated)

	ws, err = h.svc.GetWorkflowStatus(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.Equal(t, shop.JobCreated, ws.Status)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestSubmit_IdempotencyKeyReturnsSameJob(t *testing.T) {
	h := newHarness(t)
	p := h.party(t, "1000")
	it := h.item(t, 100)

	req := withInventory(withParty(submission(), p), it, 20)
	req.IdempotencyKey = "client-req-17"

	first, err := h.svc.SubmitJobSheet(h.ctx, req)
	require.NoError(t, err)
	second, err := h.svc.SubmitJobSheet(h.ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, h.jobCount(t))

	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "500", balance)

	item, err := h.svc.Inventory().Get(h.ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), item.CurrentQuantity)

	assert.ErrorIs(t, second.Rollback(h.ctx), shop.ErrValidation)
}

func TestSubmit_WithoutKeyCreatesTwoJobs(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SubmitJobSheet(h.ctx, submission())
	require.NoError(t, err)
	_, err = h.svc.SubmitJobSheet(h.ctx, submission())
	require.NoError(t, err)
	assert.Equal(t, 2, h.jobCount(t))
}

// =============================================================================
// AFTER-THE-FACT ROLLBACK
// =============================================================================

func TestSubmission_RollbackReversesEverything(t *testing.T) {
	// GIVEN: A committed submission that charged a party, took a machine
	//        slot and consumed 30 sheets
	// WHEN: Its Rollback closure is called
	// THEN: Balance, machine and stock are back, the job is soft-deleted,
	//       and the ledger still explains every change

	h := newHarness(t)
	p := h.party(t, "1000")
	m := h.machine(t, shop.MachineActive)
	it := h.item(t, 100)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withInventory(withMachine(withParty(submission(), p), m), it, 30))
	require.NoError(t, err)

	require.NoError(t, sub.Rollback(h.ctx))

	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "1000", balance)

	audit, err := h.svc.Ledger().Audit(h.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)

	machine, err := h.svc.Machines().Get(h.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, machine.IsAvailable)

	item, err := h.svc.Inventory().Get(h.ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), item.CurrentQuantity)
	assert.Equal(t, int64(100), item.AvailableQuantity)
	assert.Equal(t, int64(0), item.ReservedQuantity)

	job, err := h.svc.GetJob(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.True(t, job.IsDeleted)
	assert.Nil(t, job.MachineID)

	pending, err := h.store.ListPendingOutbox(h.ctx, 100)
	require.NoError(t, err)
	var rolledBack bool
	for _, msg := range pending {
		if msg.Type == shop.EventJobRolledBack {
			rolledBack = true
		}
	}
	assert.True(t, rolledBack)

	assert.Error(t, sub.Rollback(h.ctx), "second rollback is refused")
}

func TestSubmission_RollbackAfterCompletionLeavesMachineAlone(t *testing.T) {
	h := newHarness(t)
	m := h.machine(t, shop.MachineActive)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m))
	require.NoError(t, err)
	_, err = h.svc.UpdateJobStatus(h.ctx, sub.Job.ID, shop.ActionStart, "")
	require.NoError(t, err)
	_, err = h.svc.UpdateJobStatus(h.ctx, sub.Job.ID, shop.ActionComplete, "")
	require.NoError(t, err)

	// Another job now holds the machine.
	other, err := h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m))
	require.NoError(t, err)

	require.NoError(t, sub.Rollback(h.ctx))

	machine, err := h.svc.Machines().Get(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, machine.CurrentJobCount, "the other job keeps its slot")
	assert.False(t, machine.IsAvailable)
	assert.NotNil(t, other.Job.MachineID)
}

func (h *harness) assertMachine(t *testing.T, id int64, count int, available bool) {
	t.Helper()
	m, err := h.svc.Machines().Get(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, count, m.CurrentJobCount, "machine %d job count", id)
	assert.Equal(t, available, m.IsAvailable, "machine %d availability", id)
}

func TestSubmission_RollbackAfterReassignFreesCurrentMachine(t *testing.T) {
	// GIVEN: A job submitted on m1, reassigned to m2, and a second job on m1
	// WHEN: The first submission is rolled back
	// THEN: m2 is freed and m1 stays with the second job

	h := newHarness(t)
	m1 := h.machine(t, shop.MachineActive)
	m2 := h.machine(t, shop.MachineActive)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m1))
	require.NoError(t, err)
	_, err = h.svc.ReassignJob(h.ctx, sub.Job.ID, m2.ID, "m1 needs a new blanket")
	require.NoError(t, err)

	other, err := h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m1))
	require.NoError(t, err)

	require.NoError(t, sub.Rollback(h.ctx))

	h.assertMachine(t, m1.ID, 1, false)
	h.assertMachine(t, m2.ID, 0, true)

	otherJob, err := h.svc.GetJob(h.ctx, other.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, otherJob.MachineID)
	assert.Equal(t, m1.ID, *otherJob.MachineID)
}

func TestSubmission_RollbackAfterAssignFreesMachine(t *testing.T) {
	// GIVEN: A job submitted without a machine and assigned one later
	// WHEN: The submission is rolled back
	// THEN: The machine is free again and the deleted job holds nothing

	h := newHarness(t)
	m := h.machine(t, shop.MachineActive)

	sub, err := h.svc.SubmitJobSheet(h.ctx, submission())
	require.NoError(t, err)
	_, err = h.svc.AssignJob(h.ctx, sub.Job.ID, m.ID)
	require.NoError(t, err)
	h.assertMachine(t, m.ID, 1, false)

	require.NoError(t, sub.Rollback(h.ctx))

	h.assertMachine(t, m.ID, 0, true)
	job, err := h.svc.GetJob(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.True(t, job.IsDeleted)
	assert.Nil(t, job.MachineID)
}

func TestSubmission_RollbackAfterReleaseLeavesMachineAlone(t *testing.T) {
	h := newHarness(t)
	m := h.machine(t, shop.MachineActive)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m))
	require.NoError(t, err)
	_, err = h.svc.ReleaseMachine(h.ctx, sub.Job.ID)
	require.NoError(t, err)

	_, err = h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m))
	require.NoError(t, err)

	require.NoError(t, sub.Rollback(h.ctx))
	h.assertMachine(t, m.ID, 1, false)
}

func TestSubmission_RollbackReversesChargeAppliedByScheduler(t *testing.T) {
	// GIVEN: A submission whose charge failed and was applied by the scheduler
	// WHEN: The submission is rolled back
	// THEN: The balance is back to 1000 and the ledger still folds to it

	h := newHarness(t)
	p := h.party(t, "1000")

	h.store.SetFault("AppendPartyTransaction", errors.New("ledger offline"))
	sub, err := h.svc.SubmitJobSheet(h.ctx, withParty(submission(), p))
	require.NoError(t, err)
	h.store.SetFault("AppendPartyTransaction", nil)

	sched := workflow.NewScheduler(h.svc)
	require.Equal(t, 1, sched.RunNow(h.ctx).ChargesApplied)

	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "500", balance)

	require.NoError(t, sub.Rollback(h.ctx))

	balance, err = h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "1000", balance)

	audit, err := h.svc.Ledger().Audit(h.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)

	report := sched.RunNow(h.ctx)
	assert.Equal(t, 0, report.ChargesApplied, "a rolled-back job is never charged again")
}

func TestSubmission_RollbackWithoutChargeSkipsReversal(t *testing.T) {
	h := newHarness(t)
	p := h.party(t, "1000")

	h.store.SetFault("AppendPartyTransaction", errors.New("ledger offline"))
	sub, err := h.svc.SubmitJobSheet(h.ctx, withParty(submission(), p))
	require.NoError(t, err)
	h.store.SetFault("AppendPartyTransaction", nil)

	require.NoError(t, sub.Rollback(h.ctx))

	txs, err := h.svc.Ledger().Statement(h.ctx, p.ID, true)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the opening adjustment")

	report := workflow.NewScheduler(h.svc).RunNow(h.ctx)
	assert.Equal(t, 0, report.ChargesApplied)
}

func TestSubmission_RollbackRetriesFailedSteps(t *testing.T) {
	// GIVEN: A committed submission holding a machine, and machine writes failing
	// WHEN: Rollback is called, the fault clears, and Rollback is called again
	// THEN: The first call reports the failure, the second frees the machine,
	//       and a third call is refused

	h := newHarness(t)
	m := h.machine(t, shop.MachineActive)

	sub, err := h.svc.SubmitJobSheet(h.ctx, withMachine(submission(), m))
	require.NoError(t, err)

	h.store.SetFault("UpdateMachine", errors.New("machine row locked"))
	err = sub.Rollback(h.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, shop.ErrRollback)
	h.assertMachine(t, m.ID, 1, false)

	job, err := h.svc.GetJob(h.ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.True(t, job.IsDeleted)

	h.store.SetFault("UpdateMachine", nil)
	require.NoError(t, sub.Rollback(h.ctx))
	h.assertMachine(t, m.ID, 0, true)

	assert.ErrorIs(t, sub.Rollback(h.ctx), shop.ErrValidation)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSubmit_ConcurrentSubmissionsShareOneMachineSlot(t *testing.T) {
	// GIVEN: One active single-slot machine
	// WHEN: Ten submissions race for it
	// THEN: Exactly one gets it, the rest fail as unavailable with no jobs left behind

	h := newHarness(t)
	m := h.machine(t, shop.MachineActive)
	it := h.item(t, 1000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitJobSheet(h.ctx, withInventory(withMachine(submission(), m), it, 10))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			assert.True(t, shop.IsUnavailable(err), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, h.jobCount(t))

	item, err := h.svc.Inventory().Get(h.ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(990), item.CurrentQuantity)
	assert.Equal(t, int64(990), item.AvailableQuantity)
	assert.Equal(t, int64(0), item.ReservedQuantity)
}

func TestSubmit_ConcurrentInventoryUseLosesNoUpdates(t *testing.T) {
	h := newHarness(t)
	it := h.item(t, 100)
	p := h.party(t, "0")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitJobSheet(h.ctx, withInventory(withParty(submission(), p), it, 5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	item, err := h.svc.Inventory().Get(h.ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.CurrentQuantity)
	assert.Equal(t, int64(0), item.AvailableQuantity)
	assert.Equal(t, int64(0), item.ReservedQuantity)

	balance, err := h.svc.Ledger().Balance(h.ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "-10000", balance)
}
