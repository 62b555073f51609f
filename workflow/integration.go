/*
Package workflow coordinates job-sheet submissions across inventory,
machines, jobs and the party ledger.

PURPOSE:
  SubmitJobSheet applies one submission to four stores that do not share
  a transaction. Each step is a saga step with a compensation; a failure
  in steps 1-6 unwinds what already happened, newest first.

SUBMISSION STEPS:
  1. validate           party, inventory item and machine exist and fit
  2. reserve_inventory  only when sheets come from stock
  3. reserve_machine    only when a machine is requested
  4. create_job         status assigned when a machine was reserved
  5. consume_inventory  reservation becomes an out movement for the job
  6. assign_machine     stamps assigned_at
  7. charge_party       NON-FATAL: order entry for printing + uv + baking
  8. record_workflow    NON-FATAL: workflow status row

  Steps 7 and 8 failing leaves a successful submission with a pending
  WorkflowStatus (balance_updated=false). The Scheduler retries those.

IDEMPOTENCY:
  A submission with an idempotency_key that already produced a job returns
  that job with no side effects. The ledger charge is keyed by job id, so
  retries of step 7 cannot charge twice.

AFTER-THE-FACT ROLLBACK:
  Submission.Rollback reverses a committed submission: the charge is
  offset by an adjustment (also when the scheduler applied it later),
  consumed sheets are returned and the reservation released, whichever
  machine the job holds at that moment is freed, and the job is
  soft-deleted because the ledger references it. When a compensation
  fails, calling Rollback again retries the failed ones.

SEE ALSO:
  - jobs.go: Status actions and machine (re)assignment
  - scheduler.go: Background retry of non-fatal steps
  - saga/saga.go: Step runner
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/jobsheet-engine/saga"
	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service is built once at startup and shared by every request.
type Service struct {
	store  shop.TxStore
	locker shop.Locker
	events shop.EventSink
	logger logrus.FieldLogger

	ledger    *shop.Ledger
	parties   *shop.Parties
	inventory *shop.Inventory
	machines  *shop.Machines

	now func() time.Time
}

func New(store shop.TxStore, locker shop.Locker, events shop.EventSink, logger logrus.FieldLogger) *Service {
	if locker == nil {
		locker = shop.NopLocker{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ledger := shop.NewLedger(store, locker, events)
	return &Service{
		store:     store,
		locker:    locker,
		events:    events,
		logger:    logger.WithField("module", "workflow"),
		ledger:    ledger,
		parties:   shop.NewParties(store, locker, ledger),
		inventory: shop.NewInventory(store, locker),
		machines:  shop.NewMachines(store, locker),
		now:       time.Now,
	}
}

// SetClock replaces the time source of the service and its components.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.ledger.Now = now
	s.parties.Now = now
	s.inventory.Now = now
	s.machines.Now = now
}

func (s *Service) Ledger() *shop.Ledger       { return s.ledger }
func (s *Service) Parties() *shop.Parties     { return s.parties }
func (s *Service) Inventory() *shop.Inventory { return s.inventory }
func (s *Service) Machines() *shop.Machines   { return s.machines }

// =============================================================================
// SUBMISSION RESULT
// =============================================================================

type Submission struct {
	Job       *shop.JobRecord
	AttemptID string

	// Duplicate is set when the idempotency key matched an earlier job.
	Duplicate bool

	// Backorder is how many sheets the inventory item is short after this job.
	Backorder int64

	// Warnings lists non-fatal step failures.
	Warnings []string

	// Rollback compensates the whole submission after the fact. It runs at
	// most once.
	Rollback func(ctx context.Context) error
}

// submission carries the state produced by each step.
type submission struct {
	req       shop.JobSheetSubmission
	attemptID string
	log       logrus.FieldLogger
	saga      *saga.Saga

	reservation *shop.InventoryTransaction
	machineID   *int64
	job         *shop.JobRecord
	consumed    *shop.InventoryTransaction
	charge      *shop.PartyTransaction

	committed  bool
	rolledBack bool
	// heldMachine is the machine the job holds when an after-the-fact
	// unwind starts. It may differ from machineID after a reassign, an
	// assign or a release.
	heldMachine *int64
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitJobSheet runs the submission steps. Validation problems come back
// as shop.ErrValidation or shop.ErrResourceUnavailable with nothing
// written; failures of steps 2-6 come back as a fatal *shop.StepError
// after compensation.
func (s *Service) SubmitJobSheet(ctx context.Context, req shop.JobSheetSubmission) (*Submission, error) {
	if err := shop.ValidateSubmission(&req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.FindJobByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return s.duplicate(existing), nil
		}
		if !shop.IsNotFound(err) {
			return nil, err
		}
	}

	attemptID := uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{
		"attempt_id": attemptID,
		"party_id":   ptrValue(req.PartyID),
	})
	run := &submission{req: req, attemptID: attemptID, log: log, saga: saga.New(log)}

	if err := s.validateReferences(ctx, &req); err != nil {
		log.WithError(err).Info("submission rejected")
		return nil, err
	}

	steps := []saga.Step{
		{Name: "reserve_inventory", Action: s.reserveInventory(run), Compensate: s.releaseInventory(run)},
		{Name: "reserve_machine", Action: s.reserveMachine(run), Compensate: s.releaseMachine(run)},
		{Name: "create_job", Action: s.createJob(run), Compensate: s.removeJob(run)},
		{Name: "consume_inventory", Action: s.consumeInventory(run), Compensate: s.returnInventory(run)},
		{Name: "assign_machine", Action: s.assignMachine(run)},
	}
	for _, step := range steps {
		if err := run.saga.Run(ctx, step); err != nil {
			return s.failed(ctx, run, err)
		}
	}

	out := &Submission{AttemptID: attemptID}

	if err := run.saga.Run(ctx, saga.Step{Name: "charge_party", Action: s.chargeParty(run), NonFatal: true}); err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("ledger charge pending: %v", err))
	}
	// Registered even when the charge failed: the scheduler may apply it later.
	run.saga.Register("charge_party", s.reverseCharge(run))

	if err := run.saga.Run(ctx, saga.Step{Name: "record_workflow", Action: s.recordWorkflow(run, out.Warnings), NonFatal: true}); err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("workflow status not recorded: %v", err))
	}

	run.committed = true
	out.Job = run.job

	if run.reservation != nil {
		if item, err := s.inventory.Get(ctx, run.reservation.ItemID); err == nil && item.Backorder() > 0 {
			out.Backorder = item.Backorder()
			out.Warnings = append(out.Warnings, fmt.Sprintf("inventory item %d is short by %d sheets", item.ID, item.Backorder()))
		}
	}

	out.Rollback = func(ctx context.Context) error { return s.rollbackCommitted(ctx, run) }

	log.WithFields(logrus.Fields{
		"job_id": run.job.ID,
		"steps":  run.saga.Completed(),
	}).Info("job sheet submitted")
	return out, nil
}

func (s *Service) failed(ctx context.Context, run *submission, err error) (*Submission, error) {
	run.log.WithError(err).WithField("completed_steps", run.saga.Completed()).Warn("submission rolled back")

	// Lost an idempotency race at insert: the other request's job is the answer.
	if run.req.IdempotencyKey != "" && errors.Is(err, shop.ErrDuplicateIdempotencyKey) {
		if existing, findErr := s.store.FindJobByIdempotencyKey(ctx, run.req.IdempotencyKey); findErr == nil {
			return s.duplicate(existing), nil
		}
	}
	return nil, err
}

func (s *Service) duplicate(job *shop.JobRecord) *Submission {
	return &Submission{
		Job:       job,
		Duplicate: true,
		Rollback: func(context.Context) error {
			return shop.Invalid("idempotency_key", "only the original submission can be rolled back")
		},
	}
}

// =============================================================================
// STEP 1 - VALIDATE REFERENCES
// =============================================================================

func (s *Service) validateReferences(ctx context.Context, req *shop.JobSheetSubmission) error {
	if req.PartyID != nil {
		if _, err := s.store.GetParty(ctx, *req.PartyID); err != nil {
			return referenceError("party_id", err)
		}
	}
	if req.WantsInventory() {
		if _, err := s.store.GetInventoryItem(ctx, *req.InventoryItemID); err != nil {
			return referenceError("inventory_item_id", err)
		}
	}
	if req.WantsMachine() {
		m, err := s.store.GetMachine(ctx, *req.MachineID)
		if err != nil {
			return referenceError("machine_id", err)
		}
		if err := shop.CheckReservable(m); err != nil {
			return err
		}
	}
	return nil
}

// referenceError reports a missing referenced row as a validation failure.
func referenceError(field string, err error) error {
	var nf *shop.NotFoundError
	if errors.As(err, &nf) {
		return shop.Invalid(field, "%s %d does not exist", nf.Entity, nf.ID)
	}
	return err
}

// =============================================================================
// STEPS 2-6 - FATAL
// =============================================================================

func (s *Service) reserveInventory(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if !run.req.WantsInventory() {
			return nil
		}
		res, err := s.inventory.Reserve(ctx, *run.req.InventoryItemID, run.req.PaperSheet, run.attemptID)
		if err != nil {
			return err
		}
		run.reservation = res
		return nil
	}
}

func (s *Service) releaseInventory(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if run.reservation == nil {
			return nil
		}
		_, err := s.inventory.Release(ctx, run.reservation)
		return err
	}
}

func (s *Service) reserveMachine(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if !run.req.WantsMachine() {
			return nil
		}
		if _, err := s.machines.Reserve(ctx, *run.req.MachineID); err != nil {
			return err
		}
		run.machineID = run.req.MachineID
		return nil
	}
}

func (s *Service) releaseMachine(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		machineID := run.machineID
		if run.committed {
			// Completion, cancellation, release and reassign move the slot,
			// so only the machine the job holds now is freed.
			machineID = run.heldMachine
		}
		if machineID == nil {
			return nil
		}
		if _, err := s.machines.Release(ctx, *machineID); err != nil {
			return err
		}
		run.heldMachine = nil
		return nil
	}
}

func (s *Service) createJob(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		now := s.now().UTC()
		job := newJobRecord(run.req, now)
		if run.machineID != nil {
			job.Status = shop.JobAssigned
			job.MachineID = run.machineID
		}
		err := s.store.WithTx(ctx, func(st shop.Store) error {
			if err := st.CreateJob(ctx, job); err != nil {
				return err
			}
			return s.emit(ctx, st, shop.EventJobCreated, job.ID, job)
		})
		if err != nil {
			return err
		}
		run.job = job
		run.log = run.log.WithField("job_id", job.ID)
		return nil
	}
}

// removeJob deletes the job while the submission is in flight and
// soft-deletes it afterwards, since the ledger may reference it by then.
func (s *Service) removeJob(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if run.job == nil {
			return nil
		}
		if !run.committed {
			return s.store.WithTx(ctx, func(st shop.Store) error {
				return st.DeleteJob(ctx, run.job.ID)
			})
		}
		return s.store.WithTx(ctx, func(st shop.Store) error {
			job, err := st.GetJob(ctx, run.job.ID)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			if !job.Status.IsTerminal() {
				job.Status = shop.JobCancelled
			}
			job.MachineID = nil
			job.IsDeleted = true
			job.DeletedAt = &now
			job.DeletionReason = "submission rolled back"
			job.DeletedBy = "workflow"
			job.UpdatedAt = now
			if err := st.UpdateJob(ctx, job); err != nil {
				return err
			}
			if err := syncWorkflowStatus(ctx, st, job, now, "submission rolled back"); err != nil {
				return err
			}
			return s.emit(ctx, st, shop.EventJobRolledBack, job.ID, rolledBackPayload(job.ID, run.attemptID))
		})
	}
}

func (s *Service) consumeInventory(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if run.reservation == nil {
			return nil
		}
		out, err := s.inventory.Consume(ctx, run.reservation.ID, run.job.ID)
		if err != nil {
			return err
		}
		run.consumed = out
		return nil
	}
}

func (s *Service) returnInventory(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if run.consumed == nil {
			return nil
		}
		_, err := s.inventory.Return(ctx, run.consumed)
		return err
	}
}

func (s *Service) assignMachine(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if run.machineID == nil {
			return nil
		}
		return s.store.WithTx(ctx, func(st shop.Store) error {
			job, err := st.GetJob(ctx, run.job.ID)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			job.MachineID = run.machineID
			job.Status = shop.JobAssigned
			job.AssignedAt = &now
			job.UpdatedAt = now
			if err := st.UpdateJob(ctx, job); err != nil {
				return err
			}
			run.job = job
			return nil
		})
	}
}

// =============================================================================
// STEPS 7-8 - NON-FATAL
// =============================================================================

func chargeKey(jobID int64) string   { return fmt.Sprintf("job-%d-charge", jobID) }
func reversalKey(jobID int64) string { return fmt.Sprintf("job-%d-reversal", jobID) }

func (s *Service) chargeParty(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		total := run.req.TotalCost()
		if run.req.PartyID == nil || !total.IsPositive() {
			return nil
		}
		tx, err := s.ledger.Apply(ctx, chargeEntry(run.job, *run.req.PartyID, total))
		if err != nil {
			return err
		}
		run.charge = tx
		return nil
	}
}

func chargeEntry(job *shop.JobRecord, partyID int64, total decimal.Decimal) shop.LedgerEntry {
	return shop.LedgerEntry{
		PartyID:        partyID,
		Type:           shop.TxOrder,
		Amount:         total,
		Description:    fmt.Sprintf("job #%d: %s", job.ID, job.Description),
		JobID:          &job.ID,
		IdempotencyKey: chargeKey(job.ID),
	}
}

func (s *Service) reverseCharge(run *submission) func(context.Context) error {
	return func(ctx context.Context) error {
		if run.req.PartyID == nil {
			return nil
		}
		charge, err := s.store.FindPartyTransactionByKey(ctx, chargeKey(run.job.ID))
		if shop.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = s.ledger.Apply(ctx, shop.LedgerEntry{
			PartyID:        charge.PartyID,
			Type:           shop.TxAdjustment,
			Amount:         charge.SignedDelta().Neg(),
			Description:    fmt.Sprintf("reversal of job #%d charge", run.job.ID),
			JobID:          &run.job.ID,
			IdempotencyKey: reversalKey(run.job.ID),
		})
		return err
	}
}

func (s *Service) recordWorkflow(run *submission, warnings []string) func(context.Context) error {
	return func(ctx context.Context) error {
		now := s.now().UTC()
		ws := &shop.WorkflowStatus{
			JobID:             run.job.ID,
			Status:            run.job.Status,
			PartyID:           run.req.PartyID,
			MachineID:         run.job.MachineID,
			InventoryConsumed: run.consumed != nil,
			BalanceUpdated:    run.charge != nil,
			AttemptID:         run.attemptID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if run.req.PartyID != nil {
			ws.ChargeAmount = run.req.TotalCost()
		}
		if len(warnings) > 0 {
			ws.LastError = warnings[len(warnings)-1]
		}
		return s.store.WithTx(ctx, func(st shop.Store) error {
			return st.UpsertWorkflowStatus(ctx, ws)
		})
	}
}

// =============================================================================
// AFTER-THE-FACT ROLLBACK
// =============================================================================

// rollbackCommitted holds the job lock for the whole unwind, so status
// actions and the scheduler's charge retry see either the live job or the
// rolled-back one. A call after a partial failure retries only the
// compensations that failed.
func (s *Service) rollbackCommitted(ctx context.Context, run *submission) error {
	unlock, err := s.locker.Lock(ctx, shop.JobLockKey(run.job.ID))
	if err != nil {
		return err
	}
	defer unlock()

	if run.rolledBack {
		if run.saga.Pending() == 0 {
			return shop.Invalid("job", "job %d is already rolled back", run.job.ID)
		}
		run.log.Warn("retrying failed rollback steps")
	} else {
		job, err := s.store.GetJob(ctx, run.job.ID)
		if err != nil {
			return err
		}
		if job.IsDeleted {
			return shop.Invalid("job", "job %d is already deleted", job.ID)
		}
		if job.MachineID != nil && !job.Status.IsTerminal() {
			run.heldMachine = shop.Ptr(*job.MachineID)
		}
		run.rolledBack = true
		run.log.WithField("machine_id", ptrValue(run.heldMachine)).Info("rolling back committed submission")
	}

	if err := run.saga.Compensate(ctx); err != nil {
		return fmt.Errorf("roll back job %d: %w", run.job.ID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func newJobRecord(req shop.JobSheetSubmission, now time.Time) *shop.JobRecord {
	return &shop.JobRecord{
		JobDate:         req.JobDate.UTC(),
		PartyID:         req.PartyID,
		PartyName:       req.PartyName,
		Description:     req.Description,
		Plate:           req.Plate,
		Size:            req.Size,
		SqInch:          req.SqInch,
		PaperSheet:      req.PaperSheet,
		Imp:             req.Imp,
		Rate:            req.Rate,
		PrintingCost:    req.Printing,
		UVCost:          req.UV,
		BakingCost:      req.Baking,
		PaperTypeName:   req.PaperTypeName,
		PaperGSM:        req.PaperGSM,
		PaperSize:       req.PaperSize,
		PaperSource:     req.PaperSource,
		InventoryItemID: req.InventoryItemID,
		Status:          shop.JobCreated,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *Service) emit(ctx context.Context, st shop.OutboxStore, eventType string, jobID int64, payload any) error {
	if s.events == nil {
		return nil
	}
	return s.events.Record(ctx, st, eventType, fmt.Sprint(jobID), payload)
}

func rolledBackPayload(jobID int64, attemptID string) map[string]any {
	return map[string]any{"job_id": jobID, "attempt_id": attemptID}
}

func ptrValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
