/*
scheduler.go - Background reconciliation of non-fatal workflow steps

PURPOSE:
  Steps 7 and 8 of a submission may fail without failing the submission.
  The scheduler closes those gaps and checks the ledgers for drift.

EACH RUN:
  1. Applies every pending charge (workflow status with balance_updated
     false). Charges are keyed by job id, so a charge that did land but
     was not recorded is found rather than applied twice.
  2. Creates workflow status rows for live jobs that have none.
  3. Audits every party ledger and logs drift at error level.

USAGE:
  scheduler := workflow.NewScheduler(svc)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/jobsheet-engine/shop"
)

// RunReport summarizes one reconciliation pass.
type RunReport struct {
	ChargesApplied      int
	ChargesFailed       int
	StatusesCreated     int
	PartiesAudited      int
	InconsistentParties []int64
}

type Scheduler struct {
	svc           *Service
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{
		svc:           svc,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *Scheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	log := rs.svc.logger.WithField("component", "scheduler")
	if !rs.Enabled {
		log.Info("scheduler disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)
	go rs.run()

	log.WithField("interval", rs.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for a running pass.
func (rs *Scheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.svc.logger.WithField("component", "scheduler").Info("scheduler stopped")
	}
}

func (rs *Scheduler) run() {
	defer rs.wg.Done()

	rs.RunNow(context.Background())
	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass (for tests and admin triggers).
func (rs *Scheduler) RunNow(ctx context.Context) RunReport {
	var report RunReport
	log := rs.svc.logger.WithField("component", "scheduler")

	rs.retryCharges(ctx, log, &report)
	rs.backfillStatuses(ctx, log, &report)
	rs.auditLedgers(ctx, log, &report)

	if report.ChargesApplied > 0 || report.ChargesFailed > 0 || report.StatusesCreated > 0 || len(report.InconsistentParties) > 0 {
		log.WithFields(logrus.Fields{
			"charges_applied":  report.ChargesApplied,
			"charges_failed":   report.ChargesFailed,
			"statuses_created": report.StatusesCreated,
			"drifted_parties":  report.InconsistentParties,
		}).Info("reconciliation pass finished")
	}
	return report
}

func (rs *Scheduler) retryCharges(ctx context.Context, log logrus.FieldLogger, report *RunReport) {
	s := rs.svc
	pending, err := s.store.ListPendingCharges(ctx)
	if err != nil {
		log.WithError(err).Error("list pending charges")
		return
	}

	for _, ws := range pending {
		jlog := log.WithField("job_id", ws.JobID)
		applied, err := rs.applyPendingCharge(ctx, ws)
		if err != nil {
			jlog.WithError(err).Warn("charge retry failed")
			report.ChargesFailed++
			if !shop.IsNotFound(err) {
				rs.markCharge(ctx, jlog, ws.JobID, err.Error())
			}
			continue
		}
		if applied {
			rs.markCharge(ctx, jlog, ws.JobID, "")
			report.ChargesApplied++
		}
	}
}

// applyPendingCharge charges the party under the job lock, so a concurrent
// Rollback either sees the charge and reverses it or deletes the job first.
// Deleted jobs are skipped.
func (rs *Scheduler) applyPendingCharge(ctx context.Context, ws shop.WorkflowStatus) (bool, error) {
	s := rs.svc
	unlock, err := s.locker.Lock(ctx, shop.JobLockKey(ws.JobID))
	if err != nil {
		return false, err
	}
	defer unlock()

	job, err := s.store.GetJob(ctx, ws.JobID)
	if err != nil {
		return false, err
	}
	if job.IsDeleted {
		return false, nil
	}
	if _, err := s.ledger.Apply(ctx, chargeEntry(job, *ws.PartyID, ws.ChargeAmount)); err != nil {
		return false, err
	}
	return true, nil
}

// markCharge records the outcome of a charge retry on the status row.
func (rs *Scheduler) markCharge(ctx context.Context, log logrus.FieldLogger, jobID int64, failure string) {
	s := rs.svc
	err := s.store.WithTx(ctx, func(st shop.Store) error {
		ws, err := st.GetWorkflowStatus(ctx, jobID)
		if err != nil {
			return err
		}
		ws.BalanceUpdated = failure == ""
		ws.LastError = failure
		ws.UpdatedAt = s.now().UTC()
		return st.UpsertWorkflowStatus(ctx, ws)
	})
	if err != nil {
		log.WithError(err).Error("update workflow status after charge retry")
	}
}

func (rs *Scheduler) backfillStatuses(ctx context.Context, log logrus.FieldLogger, report *RunReport) {
	s := rs.svc
	jobs, err := s.store.ListJobs(ctx, shop.JobFilter{})
	if err != nil {
		log.WithError(err).Error("list jobs")
		return
	}
	for i := range jobs {
		job := &jobs[i]
		if _, err := s.store.GetWorkflowStatus(ctx, job.ID); err == nil || !shop.IsNotFound(err) {
			continue
		}
		err := s.store.WithTx(ctx, func(st shop.Store) error {
			return syncWorkflowStatus(ctx, st, job, s.now().UTC(), "recorded by reconciliation")
		})
		if err != nil {
			log.WithError(err).WithField("job_id", job.ID).Warn("backfill workflow status")
			continue
		}
		report.StatusesCreated++
	}
}

func (rs *Scheduler) auditLedgers(ctx context.Context, log logrus.FieldLogger, report *RunReport) {
	s := rs.svc
	parties, err := s.store.ListParties(ctx)
	if err != nil {
		log.WithError(err).Error("list parties")
		return
	}
	for _, p := range parties {
		audit, err := s.ledger.Audit(ctx, p.ID)
		if err != nil {
			log.WithError(err).WithField("party_id", p.ID).Warn("audit ledger")
			continue
		}
		report.PartiesAudited++
		if !audit.Consistent {
			report.InconsistentParties = append(report.InconsistentParties, p.ID)
			log.WithFields(logrus.Fields{
				"party_id":     p.ID,
				"cached":       audit.Cached.String(),
				"folded":       audit.Folded.String(),
				"chain_breaks": audit.ChainBreaks,
				"alert":        "ledger_drift",
			}).Error("party balance does not match ledger")
		}
	}
}

// NextRunTime returns when the next scheduled check will occur.
func (rs *Scheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
