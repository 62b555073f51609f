package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/jobsheet-engine/saga"
	"github.com/warp/jobsheet-engine/shop"
)

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) GetJob(ctx context.Context, id int64) (*shop.JobRecord, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, filter shop.JobFilter) ([]shop.JobRecord, error) {
	return s.store.ListJobs(ctx, filter)
}

// GetWorkflowStatus returns nil without error when the job exists but no
// status row was recorded yet.
func (s *Service) GetWorkflowStatus(ctx context.Context, jobID int64) (*shop.WorkflowStatus, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkflowStatus(ctx, jobID)
	if shop.IsNotFound(err) {
		return nil, nil
	}
	return ws, err
}

// =============================================================================
// STATUS ACTIONS
// =============================================================================

// UpdateJobStatus applies start, complete, cancel or update_notes.
// Completing or cancelling a job frees its machine slot. Consumed paper
// and ledger charges are left as they are.
func (s *Service) UpdateJobStatus(ctx context.Context, jobID int64, action shop.JobAction, notes string) (*shop.JobRecord, error) {
	if action == shop.ActionAssign {
		return nil, shop.Invalid("action", "use job assignment to assign a machine")
	}

	var (
		updated *shop.JobRecord
		freed   *int64
	)
	err := s.withJob(ctx, jobID, func(st shop.Store, job *shop.JobRecord, now time.Time) error {
		next, err := shop.Transition(*job, action, notes, now)
		if err != nil {
			return err
		}
		if job.MachineID != nil && (next.Status == shop.JobCompleted || next.Status == shop.JobCancelled) {
			freed = job.MachineID
		}
		if err := s.saveTransition(ctx, st, job.Status, &next, now); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if freed != nil {
		s.freeMachine(ctx, *freed, jobID)
	}
	return updated, nil
}

// AssignJob reserves machineID for a created job.
func (s *Service) AssignJob(ctx context.Context, jobID, machineID int64) (*shop.JobRecord, error) {
	unlock, err := s.locker.Lock(ctx, shop.JobLockKey(jobID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsDeleted {
		return nil, shop.Invalid("job", "job %d is deleted", jobID)
	}
	if job.Status != shop.JobCreated {
		return nil, &shop.InvalidTransitionError{JobID: jobID, From: job.Status, To: shop.JobAssigned}
	}
	if _, err := s.store.GetMachine(ctx, machineID); err != nil {
		return nil, referenceError("machine_id", err)
	}

	log := s.logger.WithFields(logrus.Fields{"job_id": jobID, "machine_id": machineID})
	sg := saga.New(log)
	var updated *shop.JobRecord

	steps := []saga.Step{
		{
			Name:   "reserve_machine",
			Action: func(ctx context.Context) error { _, err := s.machines.Reserve(ctx, machineID); return err },
			Compensate: func(ctx context.Context) error {
				_, err := s.machines.Release(ctx, machineID)
				return err
			},
		},
		{
			Name: "assign_job",
			Action: func(ctx context.Context) error {
				return s.updateJob(ctx, jobID, func(st shop.Store, job *shop.JobRecord, now time.Time) error {
					candidate := *job
					candidate.MachineID = &machineID
					next, err := shop.Transition(candidate, shop.ActionAssign, "", now)
					if err != nil {
						return err
					}
					if err := s.saveTransition(ctx, st, job.Status, &next, now); err != nil {
						return err
					}
					updated = &next
					return nil
				})
			},
		},
	}
	for _, step := range steps {
		if err := sg.Run(ctx, step); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// ReassignJob moves an assigned or running job to another machine. The
// new slot is taken before the old one is freed.
func (s *Service) ReassignJob(ctx context.Context, jobID, newMachineID int64, reason string) (*shop.JobRecord, error) {
	reason = strings.TrimSpace(reason)

	unlock, err := s.locker.Lock(ctx, shop.JobLockKey(jobID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsDeleted {
		return nil, shop.Invalid("job", "job %d is deleted", jobID)
	}
	if job.Status != shop.JobAssigned && job.Status != shop.JobInProgress {
		return nil, shop.Invalid("status", "job %d is %s; only assigned or in-progress jobs can be reassigned", jobID, job.Status)
	}
	if job.MachineID != nil && *job.MachineID == newMachineID {
		return nil, shop.Invalid("machine_id", "job %d is already on machine %d", jobID, newMachineID)
	}
	if _, err := s.store.GetMachine(ctx, newMachineID); err != nil {
		return nil, referenceError("machine_id", err)
	}
	oldMachine := job.MachineID

	log := s.logger.WithFields(logrus.Fields{"job_id": jobID, "machine_id": newMachineID})
	sg := saga.New(log)
	var updated *shop.JobRecord

	steps := []saga.Step{
		{
			Name:   "reserve_machine",
			Action: func(ctx context.Context) error { _, err := s.machines.Reserve(ctx, newMachineID); return err },
			Compensate: func(ctx context.Context) error {
				_, err := s.machines.Release(ctx, newMachineID)
				return err
			},
		},
		{
			Name: "move_job",
			Action: func(ctx context.Context) error {
				return s.updateJob(ctx, jobID, func(st shop.Store, job *shop.JobRecord, now time.Time) error {
					job.MachineID = &newMachineID
					job.AssignedAt = &now
					job.OperatorNotes = appendNote(job.OperatorNotes, reassignNote(oldMachine, newMachineID, reason))
					job.UpdatedAt = now
					if err := s.saveTransition(ctx, st, job.Status, job, now); err != nil {
						return err
					}
					updated = job
					return nil
				})
			},
		},
	}
	for _, step := range steps {
		if err := sg.Run(ctx, step); err != nil {
			return nil, err
		}
	}

	if oldMachine != nil {
		s.freeMachine(ctx, *oldMachine, jobID)
	}
	return updated, nil
}

// ReleaseMachine takes an assigned job off its machine and back to created.
func (s *Service) ReleaseMachine(ctx context.Context, jobID int64) (*shop.JobRecord, error) {
	var (
		updated *shop.JobRecord
		freed   int64
	)
	err := s.withJob(ctx, jobID, func(st shop.Store, job *shop.JobRecord, now time.Time) error {
		if job.Status != shop.JobAssigned || job.MachineID == nil {
			return shop.Invalid("status", "job %d is %s; only assigned jobs hold a releasable machine", jobID, job.Status)
		}
		freed = *job.MachineID
		prev := job.Status
		job.MachineID = nil
		job.AssignedAt = nil
		job.Status = shop.JobCreated
		job.UpdatedAt = now
		if err := s.saveTransition(ctx, st, prev, job, now); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.freeMachine(ctx, freed, jobID)
	return updated, nil
}

// SoftDeleteJob hides a job that holds no machine. Its ledger and
// inventory history stay.
func (s *Service) SoftDeleteJob(ctx context.Context, jobID int64, reason, actor string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return shop.Invalid("reason", "is required")
	}
	return s.withJob(ctx, jobID, func(st shop.Store, job *shop.JobRecord, now time.Time) error {
		if job.Status == shop.JobAssigned || job.Status == shop.JobInProgress {
			return shop.Invalid("status", "job %d is %s; release or finish it first", jobID, job.Status)
		}
		job.IsDeleted = true
		job.DeletedAt = &now
		job.DeletionReason = reason
		job.DeletedBy = actor
		job.UpdatedAt = now
		return st.UpdateJob(ctx, job)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// withJob holds the job lock and runs fn on a fresh, live copy of the job
// inside one store transaction.
func (s *Service) withJob(ctx context.Context, jobID int64, fn func(shop.Store, *shop.JobRecord, time.Time) error) error {
	unlock, err := s.locker.Lock(ctx, shop.JobLockKey(jobID))
	if err != nil {
		return err
	}
	defer unlock()
	return s.updateJob(ctx, jobID, fn)
}

// updateJob is withJob for callers that already hold the job lock.
func (s *Service) updateJob(ctx context.Context, jobID int64, fn func(shop.Store, *shop.JobRecord, time.Time) error) error {
	return s.store.WithTx(ctx, func(st shop.Store) error {
		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.IsDeleted {
			return shop.Invalid("job", "job %d is deleted", jobID)
		}
		return fn(st, job, s.now().UTC())
	})
}

// saveTransition persists job, mirrors it into the workflow status and
// records a status_changed event when the status moved.
func (s *Service) saveTransition(ctx context.Context, st shop.Store, from shop.JobStatus, job *shop.JobRecord, now time.Time) error {
	if err := st.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := syncWorkflowStatus(ctx, st, job, now, ""); err != nil {
		return err
	}
	if s.events == nil {
		return nil
	}
	return s.events.Record(ctx, st, shop.EventJobStatusChanged, fmt.Sprint(job.ID), map[string]any{
		"job_id":     job.ID,
		"from":       from,
		"to":         job.Status,
		"machine_id": job.MachineID,
	})
}

// freeMachine releases a slot after the job change committed. A failure
// leaves the machine busy, so it is logged for manual release.
func (s *Service) freeMachine(ctx context.Context, machineID, jobID int64) {
	if _, err := s.machines.Release(ctx, machineID); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id":     jobID,
			"machine_id": machineID,
			"alert":      "machine_release_failed",
		}).Error("machine slot not released")
	}
}

// syncWorkflowStatus mirrors job into its workflow status row, creating
// the row if the submission never recorded one.
func syncWorkflowStatus(ctx context.Context, st shop.Store, job *shop.JobRecord, now time.Time, note string) error {
	ws, err := st.GetWorkflowStatus(ctx, job.ID)
	if shop.IsNotFound(err) {
		ws = &shop.WorkflowStatus{JobID: job.ID, PartyID: job.PartyID, CreatedAt: now}
		if job.PartyID != nil {
			ws.ChargeAmount = job.TotalCost()
		}
	} else if err != nil {
		return err
	}
	ws.Status = job.Status
	ws.MachineID = job.MachineID
	ws.UpdatedAt = now
	if note != "" {
		ws.LastError = note
	}
	return st.UpsertWorkflowStatus(ctx, ws)
}

func reassignNote(from *int64, to int64, reason string) string {
	note := fmt.Sprintf("reassigned to machine %d", to)
	if from != nil {
		note = fmt.Sprintf("reassigned from machine %d to %d", *from, to)
	}
	if reason != "" {
		note += ": " + reason
	}
	return note
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
