package shop

import (
	"strings"
	"time"
)

// JobAction is an operator request against a job's lifecycle.
type JobAction string

const (
	ActionAssign      JobAction = "assign"
	ActionStart       JobAction = "start"
	ActionComplete    JobAction = "complete"
	ActionCancel      JobAction = "cancel"
	ActionUpdateNotes JobAction = "update_notes"
)

// transitions lists the legal moves:
//
//	created -> assigned -> in_progress -> completed
//	created | assigned | in_progress -> cancelled
var transitions = map[JobAction]struct {
	from []JobStatus
	to   JobStatus
}{
	ActionAssign:   {from: []JobStatus{JobCreated}, to: JobAssigned},
	ActionStart:    {from: []JobStatus{JobAssigned}, to: JobInProgress},
	ActionComplete: {from: []JobStatus{JobInProgress}, to: JobCompleted},
	ActionCancel:   {from: []JobStatus{JobCreated, JobAssigned, JobInProgress}, to: JobCancelled},
}

// ParseJobAction accepts the wire names of job actions.
func ParseJobAction(s string) (JobAction, error) {
	a := JobAction(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[a]; ok || a == ActionUpdateNotes {
		return a, nil
	}
	return "", Invalid("action", "unknown action %q", s)
}

// Transition applies action to a copy of job and returns it. The input
// record is never modified, so a rejected transition leaves it as it was.
// ActionAssign needs job.MachineID set by the caller beforehand.
func Transition(job JobRecord, action JobAction, notes string, at time.Time) (JobRecord, error) {
	if job.IsDeleted {
		return job, Invalid("job", "job %d is deleted", job.ID)
	}

	if action == ActionUpdateNotes {
		job.OperatorNotes = notes
		job.UpdatedAt = at
		return job, nil
	}

	t, ok := transitions[action]
	if !ok {
		return job, Invalid("action", "unknown action %q", action)
	}
	if !statusIn(job.Status, t.from) {
		return job, &InvalidTransitionError{JobID: job.ID, From: job.Status, To: t.to}
	}

	switch t.to {
	case JobAssigned:
		if job.MachineID == nil {
			return job, Invalid("machine_id", "is required to assign job %d", job.ID)
		}
		job.AssignedAt = &at
	case JobInProgress:
		job.StartedAt = &at
	case JobCompleted:
		job.CompletedAt = &at
	case JobCancelled:
		job.MachineID = nil
	}
	if notes != "" {
		job.OperatorNotes = notes
	}
	job.Status = t.to
	job.UpdatedAt = at
	return job, nil
}

func statusIn(s JobStatus, set []JobStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
