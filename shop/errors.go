/*
errors.go - Centralized error types for the job-sheet engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Services wrap these with context; the HTTP layer maps them to status codes.

ERROR CATEGORIES:
  1. Validation - Missing fields, unknown references, illegal transitions
  2. Resource unavailable - Machine not active/available, party in use
  3. Step failures - Fatal (compensated) and non-fatal (logged) workflow steps
  4. Rollback - A compensation itself failed during unwind
  5. Store - Concurrency conflicts and duplicate keys

USAGE:
  if errors.Is(err, shop.ErrResourceUnavailable) {
      // surface 409 to the caller
  }

SEE ALSO:
  - saga/saga.go: Produces RollbackError during unwind
  - api/handlers.go: Maps errors to HTTP status
*/
package shop

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the category for every client input problem.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrResourceUnavailable is returned when a machine cannot take the job.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrInvalidTransition is returned for an illegal job status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrFatalStep marks a workflow step whose failure rolls back the submission.
	ErrFatalStep = errors.New("fatal workflow step failed")

	// ErrNonFatalStep marks a workflow step whose failure is logged only.
	ErrNonFatalStep = errors.New("non-fatal workflow step failed")

	// ErrRollback is returned when a compensating action fails.
	ErrRollback = errors.New("rollback failed")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a keyed row already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrPartyInUse is returned when deleting a party that still has dependents.
	ErrPartyInUse = errors.New("party has dependent records")

	// ErrAlreadyDeleted is returned when soft-deleting a row twice.
	ErrAlreadyDeleted = errors.New("already deleted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies the missing row.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ResourceUnavailableError explains why a resource cannot be reserved.
type ResourceUnavailableError struct {
	Resource string
	ID       int64
	Reason   string
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("%s %d unavailable: %s", e.Resource, e.ID, e.Reason)
}

func (e *ResourceUnavailableError) Unwrap() error { return ErrResourceUnavailable }

// InvalidTransitionError names the current and requested job status.
type InvalidTransitionError struct {
	JobID int64
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %d: cannot move from %q to %q", e.JobID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() []error {
	return []error{ErrInvalidTransition, ErrValidation}
}

// StepError wraps the failure of one workflow step.
type StepError struct {
	Step  string
	Fatal bool
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	if e.Fatal {
		return []error{ErrFatalStep, e.Err}
	}
	return []error{ErrNonFatalStep, e.Err}
}

// RollbackError records a compensation that could not be applied.
type RollbackError struct {
	Step string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("compensate %s: %v", e.Step, e.Err)
}

func (e *RollbackError) Unwrap() []error { return []error{ErrRollback, e.Err} }

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable returns true if a resource could not be reserved.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable)
}

// IsConflict returns true for errors that describe current resource state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, ErrPartyInUse) ||
		errors.Is(err, ErrConcurrentModification)
}
