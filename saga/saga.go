/*
Package saga runs a sequence of steps with compensating actions.

PURPOSE:
  A multi-resource operation that the store cannot wrap in one database
  transaction is split into steps. Each completed step registers how to
  undo itself. When a fatal step fails, the registered compensations run
  newest first.

RULES:
  1. LIFO: Compensations run in reverse completion order
  2. BEST-EFFORT: A failing compensation is logged and skipped, and the
     remaining ones still run. It stays pending for the next Compensate.
  3. ONCE: A compensation that succeeded never runs again
  4. NON-FATAL steps: failure is logged and returned, nothing unwinds

LOGGING:
  Compensation failures are logged at error level with alert=rollback_failed
  and the step name, on the logger passed to New (which carries the
  caller's attempt id).

EXAMPLE:
  s := saga.New(logger)
  if err := s.Run(ctx, saga.Step{Name: "reserve", Action: reserve, Compensate: release}); err != nil {
      return err // already unwound
  }
*/
package saga

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/warp/jobsheet-engine/shop"
)

// Step is one unit of work.
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error // nil when there is nothing to undo
	NonFatal   bool
}

type entry struct {
	name       string
	compensate func(ctx context.Context) error
}

type Saga struct {
	logger logrus.FieldLogger

	mu        sync.Mutex
	completed []entry
	steps     []string
}

func New(logger logrus.FieldLogger) *Saga {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Saga{logger: logger}
}

// Run executes step. A fatal failure unwinds every completed step before
// returning a *shop.StepError. A non-fatal failure only returns it.
func (s *Saga) Run(ctx context.Context, step Step) error {
	log := s.logger.WithField("step", step.Name)

	if err := step.Action(ctx); err != nil {
		stepErr := &shop.StepError{Step: step.Name, Fatal: !step.NonFatal, Err: err}
		if step.NonFatal {
			log.WithError(err).Warn("non-fatal step failed")
			return stepErr
		}
		log.WithError(err).Warn("step failed, compensating")
		s.Compensate(ctx)
		return stepErr
	}

	s.mu.Lock()
	s.steps = append(s.steps, step.Name)
	s.mu.Unlock()
	if step.Compensate != nil {
		s.Register(step.Name, step.Compensate)
	}
	log.Debug("step completed")
	return nil
}

// Register adds a compensation for work done outside Run.
func (s *Saga) Register(name string, compensate func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, entry{name: name, compensate: compensate})
}

// Completed lists the names of steps that succeeded, in order.
func (s *Saga) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

// Compensate unwinds every registered step newest first and returns the
// joined *shop.RollbackError values of those that failed. Failed steps stay
// registered, so a later call retries only them.
func (s *Saga) Compensate(ctx context.Context) error {
	s.mu.Lock()
	completed := s.completed
	s.completed = nil
	s.mu.Unlock()

	// The caller's cancellation must not stop the unwind halfway.
	ctx = context.WithoutCancel(ctx)

	var failures []error
	var failed []entry
	for i := len(completed) - 1; i >= 0; i-- {
		e := completed[i]
		log := s.logger.WithField("step", e.name)
		if err := e.compensate(ctx); err != nil {
			rbErr := &shop.RollbackError{Step: e.name, Err: err}
			log.WithError(err).WithField("alert", "rollback_failed").Error("compensation failed")
			failures = append(failures, rbErr)
			failed = append([]entry{e}, failed...)
			continue
		}
		log.Info("step compensated")
	}

	if len(failed) > 0 {
		s.mu.Lock()
		s.completed = append(failed, s.completed...)
		s.mu.Unlock()
	}
	return errors.Join(failures...)
}

// Pending reports how many compensations are still registered.
func (s *Saga) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}
