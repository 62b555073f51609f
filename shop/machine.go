package shop

import (
	"context"
	"strings"
	"time"
)

type MachineInput struct {
	Name              string        `json:"name" validate:"required,max=255"`
	Status            MachineStatus `json:"status" validate:"omitempty,oneof=active maintenance offline"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs" validate:"gte=0,lte=64"`
	OperatorName      string        `json:"operator_name" validate:"max=255"`
}

// Machines tracks production capacity. A machine is available while its
// current job count is below its concurrency limit.
type Machines struct {
	Store  TxStore
	Locker Locker
	Now    func() time.Time
}

func NewMachines(store TxStore, locker Locker) *Machines {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Machines{Store: store, Locker: locker, Now: time.Now}
}

func (s *Machines) Create(ctx context.Context, in MachineInput) (*Machine, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := Validate(in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = MachineActive
	}
	if in.MaxConcurrentJobs == 0 {
		in.MaxConcurrentJobs = 1
	}
	now := s.Now().UTC()
	m := &Machine{
		Name:              in.Name,
		Status:            in.Status,
		IsAvailable:       true,
		MaxConcurrentJobs: in.MaxConcurrentJobs,
		OperatorName:      in.OperatorName,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.CreateMachine(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Machines) Get(ctx context.Context, id int64) (*Machine, error) {
	return s.Store.GetMachine(ctx, id)
}

func (s *Machines) List(ctx context.Context) ([]Machine, error) {
	return s.Store.ListMachines(ctx)
}

// SetStatus changes the administrative status only.
func (s *Machines) SetStatus(ctx context.Context, id int64, status MachineStatus) (*Machine, error) {
	switch status {
	case MachineActive, MachineMaintenance, MachineOffline:
	default:
		return nil, Invalid("status", "must be one of active, maintenance, offline")
	}
	return s.update(ctx, id, func(m *Machine) error {
		m.Status = status
		return nil
	})
}

// CheckReservable reports why m cannot take another job, if it cannot.
func CheckReservable(m *Machine) error {
	if m.Status != MachineActive {
		return &ResourceUnavailableError{Resource: "machine", ID: m.ID, Reason: "status is " + string(m.Status)}
	}
	if !m.IsAvailable {
		return &ResourceUnavailableError{Resource: "machine", ID: m.ID, Reason: "machine is busy"}
	}
	return nil
}

// Reserve takes one job slot on the machine.
func (s *Machines) Reserve(ctx context.Context, id int64) (*Machine, error) {
	return s.update(ctx, id, func(m *Machine) error {
		if err := CheckReservable(m); err != nil {
			return err
		}
		now := s.Now().UTC()
		m.CurrentJobCount++
		m.LastAssigned = &now
		m.IsAvailable = m.CurrentJobCount < m.capacity()
		return nil
	})
}

// Release frees one job slot. Releasing an idle machine is a no-op on the count.
func (s *Machines) Release(ctx context.Context, id int64) (*Machine, error) {
	return s.update(ctx, id, func(m *Machine) error {
		if m.CurrentJobCount > 0 {
			m.CurrentJobCount--
		}
		m.IsAvailable = m.CurrentJobCount < m.capacity()
		return nil
	})
}

func (s *Machines) update(ctx context.Context, id int64, change func(*Machine) error) (*Machine, error) {
	var updated *Machine
	err := withRowLock(ctx, s.Locker, MachineLockKey(id), func() error {
		m, err := s.Store.GetMachine(ctx, id)
		if err != nil {
			return err
		}
		if err := change(m); err != nil {
			return err
		}
		m.UpdatedAt = s.Now().UTC()
		if err := s.Store.UpdateMachine(ctx, m); err != nil {
			return err
		}
		updated = m
		return nil
	})
	return updated, err
}
