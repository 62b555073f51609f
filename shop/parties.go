package shop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PartyInput carries the editable party fields. OpeningBalance is only
// honoured by Create, where it is booked as an adjustment.
type PartyInput struct {
	Name           string          `json:"name" validate:"required,max=255"`
	ContactPerson  string          `json:"contact_person" validate:"max=255"`
	Phone          string          `json:"phone" validate:"max=64"`
	Email          string          `json:"email" validate:"omitempty,email"`
	Address        string          `json:"address"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// Parties manages customer records. Balances only move through the Ledger.
type Parties struct {
	Store  TxStore
	Locker Locker
	Ledger *Ledger
	Now    func() time.Time
}

func NewParties(store TxStore, locker Locker, ledger *Ledger) *Parties {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Parties{Store: store, Locker: locker, Ledger: ledger, Now: time.Now}
}

func (s *Parties) Create(ctx context.Context, in PartyInput) (*Party, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := Validate(in); err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	p := &Party{
		Name:          in.Name,
		ContactPerson: in.ContactPerson,
		Phone:         in.Phone,
		Email:         in.Email,
		Address:       in.Address,
		Balance:       decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateParty(ctx, p); err != nil {
		return nil, err
	}

	if !in.OpeningBalance.IsZero() {
		_, err := s.Ledger.Apply(ctx, LedgerEntry{
			PartyID:        p.ID,
			Type:           TxAdjustment,
			Amount:         in.OpeningBalance,
			Description:    "opening balance",
			IdempotencyKey: fmt.Sprintf("party-%d-opening", p.ID),
		})
		if err != nil {
			// The party has no other rows yet, so removing it leaves nothing behind.
			undoCtx := context.WithoutCancel(ctx)
			undo := s.Store.WithTx(undoCtx, func(st Store) error {
				return st.DeleteParty(undoCtx, p.ID)
			})
			return nil, errors.Join(fmt.Errorf("opening balance for party %d: %w", p.ID, err), undo)
		}
		return s.Store.GetParty(ctx, p.ID)
	}
	return p, nil
}

// Update edits contact details. The balance cannot be set here.
func (s *Parties) Update(ctx context.Context, id int64, in PartyInput) (*Party, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := Validate(in); err != nil {
		return nil, err
	}
	if !in.OpeningBalance.IsZero() {
		return nil, Invalid("opening_balance", "balance changes must be recorded as transactions")
	}

	var updated *Party
	err := withRowLock(ctx, s.Locker, PartyLockKey(id), func() error {
		p, err := s.Store.GetParty(ctx, id)
		if err != nil {
			return err
		}
		p.Name = in.Name
		p.ContactPerson = in.ContactPerson
		p.Phone = in.Phone
		p.Email = in.Email
		p.Address = in.Address
		p.UpdatedAt = s.Now().UTC()
		if err := s.Store.UpdateParty(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	return updated, err
}

// Delete removes a party that nothing references.
func (s *Parties) Delete(ctx context.Context, id int64) error {
	return withRowLock(ctx, s.Locker, PartyLockKey(id), func() error {
		return s.Store.WithTx(ctx, func(st Store) error {
			if _, err := st.GetParty(ctx, id); err != nil {
				return err
			}
			refs, err := st.PartyReferences(ctx, id)
			if err != nil {
				return err
			}
			if refs > 0 {
				return fmt.Errorf("party %d has %d dependent records: %w", id, refs, ErrPartyInUse)
			}
			return st.DeleteParty(ctx, id)
		})
	})
}

func (s *Parties) Get(ctx context.Context, id int64) (*Party, error) {
	return s.Store.GetParty(ctx, id)
}

func (s *Parties) List(ctx context.Context) ([]Party, error) {
	return s.Store.ListParties(ctx)
}
