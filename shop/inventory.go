/*
inventory.go - Paper stock reservation and consumption

PURPOSE:
  Tracks sheets of paper through three quantities per item and an
  append-only movement log:

    current    sheets physically on hand
    available  sheets free to promise (may go negative: backorder)
    reserved   sheets promised to in-flight submissions

MOVEMENTS:
  reserve(q)   available -= q, reserved += q     log: reserved  -q
  release      available += q, reserved -= q     log: released  +q
  consume      current   -= q, reserved -= q     log: out       -q
  return       current   += q, reserved += q     log: returned  +q

  A reservation is settled by exactly one consume or release. Return
  undoes a consume and puts the reservation back into the open state, so
  it can then be released.

SEE ALSO:
  - workflow/integration.go: Steps 2 and 5 of a submission
*/
package shop

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type InventoryItemInput struct {
	PaperTypeName string `json:"paper_type_name" validate:"required,max=255"`
	GSM           int    `json:"gsm" validate:"gte=0"`
	PartyID       *int64 `json:"party_id,omitempty" validate:"omitempty,gt=0"`
	UnitType      string `json:"unit_type" validate:"omitempty,oneof=sheet ream packet"`
	UnitSize      int    `json:"unit_size" validate:"gte=0"`
	Quantity      int64  `json:"quantity" validate:"gte=0"`
}

type Inventory struct {
	Store  TxStore
	Locker Locker
	Now    func() time.Time
}

func NewInventory(store TxStore, locker Locker) *Inventory {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Inventory{Store: store, Locker: locker, Now: time.Now}
}

// =============================================================================
// CRUD
// =============================================================================

func (s *Inventory) Create(ctx context.Context, in InventoryItemInput) (*InventoryItem, error) {
	in.PaperTypeName = strings.TrimSpace(in.PaperTypeName)
	if err := Validate(in); err != nil {
		return nil, err
	}
	if in.UnitType == "" {
		in.UnitType = "sheet"
	}
	if in.UnitSize == 0 {
		in.UnitSize = 1
	}
	if in.PartyID != nil {
		if _, err := s.Store.GetParty(ctx, *in.PartyID); err != nil {
			if IsNotFound(err) {
				return nil, Invalid("party_id", "party %d does not exist", *in.PartyID)
			}
			return nil, err
		}
	}

	now := s.Now().UTC()
	item := &InventoryItem{
		PaperTypeName:     in.PaperTypeName,
		GSM:               in.GSM,
		PartyID:           in.PartyID,
		UnitType:          in.UnitType,
		UnitSize:          in.UnitSize,
		CurrentQuantity:   in.Quantity,
		AvailableQuantity: in.Quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.CreateInventoryItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Inventory) Get(ctx context.Context, id int64) (*InventoryItem, error) {
	return s.Store.GetInventoryItem(ctx, id)
}

func (s *Inventory) List(ctx context.Context) ([]InventoryItem, error) {
	return s.Store.ListInventoryItems(ctx)
}

// History returns the item's movements oldest first.
func (s *Inventory) History(ctx context.Context, itemID int64) ([]InventoryTransaction, error) {
	if _, err := s.Store.GetInventoryItem(ctx, itemID); err != nil {
		return nil, err
	}
	return s.Store.ListInventoryTransactions(ctx, itemID)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// Reserve promises qty sheets to a submission. Stock may go negative.
func (s *Inventory) Reserve(ctx context.Context, itemID, qty int64, reference string) (*InventoryTransaction, error) {
	if qty <= 0 {
		return nil, Invalid("quantity", "must be positive")
	}

	var res *InventoryTransaction
	err := s.mutate(ctx, itemID, func(st Store, item *InventoryItem) (*InventoryTransaction, error) {
		item.AvailableQuantity -= qty
		item.ReservedQuantity += qty
		return &InventoryTransaction{
			Type:        InvReserved,
			TotalSheets: -qty,
			Reference:   reference,
			Description: fmt.Sprintf("reserved %d sheets", qty),
		}, nil
	}, &res)
	return res, err
}

// Release cancels an open reservation.
func (s *Inventory) Release(ctx context.Context, reservation *InventoryTransaction) (*InventoryTransaction, error) {
	if reservation == nil || reservation.Type != InvReserved {
		return nil, Invalid("reservation", "not a reservation")
	}
	qty := reservation.Quantity()

	var out *InventoryTransaction
	err := s.mutate(ctx, reservation.ItemID, func(st Store, item *InventoryItem) (*InventoryTransaction, error) {
		if err := requireReservationState(ctx, st, reservation, reservationOpen); err != nil {
			return nil, err
		}
		item.AvailableQuantity += qty
		item.ReservedQuantity -= qty
		return &InventoryTransaction{
			Type:          InvReleased,
			TotalSheets:   qty,
			ReservationID: &reservation.ID,
			Reference:     reservation.Reference,
			Description:   fmt.Sprintf("released %d sheets", qty),
		}, nil
	}, &out)
	return out, err
}

// Consume turns an open reservation into a permanent deduction for jobID.
func (s *Inventory) Consume(ctx context.Context, reservationTxID, jobID int64) (*InventoryTransaction, error) {
	reservation, err := s.Store.GetInventoryTransaction(ctx, reservationTxID)
	if err != nil {
		return nil, err
	}
	if reservation.Type != InvReserved {
		return nil, Invalid("reservation_id", "transaction %d is %s, not a reservation", reservationTxID, reservation.Type)
	}
	qty := reservation.Quantity()

	var out *InventoryTransaction
	err = s.mutate(ctx, reservation.ItemID, func(st Store, item *InventoryItem) (*InventoryTransaction, error) {
		if err := requireReservationState(ctx, st, reservation, reservationOpen); err != nil {
			return nil, err
		}
		item.CurrentQuantity -= qty
		item.ReservedQuantity -= qty
		return &InventoryTransaction{
			Type:          InvOut,
			TotalSheets:   -qty,
			JobID:         &jobID,
			ReservationID: &reservation.ID,
			Reference:     reservation.Reference,
			Description:   fmt.Sprintf("consumed %d sheets for job %d", qty, jobID),
		}, nil
	}, &out)
	return out, err
}

// Return undoes a consume, leaving the reservation open again.
func (s *Inventory) Return(ctx context.Context, outTx *InventoryTransaction) (*InventoryTransaction, error) {
	if outTx == nil || outTx.Type != InvOut || outTx.ReservationID == nil {
		return nil, Invalid("transaction", "not a consumption")
	}
	reservation, err := s.Store.GetInventoryTransaction(ctx, *outTx.ReservationID)
	if err != nil {
		return nil, err
	}
	qty := outTx.Quantity()

	var ret *InventoryTransaction
	err = s.mutate(ctx, outTx.ItemID, func(st Store, item *InventoryItem) (*InventoryTransaction, error) {
		if err := requireReservationState(ctx, st, reservation, reservationConsumed); err != nil {
			return nil, err
		}
		item.CurrentQuantity += qty
		item.ReservedQuantity += qty
		return &InventoryTransaction{
			Type:          InvReturned,
			TotalSheets:   qty,
			JobID:         outTx.JobID,
			ReservationID: outTx.ReservationID,
			Reference:     outTx.Reference,
			Description:   fmt.Sprintf("returned %d sheets", qty),
		}, nil
	}, &ret)
	return ret, err
}

// mutate runs one locked, version-checked change of an item plus its log row.
func (s *Inventory) mutate(ctx context.Context, itemID int64, apply func(Store, *InventoryItem) (*InventoryTransaction, error), result **InventoryTransaction) error {
	return withRowLock(ctx, s.Locker, InventoryLockKey(itemID), func() error {
		return s.Store.WithTx(ctx, func(st Store) error {
			item, err := st.GetInventoryItem(ctx, itemID)
			if err != nil {
				return err
			}
			tx, err := apply(st, item)
			if err != nil {
				return err
			}
			now := s.Now().UTC()
			item.UpdatedAt = now
			if err := st.UpdateInventoryItem(ctx, item); err != nil {
				return err
			}
			tx.ItemID = itemID
			tx.CreatedAt = now
			if err := st.AppendInventoryTransaction(ctx, tx); err != nil {
				return err
			}
			*result = tx
			return nil
		})
	})
}

// =============================================================================
// RESERVATION STATE
// =============================================================================

type reservationState int

const (
	reservationOpen reservationState = iota
	reservationConsumed
	reservationReleased
)

func (r reservationState) String() string {
	switch r {
	case reservationConsumed:
		return "consumed"
	case reservationReleased:
		return "released"
	}
	return "open"
}

// stateOf replays the movements that settle reservationID.
func stateOf(txs []InventoryTransaction, reservationID int64) reservationState {
	state := reservationOpen
	for _, tx := range txs {
		if tx.ReservationID == nil || *tx.ReservationID != reservationID {
			continue
		}
		switch tx.Type {
		case InvOut:
			state = reservationConsumed
		case InvReleased:
			state = reservationReleased
		case InvReturned:
			state = reservationOpen
		}
	}
	return state
}

func requireReservationState(ctx context.Context, st Store, reservation *InventoryTransaction, want reservationState) error {
	txs, err := st.ListInventoryTransactions(ctx, reservation.ItemID)
	if err != nil {
		return err
	}
	if got := stateOf(txs, reservation.ID); got != want {
		return Invalid("reservation", "reservation %d is %s, expected %s", reservation.ID, got, want)
	}
	return nil
}
