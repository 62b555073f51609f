/*
ledger.go - Party balances and their append-only transaction log

PURPOSE:
  The party ledger records every change to a party's balance. The Balance
  column on Party is a materialized cache; the transaction rows are the
  history that explains it. Each row snapshots the balance it produced.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Rows are never edited. Soft delete only flags a row.
  2. CACHE = FOLD: Folding every row in creation order from zero gives
     the cached Party.Balance, and each BalanceAfter equals the running fold.
  3. SERIALIZED: Applies to one party run one at a time (Locker + version).
  4. IDEMPOTENT: A repeated idempotency key returns the first row unchanged.

SIGN CONVENTION:
  payment     +amount   (party paid the shop)
  order       -amount   (job cost charged)
  adjustment  amount    (signed delta as recorded, never zero)

SOFT DELETE:
  Deleting a row annotates it for audit. The balance and every later
  BalanceAfter stay exactly as they were, so Audit folds deleted rows
  too. Reversing an entry is done with a new adjustment.

SEE ALSO:
  - parties.go: Party CRUD, opening balances go through Apply
  - workflow/integration.go: Charges jobs through Apply
*/
package shop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER ENTRY - Input to Apply
// =============================================================================

type LedgerEntry struct {
	PartyID        int64
	Type           TransactionType
	Amount         decimal.Decimal
	Description    string
	JobID          *int64
	IdempotencyKey string
}

func (e LedgerEntry) Validate() error {
	if e.PartyID <= 0 {
		return Invalid("party_id", "is required")
	}
	if !e.Type.Valid() {
		return Invalid("type", "must be one of payment, order, adjustment")
	}
	switch e.Type {
	case TxAdjustment:
		if e.Amount.IsZero() {
			return Invalid("amount", "adjustment must be non-zero")
		}
	default:
		if !e.Amount.IsPositive() {
			return Invalid("amount", "must be positive for %s", e.Type)
		}
	}
	return nil
}

// =============================================================================
// LEDGER SERVICE
// =============================================================================

type Ledger struct {
	Store  TxStore
	Locker Locker
	Events EventSink
	Now    func() time.Time
}

func NewLedger(store TxStore, locker Locker, events EventSink) *Ledger {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Ledger{Store: store, Locker: locker, Events: events, Now: time.Now}
}

// Apply appends one entry and moves the party's cached balance by its
// signed delta, atomically.
func (l *Ledger) Apply(ctx context.Context, e LedgerEntry) (*PartyTransaction, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.Description = strings.TrimSpace(e.Description)

	var applied *PartyTransaction
	err := withRowLock(ctx, l.Locker, PartyLockKey(e.PartyID), func() error {
		return l.Store.WithTx(ctx, func(st Store) error {
			tx, err := l.applyLocked(ctx, st, e)
			applied = tx
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (l *Ledger) applyLocked(ctx context.Context, st Store, e LedgerEntry) (*PartyTransaction, error) {
	if e.IdempotencyKey != "" {
		existing, err := st.FindPartyTransactionByKey(ctx, e.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	party, err := st.GetParty(ctx, e.PartyID)
	if err != nil {
		return nil, err
	}

	now := l.Now().UTC()
	party.Balance = party.Balance.Add(SignedDelta(e.Type, e.Amount))
	party.UpdatedAt = now
	if err := st.UpdateParty(ctx, party); err != nil {
		return nil, err
	}

	tx := &PartyTransaction{
		PartyID:        e.PartyID,
		Type:           e.Type,
		Amount:         e.Amount,
		Description:    e.Description,
		BalanceAfter:   party.Balance,
		JobID:          e.JobID,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := st.AppendPartyTransaction(ctx, tx); err != nil {
		return nil, err
	}

	if l.Events != nil {
		if err := l.Events.Record(ctx, st, EventLedgerApplied, fmt.Sprint(tx.PartyID), tx); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// SoftDelete flags a ledger row as deleted. The balance is not touched.
func (l *Ledger) SoftDelete(ctx context.Context, txID int64, reason, actor string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Invalid("reason", "is required")
	}

	existing, err := l.Store.GetPartyTransaction(ctx, txID)
	if err != nil {
		return err
	}

	return withRowLock(ctx, l.Locker, PartyLockKey(existing.PartyID), func() error {
		return l.Store.WithTx(ctx, func(st Store) error {
			tx, err := st.GetPartyTransaction(ctx, txID)
			if err != nil {
				return err
			}
			if tx.IsDeleted {
				return fmt.Errorf("transaction %d: %w", txID, errors.Join(ErrValidation, ErrAlreadyDeleted))
			}
			return st.MarkPartyTransactionDeleted(ctx, txID, l.Now().UTC(), reason, actor)
		})
	})
}

// Balance returns the cached balance.
func (l *Ledger) Balance(ctx context.Context, partyID int64) (decimal.Decimal, error) {
	p, err := l.Store.GetParty(ctx, partyID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Balance, nil
}

// Statement returns the party's rows in creation order.
func (l *Ledger) Statement(ctx context.Context, partyID int64, includeDeleted bool) ([]PartyTransaction, error) {
	if _, err := l.Store.GetParty(ctx, partyID); err != nil {
		return nil, err
	}
	txs, err := l.Store.ListPartyTransactions(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return txs, nil
	}
	live := txs[:0:0]
	for _, tx := range txs {
		if !tx.IsDeleted {
			live = append(live, tx)
		}
	}
	return live, nil
}

// =============================================================================
// FOLD + AUDIT
// =============================================================================

// Fold sums the signed deltas of txs from zero.
func Fold(txs []PartyTransaction, includeDeleted bool) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if tx.IsDeleted && !includeDeleted {
			continue
		}
		total = total.Add(tx.SignedDelta())
	}
	return total
}

// LedgerAudit compares the cached balance with the ledger history.
type LedgerAudit struct {
	PartyID int64
	Cached  decimal.Decimal
	Folded  decimal.Decimal
	// LiveFolded excludes soft-deleted rows; it differs from Cached by
	// exactly the deleted rows' deltas.
	LiveFolded  decimal.Decimal
	ChainBreaks []int64 // ids whose BalanceAfter disagrees with the running fold
	Consistent  bool
}

// Audit recomputes the party's balance from its rows.
func (l *Ledger) Audit(ctx context.Context, partyID int64) (*LedgerAudit, error) {
	party, err := l.Store.GetParty(ctx, partyID)
	if err != nil {
		return nil, err
	}
	txs, err := l.Store.ListPartyTransactions(ctx, partyID)
	if err != nil {
		return nil, err
	}
	return AuditTransactions(party, txs), nil
}

// AuditTransactions checks the balance chain of txs against party.Balance.
func AuditTransactions(party *Party, txs []PartyTransaction) *LedgerAudit {
	a := &LedgerAudit{PartyID: party.ID, Cached: party.Balance}
	running := decimal.Zero
	for _, tx := range txs {
		running = running.Add(tx.SignedDelta())
		if !tx.BalanceAfter.Equal(running) {
			a.ChainBreaks = append(a.ChainBreaks, tx.ID)
		}
	}
	a.Folded = running
	a.LiveFolded = Fold(txs, false)
	a.Consistent = a.Folded.Equal(a.Cached) && len(a.ChainBreaks) == 0
	return a
}
