/*
ledger.go - Atomic balance mutation and the transaction log

PURPOSE:
  The Ledger is the single writer of Balance rows and the only producer
  of transaction-log entries. Every earn, spend, purchase credit, refund,
  and swap settlement goes through it.

CRITICAL INVARIANTS:
  1. SERIALIZED PER USER: No two mutations for the same user interleave
     their read-modify-write. A partitioned lock table enforces this
     in-process; a version CAS in the store catches external writers.
  2. ALL-OR-NOTHING: Balance write and transaction append land in one
     store Commit. Partial application is never observable.
  3. NON-NEGATIVE: FreePoints, PaidPoints, LockedPoints never go below
     zero. A debit that would is rejected with InsufficientFundsError.
  4. REPLAYABLE: BalanceAfter on each transaction equals the affected
     balance field immediately after the mutation, so the log replayed
     from zero reproduces the balance.

LOCKED POINTS:
  Apply never touches LockedPoints. Only the swap workflow moves points
  between PaidPoints and LockedPoints, through the unexported helpers at
  the bottom of this file, which compose the balance move and the swap
  row write into a single Commit.

SEE ALSO:
  - store.go: Commit/Mutation atomicity contract
  - swap.go, purchase.go: Workflow callers of the helpers
*/
package points

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// casRetries bounds the optimistic retry loop. With the per-user lock held
// a conflict means an out-of-process writer; a handful of retries is plenty.
const casRetries = 5

// =============================================================================
// LEDGER
// =============================================================================

// TxMeta carries the descriptive fields of a transaction into Apply.
type TxMeta struct {
	Type          TransactionType
	Description   string
	ReferenceType string
	ReferenceID   string
	Metadata      map[string]string
}

type Ledger struct {
	store Store
	locks *keyLocks

	// now and newID are injectable for tests.
	now   func() time.Time
	newID func() TransactionID
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: newKeyLocks(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() TransactionID { return TransactionID("trans-" + uuid.NewString()) },
	}
}

// =============================================================================
// APPLY - The one balance mutation entry point
// =============================================================================

// Apply credits (amount > 0) or debits (amount < 0) one point type and
// appends exactly one transaction, atomically.
//
// A credit for a user with no balance row lazily creates the row seeded at
// zero. A debit for an unknown user fails with ErrUnknownUser; a debit past
// zero fails with InsufficientFundsError. On error nothing is applied.
func (l *Ledger) Apply(ctx context.Context, userID UserID, pointType PointType, amount int64, meta TxMeta) (*Balance, *Transaction, error) {
	if userID == "" || amount == 0 {
		return nil, nil, ErrInvalidArgument
	}
	if pointType != PointFree && pointType != PointPaid {
		return nil, nil, ErrInvalidArgument
	}

	mu := l.locks.lock(string(userID))
	defer mu.Unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		bal, err := l.loadForMutation(ctx, userID, amount > 0)
		if err != nil {
			return nil, nil, err
		}

		next := *bal
		var after int64
		switch pointType {
		case PointFree:
			next.FreePoints += amount
			if next.FreePoints < 0 {
				return nil, nil, &InsufficientFundsError{UserID: userID, PointType: PointFree, Available: bal.FreePoints, Requested: -amount}
			}
			after = next.FreePoints
		case PointPaid:
			next.PaidPoints += amount
			if next.PaidPoints < 0 {
				return nil, nil, &InsufficientFundsError{UserID: userID, PointType: PointPaid, Available: bal.PaidPoints, Requested: -amount}
			}
			after = next.PaidPoints
		}

		if amount > 0 {
			next.TotalEarned += amount
		} else {
			next.TotalSpent += -amount
		}
		next.Version++
		next.LastUpdated = l.now()

		tx := Transaction{
			ID:            l.newID(),
			UserID:        userID,
			Type:          meta.Type,
			PointType:     pointType,
			Amount:        amount,
			BalanceAfter:  after,
			Description:   meta.Description,
			ReferenceType: meta.ReferenceType,
			ReferenceID:   meta.ReferenceID,
			Metadata:      meta.Metadata,
			CreatedAt:     next.LastUpdated,
		}

		err = l.store.Commit(ctx, Mutation{Balance: &next, Transactions: []Transaction{tx}})
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return &next, &tx, nil
	}
	return nil, nil, ErrConcurrentModification
}

// loadForMutation reads the balance under the user lock. createIfMissing
// seeds a zero row for lazy creation on first credit.
func (l *Ledger) loadForMutation(ctx context.Context, userID UserID, createIfMissing bool) (*Balance, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		if !createIfMissing {
			return nil, ErrUnknownUser
		}
		bal = &Balance{UserID: userID}
	}
	return bal, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the user's balance snapshot.
func (l *Ledger) Balance(ctx context.Context, userID UserID) (*Balance, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, ErrUnknownUser
	}
	return bal, nil
}

// Transactions returns one page of the user's log, reverse chronological.
func (l *Ledger) Transactions(ctx context.Context, userID UserID, filter TransactionFilter, page Page) ([]Transaction, PageInfo, error) {
	if page.Number < 1 || page.Size < 1 {
		return nil, PageInfo{}, ErrInvalidArgument
	}
	txs, total, err := l.store.QueryTransactions(ctx, userID, filter, page)
	if err != nil {
		return nil, PageInfo{}, err
	}
	return txs, NewPageInfo(page, total), nil
}

// Transaction returns a single log entry scoped to the user.
func (l *Ledger) Transaction(ctx context.Context, userID UserID, id TransactionID) (*Transaction, error) {
	tx, err := l.store.GetTransaction(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrNotFound
	}
	return tx, nil
}

// Stats returns balance, lifetime, and activity rollups for a user.
func (l *Ledger) Stats(ctx context.Context, userID UserID) (*Balance, TransactionStats, error) {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, TransactionStats{}, err
	}
	stats, err := l.store.TransactionStats(ctx, userID)
	if err != nil {
		return nil, TransactionStats{}, err
	}
	return bal, stats, nil
}

// =============================================================================
// LOCKED-POINT MOVES - Swap/purchase workflow only
// =============================================================================

// commitWithBalance re-runs fn against a fresh balance until the CAS sticks.
// fn mutates next (already version-bumped) and fills the rest of mut.
func (l *Ledger) commitWithBalance(ctx context.Context, userID UserID, fn func(prev Balance, next *Balance, mut *Mutation) error) (*Balance, error) {
	mu := l.locks.lock(string(userID))
	defer mu.Unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		bal, err := l.store.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if bal == nil {
			return nil, ErrUnknownUser
		}

		next := *bal
		next.Version++
		next.LastUpdated = l.now()

		mut := Mutation{Balance: &next}
		if err := fn(*bal, &next, &mut); err != nil {
			return nil, err
		}

		err = l.store.Commit(ctx, mut)
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
	return nil, ErrConcurrentModification
}

// lockPaidForSwap moves s.PointsAmount from paid to locked and inserts the
// swap row in LOCKED state, as one commit. Lifetime counters are untouched
// and no transaction is appended; the move is transient until settlement.
func (l *Ledger) lockPaidForSwap(ctx context.Context, s *Swap) (*Balance, error) {
	return l.commitWithBalance(ctx, s.UserID, func(prev Balance, next *Balance, mut *Mutation) error {
		if next.PaidPoints < s.PointsAmount {
			return &InsufficientFundsError{UserID: s.UserID, PointType: PointPaid, Available: prev.PaidPoints, Requested: s.PointsAmount}
		}
		next.PaidPoints -= s.PointsAmount
		next.LockedPoints += s.PointsAmount
		mut.InsertSwap = s
		return nil
	})
}

// releaseLockedForSwap returns s.PointsAmount from locked to paid and
// persists the swap's terminal state, as one commit. The caller's released
// quota windows ride in the same commit so a crash between the two leaves
// nothing half-unwound.
func (l *Ledger) releaseLockedForSwap(ctx context.Context, s *Swap, windows []QuotaWindow) (*Balance, error) {
	return l.commitWithBalance(ctx, s.UserID, func(prev Balance, next *Balance, mut *Mutation) error {
		next.LockedPoints -= s.PointsAmount
		next.PaidPoints += s.PointsAmount
		mut.UpdateSwap = s
		mut.QuotaWindows = windows
		return nil
	})
}

// settleLockedForSwap removes s.PointsAmount from locked permanently,
// persists the swap's COMPLETED state, and appends the SWAP transaction,
// as one commit. BalanceAfter reflects PaidPoints, which already dropped
// when the swap locked; replaying the log deducts the swap from paid
// directly and lands on the same final balance.
func (l *Ledger) settleLockedForSwap(ctx context.Context, s *Swap) (*Balance, *Transaction, error) {
	var tx Transaction
	bal, err := l.commitWithBalance(ctx, s.UserID, func(prev Balance, next *Balance, mut *Mutation) error {
		next.LockedPoints -= s.PointsAmount
		next.TotalSpent += s.PointsAmount

		tx = Transaction{
			ID:            l.newID(),
			UserID:        s.UserID,
			Type:          TxSwap,
			PointType:     PointPaid,
			Amount:        -s.PointsAmount,
			BalanceAfter:  next.PaidPoints,
			Description:   "Swapped points to tokens",
			ReferenceType: "SWAP",
			ReferenceID:   string(s.ID),
			CreatedAt:     next.LastUpdated,
		}
		mut.Transactions = []Transaction{tx}
		mut.UpdateSwap = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return bal, &tx, nil
}

// creditPurchase credits paid points, appends the PURCHASE transaction, and
// persists the purchase's COMPLETED state, as one commit. A first-ever
// crediting purchase creates the balance row.
func (l *Ledger) creditPurchase(ctx context.Context, p *Purchase) (*Balance, *Transaction, error) {
	mu := l.locks.lock(string(p.UserID))
	defer mu.Unlock()

	var tx Transaction
	for attempt := 0; attempt < casRetries; attempt++ {
		bal, err := l.loadForMutation(ctx, p.UserID, true)
		if err != nil {
			return nil, nil, err
		}

		next := *bal
		next.PaidPoints += p.PointsAmount
		next.TotalEarned += p.PointsAmount
		next.Version++
		next.LastUpdated = l.now()

		tx = Transaction{
			ID:            l.newID(),
			UserID:        p.UserID,
			Type:          TxPurchase,
			PointType:     PointPaid,
			Amount:        p.PointsAmount,
			BalanceAfter:  next.PaidPoints,
			Description:   "Purchased " + p.PackageName,
			ReferenceType: "PURCHASE",
			ReferenceID:   string(p.ID),
			CreatedAt:     next.LastUpdated,
		}

		err = l.store.Commit(ctx, Mutation{Balance: &next, Transactions: []Transaction{tx}, UpdatePurchase: p})
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return &next, &tx, nil
	}
	return nil, nil, ErrConcurrentModification
}
