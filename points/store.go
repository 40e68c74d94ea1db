/*
store.go - Persistence interface for the points engine

PURPOSE:
  Defines the interface between the engine and the database. One Store
  implementation persists every record type the engine owns: balances,
  transactions, purchases, swaps, quota windows, and idempotency keys.

TRANSACTION LOG CONTRACT:
  The transactions table is APPEND-ONLY. No Update, No Delete. Ever.
  Transactions are written only through Commit, and only the Ledger
  builds Commit mutations that carry them.

ATOMIC COMMITS:
  Commit applies one Mutation as a single unit: either every write in it
  becomes visible or none do. A balance carried by a Mutation is written
  with compare-and-swap semantics on its version; a lost race fails the
  whole Mutation with ErrConcurrentModification and nothing is applied.
  This is what makes "balance changed but transaction not appended"
  unobservable.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite (one SQL transaction per Commit)
  - points/store:  In-memory for testing/dev

SEE ALSO:
  - ledger.go: The only producer of balance-bearing mutations
  - store/sqlite/sqlite.go: Concrete implementation
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// MUTATION - One atomic unit of work
// =============================================================================

// Mutation is a set of writes that must land together. Fields left nil/empty
// are skipped. When Balance is set, the write is conditioned on the stored
// row still being at Balance.Version-1 (or absent, for Version 1).
type Mutation struct {
	Balance      *Balance
	Transactions []Transaction

	InsertPurchase *Purchase
	UpdatePurchase *Purchase

	InsertSwap *Swap
	UpdateSwap *Swap

	// QuotaWindows are upserted with the rest of the mutation, so a swap
	// unwind restores points and releases quota in one commit.
	QuotaWindows []QuotaWindow
}

// =============================================================================
// STORE - Interface over all persisted engine state
// =============================================================================

type Store interface {
	// GetBalance returns the balance row for userID, or (nil, nil) when the
	// user has no row yet.
	GetBalance(ctx context.Context, userID UserID) (*Balance, error)

	// Commit applies mut atomically. See Mutation.
	Commit(ctx context.Context, mut Mutation) error

	// QueryTransactions returns one page of the user's log matching filter,
	// reverse chronological (CreatedAt desc, Seq desc), plus the total count
	// of the filtered set.
	QueryTransactions(ctx context.Context, userID UserID, filter TransactionFilter, page Page) ([]Transaction, int, error)

	// GetTransaction returns a transaction scoped to userID, or (nil, nil).
	GetTransaction(ctx context.Context, userID UserID, id TransactionID) (*Transaction, error)

	// TransactionStats summarizes a user's log activity.
	TransactionStats(ctx context.Context, userID UserID) (TransactionStats, error)

	// Purchases
	GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error)
	GetPurchaseByExternalRef(ctx context.Context, externalRef string) (*Purchase, error)
	ListPurchases(ctx context.Context, userID UserID, status PurchaseStatus, page Page) ([]Purchase, int, error)
	// ListPurchasesBefore returns purchases in any of the given states
	// created before cutoff. Used by the external sweep.
	ListPurchasesBefore(ctx context.Context, statuses []PurchaseStatus, cutoff time.Time) ([]Purchase, error)

	// Swaps
	GetSwap(ctx context.Context, id SwapID) (*Swap, error)
	ListSwaps(ctx context.Context, userID UserID, status SwapStatus, page Page) ([]Swap, int, error)
	ListSwapsBefore(ctx context.Context, statuses []SwapStatus, cutoff time.Time) ([]Swap, error)

	// Quota windows
	GetQuotaWindow(ctx context.Context, userID UserID, window WindowType) (*QuotaWindow, error)
	// PutQuotaWindows upserts all given windows atomically.
	PutQuotaWindows(ctx context.Context, windows []QuotaWindow) error

	// PutIdempotencyKey inserts rec unless a live record with the same
	// scope+key exists, in which case the existing record is returned and
	// inserted is false. An expired record is replaced as if absent.
	PutIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (existing *IdempotencyRecord, inserted bool, err error)

	// DeleteIdempotencyKey removes one reservation so the key can be
	// claimed again. Removing an absent key is not an error.
	DeleteIdempotencyKey(ctx context.Context, scope, key string) error

	// DeleteExpiredIdempotencyKeys removes records past their expiry.
	DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error)
}

// TransactionStats is an activity rollup over a user's full log.
type TransactionStats struct {
	Total   int
	Credits int // transactions with positive amount
	Debits  int // transactions with negative amount
	LastAt  *time.Time
}

// IdempotencyRecord is one reserved idempotency key with its prior result.
type IdempotencyRecord struct {
	Scope     string
	Key       string
	Result    string // ID of the entity the first request produced
	CreatedAt time.Time
	ExpiresAt time.Time
}
