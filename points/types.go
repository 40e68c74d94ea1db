/*
Package points provides the core ledger and settlement engine.

PURPOSE:
  This package contains the types and algorithms for managing user point
  balances: atomic balance mutation, the immutable transaction log, quota
  windows, idempotency keys, and the purchase/swap settlement workflows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance: Per-user snapshot of free/paid/locked points
  - Transaction: An immutable ledger entry recording a balance change
  - PointType / TransactionType: Classification enums
  - UserID / TransactionID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Single writer: Balance is mutated only through Ledger.Apply
  3. Precision: decimal.Decimal for token amounts and rates; points are
     int64 because points are indivisible
  4. Auditability: Every transaction carries reference and metadata

SEE ALSO:
  - ledger.go: Atomic balance mutation
  - swap.go, purchase.go: Settlement workflows
  - store.go: Persistence interface
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string
type PurchaseID string
type SwapID string

// =============================================================================
// POINT & TRANSACTION TYPES
// =============================================================================

type PointType string

const (
	PointFree PointType = "FREE" // earned via actions, not swappable
	PointPaid PointType = "PAID" // acquired via purchase, swappable
)

type TransactionType string

const (
	TxEarn     TransactionType = "EARN"     // free points awarded for an action
	TxSpend    TransactionType = "SPEND"    // points consumed by a product feature
	TxPurchase TransactionType = "PURCHASE" // paid points credited from a completed purchase
	TxSwap     TransactionType = "SWAP"     // paid points converted to tokens
	TxRefund   TransactionType = "REFUND"   // reversal of a completed purchase
)

// =============================================================================
// BALANCE - Per-user snapshot, owned exclusively by the Ledger
// =============================================================================

// Balance is the current point position for one user.
//
// INVARIANTS:
//   - FreePoints, PaidPoints, LockedPoints >= 0 at all times
//   - TotalEarned - TotalSpent equals the net of all logged transactions
//   - Version increases by exactly one per successful mutation
//
// LockedPoints are paid points earmarked for an in-flight swap. Only the
// swap workflow moves points in or out of LockedPoints, and those moves
// are not themselves logged: the SWAP transaction is appended once, at
// completion, against PaidPoints.
type Balance struct {
	UserID       UserID
	FreePoints   int64
	PaidPoints   int64
	LockedPoints int64
	TotalEarned  int64
	TotalSpent   int64
	Version      int64
	LastUpdated  time.Time
}

// TotalPoints is the user-visible spendable total (locked excluded).
func (b Balance) TotalPoints() int64 { return b.FreePoints + b.PaidPoints }

// =============================================================================
// TRANSACTION - Immutable record of one balance change
// =============================================================================

// Transaction records a single signed change to one balance field.
// Created once by Ledger.Apply, never mutated or deleted.
//
// BalanceAfter holds the value of the affected field (FreePoints for FREE,
// PaidPoints for PAID) immediately after this transaction was applied, so
// the log can be replayed from zero to reproduce the balance.
type Transaction struct {
	ID            TransactionID
	UserID        UserID
	Type          TransactionType
	PointType     PointType
	Amount        int64 // signed: credits positive, debits negative
	BalanceAfter  int64
	Description   string
	ReferenceType string
	ReferenceID   string
	Metadata      map[string]string

	// Seq is a store-assigned monotonic sequence number. It breaks ordering
	// ties when two transactions share a CreatedAt timestamp.
	Seq       int64
	CreatedAt time.Time
}

// =============================================================================
// TRANSACTION QUERIES
// =============================================================================

// TransactionFilter restricts a transaction-log query. Zero values match all.
type TransactionFilter struct {
	Type      TransactionType
	PointType PointType
	From      time.Time
	To        time.Time
}

// Page is offset-based pagination input. Number and Size are 1-based and
// must both be >= 1.
type Page struct {
	Number int
	Size   int
}

func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// PageInfo describes one page of a filtered result set.
type PageInfo struct {
	Page        int
	Size        int
	Total       int
	TotalPages  int
	HasNextPage bool
	HasPrevPage bool
}

// NewPageInfo computes pagination metadata for a total result count.
func NewPageInfo(page Page, total int) PageInfo {
	totalPages := (total + page.Size - 1) / page.Size
	return PageInfo{
		Page:        page.Number,
		Size:        page.Size,
		Total:       total,
		TotalPages:  totalPages,
		HasNextPage: page.Number < totalPages,
		HasPrevPage: page.Number > 1,
	}
}

// =============================================================================
// QUOTA WINDOW - Rolling usage budget per user per window type
// =============================================================================

type WindowType string

const (
	WindowDaily   WindowType = "DAILY"
	WindowMonthly WindowType = "MONTHLY"
)

// QuotaWindow tracks rolling usage for one user and one window type.
// Rollover is lazy: the first consult after PeriodEnd resets Used and
// advances the period. Boundaries are UTC midnight / first-of-month.
type QuotaWindow struct {
	UserID      UserID
	Window      WindowType
	Limit       int64
	Used        int64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

func (w QuotaWindow) Remaining() int64 {
	if w.Used >= w.Limit {
		return 0
	}
	return w.Limit - w.Used
}

// =============================================================================
// SWAP CONFIG - Exchange rate and bounds, frozen per swap at create time
// =============================================================================

// SwapConfig is the active points-to-token conversion configuration.
// A swap copies ExchangeRate into its own record at create time; later
// config changes never alter pending swaps.
type SwapConfig struct {
	ExchangeRate     decimal.Decimal
	MinSwapAmount    int64
	MaxSwapAmount    int64
	DailyLimit       int64
	MonthlyLimit     int64
	MinConfirmations int
	// Expiry is the sweep cutoff age for swaps stuck non-terminal.
	Expiry time.Duration
	Active bool
}

// TokensFor converts a point amount at this config's rate.
func (c SwapConfig) TokensFor(pointsAmount int64) decimal.Decimal {
	return decimal.NewFromInt(pointsAmount).Mul(c.ExchangeRate)
}
