/*
swap.go - Paid-points-to-token swap state machine

PURPOSE:
  Turns a paid-points debit into a pending, then confirmed or failed,
  external token transfer. Creation locks the points; the blockchain
  watcher advances the swap through callbacks.

LIFECYCLE:
  PENDING -> LOCKED -> PROCESSING -> {COMPLETED | FAILED | REFUNDED}

  A swap is born LOCKED: the same commit that creates the row moves
  PointsAmount from PaidPoints to LockedPoints, so a crash between the
  two is impossible by construction. PENDING exists only as the nominal
  pre-lock state of a record that was never persisted.

  COMPLETED removes the locked amount permanently and appends the SWAP
  transaction. A first sighting already at the confirmation threshold
  completes straight from LOCKED. FAILED (chain failure) and REFUNDED
  (operator/sweep) move the amount back to PaidPoints and release both
  quota windows.

POINT CONSERVATION:
  At every instant a swap's points are counted in exactly one of
  {PaidPoints, LockedPoints, permanently removed}. The locked move and
  its reversal are unlogged; only completion writes a transaction.

RATE FREEZE:
  ExchangeRate is copied into the swap at create time. A later config
  rate change never alters a pending swap's TokenAmount.
*/
package points

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SWAP - One request to convert paid points to tokens
// =============================================================================

type SwapStatus string

const (
	SwapPending    SwapStatus = "PENDING"
	SwapLocked     SwapStatus = "LOCKED"
	SwapProcessing SwapStatus = "PROCESSING"
	SwapCompleted  SwapStatus = "COMPLETED"
	SwapFailed     SwapStatus = "FAILED"
	SwapRefunded   SwapStatus = "REFUNDED"
)

var swapTransitions = map[SwapStatus]map[SwapStatus]bool{
	SwapPending:    {SwapLocked: true},
	SwapLocked:     {SwapProcessing: true, SwapCompleted: true, SwapFailed: true, SwapRefunded: true},
	SwapProcessing: {SwapProcessing: true, SwapCompleted: true, SwapFailed: true, SwapRefunded: true},
	SwapCompleted:  {},
	SwapFailed:     {},
	SwapRefunded:   {},
}

func (s SwapStatus) canTransition(to SwapStatus) bool {
	return swapTransitions[s][to]
}

// IsTerminal reports whether no chain callback can advance this status.
func (s SwapStatus) IsTerminal() bool {
	return s == SwapCompleted || s == SwapFailed || s == SwapRefunded
}

type Swap struct {
	ID     SwapID
	UserID UserID

	PointsAmount int64
	TokenAmount  decimal.Decimal
	// ExchangeRateAtRequest is frozen at create time.
	ExchangeRateAtRequest decimal.Decimal
	WalletAddress         string

	Status           SwapStatus
	BlockchainTxHash string
	Confirmations    int
	MinConfirmations int
	FailureReason    string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// SWAPS ENGINE
// =============================================================================

type Swaps struct {
	store  Store
	ledger *Ledger
	guard  *Guard
	quota  *Quota
	cfg    SwapConfig

	// callback serialization per swap ID
	idLocks *keyLocks
	// create serialization per idempotency key
	createLocks *keyLocks

	now   func() time.Time
	newID func() SwapID
}

func NewSwaps(store Store, ledger *Ledger, guard *Guard, quota *Quota, cfg SwapConfig) *Swaps {
	return &Swaps{
		store:       store,
		ledger:      ledger,
		guard:       guard,
		quota:       quota,
		cfg:         cfg,
		idLocks:     newKeyLocks(),
		createLocks: newKeyLocks(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() SwapID { return SwapID("swap-" + uuid.NewString()) },
	}
}

// Config returns the active swap configuration.
func (s *Swaps) Config() SwapConfig { return s.cfg }

// Calculate previews the token amount for a point amount at the current
// rate. Pure: no mutation, no reservation.
func (s *Swaps) Calculate(pointsAmount int64) (decimal.Decimal, error) {
	if pointsAmount < s.cfg.MinSwapAmount || pointsAmount > s.cfg.MaxSwapAmount {
		return decimal.Zero, ErrInvalidArgument
	}
	return s.cfg.TokensFor(pointsAmount), nil
}

// Create opens a swap in LOCKED state.
//
// Order of effects: validate bounds, reserve both quota windows, then one
// commit that moves PointsAmount from paid to locked and inserts the row.
// If the quota reservation fails nothing else is attempted; if the ledger
// move fails the reservation is released, so the three effects succeed
// together or not at all. Duplicate calls with the same idempotencyKey
// inside the retention window return the original swap; a failed create
// cancels its key reservation so a retry can go through.
func (s *Swaps) Create(ctx context.Context, userID UserID, pointsAmount int64, walletAddress, idempotencyKey string) (*Swap, error) {
	if !s.cfg.Active {
		return nil, ErrSwapsDisabled
	}
	if userID == "" || walletAddress == "" {
		return nil, ErrInvalidArgument
	}
	if pointsAmount < s.cfg.MinSwapAmount || pointsAmount > s.cfg.MaxSwapAmount {
		return nil, ErrInvalidArgument
	}

	swap := Swap{
		ID:                    s.newID(),
		UserID:                userID,
		PointsAmount:          pointsAmount,
		TokenAmount:           s.cfg.TokensFor(pointsAmount),
		ExchangeRateAtRequest: s.cfg.ExchangeRate,
		WalletAddress:         walletAddress,
		Status:                SwapLocked,
		MinConfirmations:      s.cfg.MinConfirmations,
		CreatedAt:             s.now(),
	}

	if idempotencyKey != "" {
		mu := s.createLocks.lock(idempotencyKey)
		defer mu.Unlock()
	}

	prior, fresh, err := s.guard.Reserve(ctx, ScopeSwapCreate, idempotencyKey, string(swap.ID))
	if err != nil {
		return nil, err
	}
	if !fresh {
		return s.getByID(ctx, SwapID(prior))
	}

	if err := s.quota.Reserve(ctx, userID, pointsAmount); err != nil {
		_ = s.guard.Cancel(ctx, ScopeSwapCreate, idempotencyKey)
		return nil, err
	}

	if _, err := s.ledger.lockPaidForSwap(ctx, &swap); err != nil {
		// Give the quota and the key back; the swap never existed.
		_ = s.quota.Release(ctx, userID, pointsAmount)
		_ = s.guard.Cancel(ctx, ScopeSwapCreate, idempotencyKey)
		return nil, err
	}
	return &swap, nil
}

// OnChainEvent advances the swap for a sighting of its blockchain
// transaction: LOCKED -> PROCESSING on first sight of txHash, then
// -> COMPLETED once confirmations reach MinConfirmations. Completion
// permanently removes the locked amount and appends the SWAP transaction.
func (s *Swaps) OnChainEvent(ctx context.Context, id SwapID, txHash string, confirmations int) (*Swap, error) {
	if txHash == "" {
		return nil, ErrInvalidArgument
	}

	mu := s.idLocks.lock(string(id))
	defer mu.Unlock()

	swap, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}

	swap.BlockchainTxHash = txHash
	swap.Confirmations = confirmations

	if confirmations >= swap.MinConfirmations {
		if !swap.Status.canTransition(SwapCompleted) {
			return nil, &InvalidTransitionError{Entity: "swap", ID: string(id), From: string(swap.Status), To: string(SwapCompleted)}
		}
		now := s.now()
		swap.Status = SwapCompleted
		swap.CompletedAt = &now
		if _, _, err := s.ledger.settleLockedForSwap(ctx, swap); err != nil {
			return nil, err
		}
		return swap, nil
	}

	if !swap.Status.canTransition(SwapProcessing) {
		return nil, &InvalidTransitionError{Entity: "swap", ID: string(id), From: string(swap.Status), To: string(SwapProcessing)}
	}
	swap.Status = SwapProcessing
	if err := s.store.Commit(ctx, Mutation{UpdateSwap: swap}); err != nil {
		return nil, err
	}
	return swap, nil
}

// OnChainFailure fails the swap: the locked points return to PaidPoints
// and both quota windows are released.
func (s *Swaps) OnChainFailure(ctx context.Context, id SwapID, reason string) (*Swap, error) {
	return s.unwind(ctx, id, SwapFailed, reason)
}

// Refund is the operator/sweep path for swaps stuck non-terminal past the
// configured deadline. Same unwind as failure, terminal state REFUNDED.
func (s *Swaps) Refund(ctx context.Context, id SwapID, reason string) (*Swap, error) {
	return s.unwind(ctx, id, SwapRefunded, reason)
}

func (s *Swaps) unwind(ctx context.Context, id SwapID, to SwapStatus, reason string) (*Swap, error) {
	mu := s.idLocks.lock(string(id))
	defer mu.Unlock()

	swap, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !swap.Status.canTransition(to) {
		return nil, &InvalidTransitionError{Entity: "swap", ID: string(id), From: string(swap.Status), To: string(to)}
	}

	swap.Status = to
	swap.FailureReason = reason
	// The released quota windows ride in the same commit as the balance
	// restore, so the unwind lands whole or not at all.
	err = s.quota.ReleaseWith(ctx, swap.UserID, swap.PointsAmount, func(windows []QuotaWindow) error {
		_, err := s.ledger.releaseLockedForSwap(ctx, swap, windows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return swap, nil
}

// ExpireSwaps refunds swaps still non-terminal at cutoff. Called by the
// external sweep; the engine runs no timers of its own.
func (s *Swaps) ExpireSwaps(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.store.ListSwapsBefore(ctx, []SwapStatus{SwapLocked, SwapProcessing}, cutoff)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for i := range stale {
		if _, err := s.Refund(ctx, stale[i].ID, "not confirmed before deadline"); err != nil {
			continue // raced with a callback; the callback won
		}
		refunded++
	}
	return refunded, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Swaps) getByID(ctx context.Context, id SwapID) (*Swap, error) {
	swap, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if swap == nil {
		return nil, ErrNotFound
	}
	return swap, nil
}

// Get returns a swap scoped to its owner.
func (s *Swaps) Get(ctx context.Context, userID UserID, id SwapID) (*Swap, error) {
	swap, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if swap.UserID != userID {
		return nil, ErrNotFound
	}
	return swap, nil
}

// List returns one page of the user's swaps, newest first. A zero status
// matches all.
func (s *Swaps) List(ctx context.Context, userID UserID, status SwapStatus, page Page) ([]Swap, PageInfo, error) {
	if page.Number < 1 || page.Size < 1 {
		return nil, PageInfo{}, ErrInvalidArgument
	}
	swaps, total, err := s.store.ListSwaps(ctx, userID, status, page)
	if err != nil {
		return nil, PageInfo{}, err
	}
	return swaps, NewPageInfo(page, total), nil
}

// Limits returns the user's quota windows in their current state.
func (s *Swaps) Limits(ctx context.Context, userID UserID) ([]QuotaWindow, error) {
	return s.quota.Windows(ctx, userID)
}
