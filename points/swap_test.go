package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type swapFixture struct {
	store  *store.Memory
	ledger *points.Ledger
	quota  *points.Quota
	swaps  *points.Swaps
}

func newSwapFixture(t *testing.T) *swapFixture {
	t.Helper()
	mem := store.NewMemory()
	ledger := points.NewLedger(mem)
	quota := points.NewQuota(mem, 10000, 100000)
	guard := points.NewGuard(mem, 24*time.Hour)

	swaps := points.NewSwaps(mem, ledger, guard, quota, points.SwapConfig{
		Active:           true,
		ExchangeRate:     decimal.RequireFromString("0.001"),
		MinSwapAmount:    100,
		MaxSwapAmount:    50000,
		DailyLimit:       10000,
		MonthlyLimit:     100000,
		MinConfirmations: 3,
		Expiry:           24 * time.Hour,
	})
	return &swapFixture{store: mem, ledger: ledger, quota: quota, swaps: swaps}
}

func (f *swapFixture) seedPaid(t *testing.T, userID points.UserID, amount int64) {
	t.Helper()
	_, _, err := f.ledger.Apply(context.Background(), userID, points.PointPaid, amount,
		points.TxMeta{Type: points.TxPurchase, Description: "seed"})
	require.NoError(t, err)
}

const wallet = "0x1234567890abcdef1234567890abcdef12345678"

// =============================================================================
// CALCULATE
// =============================================================================

func TestSwaps_Calculate(t *testing.T) {
	f := newSwapFixture(t)

	tokens, err := f.swaps.Calculate(1000)
	require.NoError(t, err)
	assert.True(t, tokens.Equal(decimal.RequireFromString("1")), "1000 points at 0.001 is 1 token, got %s", tokens)

	_, err = f.swaps.Calculate(50)
	assert.ErrorIs(t, err, points.ErrInvalidArgument, "below minimum")

	_, err = f.swaps.Calculate(60000)
	assert.ErrorIs(t, err, points.ErrInvalidArgument, "above maximum")
}

// =============================================================================
// CREATE
// =============================================================================

func TestSwaps_Create_LocksPaidPoints(t *testing.T) {
	// GIVEN: A user with 2000 paid points
	// WHEN: Creating a 1000-point swap
	// THEN: Paid drops to 1000, locked rises to 1000, lifetime counters
	//       unchanged, and no ledger transaction is written yet

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "key-1")
	require.NoError(t, err)
	assert.Equal(t, points.SwapLocked, swap.Status)
	assert.True(t, swap.TokenAmount.Equal(decimal.RequireFromString("1")))

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.PaidPoints)
	assert.Equal(t, int64(1000), balance.LockedPoints)
	assert.Equal(t, int64(0), balance.TotalSpent, "locking is not spending")

	_, total, err := f.store.QueryTransactions(ctx, "user-1",
		points.TransactionFilter{Type: points.TxSwap}, points.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total, "no swap transaction until completion")
}

func TestSwaps_Create_InsufficientPaidPoints(t *testing.T) {
	// GIVEN: A user with only free points
	// WHEN: Creating a swap
	// THEN: Insufficient funds and the quota reservation is rolled back

	f := newSwapFixture(t)
	ctx := context.Background()
	_, _, err := f.ledger.Apply(ctx, "user-1", points.PointFree, 5000,
		points.TxMeta{Type: points.TxEarn, Description: "seed"})
	require.NoError(t, err)

	_, err = f.swaps.Create(ctx, "user-1", 1000, wallet, "key-1")
	assert.ErrorIs(t, err, points.ErrInsufficientFunds)

	windows, err := f.swaps.Limits(ctx, "user-1")
	require.NoError(t, err)
	for _, w := range windows {
		assert.Equal(t, int64(0), w.Used, "quota reservation must be released on ledger failure")
	}
}

func TestSwaps_Create_DuplicateKeyReturnsOriginal(t *testing.T) {
	// GIVEN: A swap created with an idempotency key
	// WHEN: Creating again with the same key
	// THEN: The original swap comes back, no second lock occurs

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 5000)

	first, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "key-dup")
	require.NoError(t, err)

	second, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "key-dup")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.LockedPoints, "only one lock")
}

func TestSwaps_Create_RetryAfterFailureReusesKey(t *testing.T) {
	// GIVEN: A create with an idempotency key that failed on insufficient funds
	// WHEN: The user tops up and retries with the same key
	// THEN: The retry creates the swap; the failed attempt did not burn the key

	f := newSwapFixture(t)
	ctx := context.Background()

	_, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "key-retry")
	assert.ErrorIs(t, err, points.ErrInsufficientFunds)

	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "key-retry")
	require.NoError(t, err)
	assert.Equal(t, points.SwapLocked, swap.Status)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.LockedPoints)

	windows, err := f.swaps.Limits(ctx, "user-1")
	require.NoError(t, err)
	for _, w := range windows {
		assert.Equal(t, int64(1000), w.Used, "only the successful attempt holds quota")
	}
}

func TestSwaps_Create_BoundsAndDisabled(t *testing.T) {
	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 100000)

	_, err := f.swaps.Create(ctx, "user-1", 99, wallet, "")
	assert.ErrorIs(t, err, points.ErrInvalidArgument)

	_, err = f.swaps.Create(ctx, "user-1", 50001, wallet, "")
	assert.ErrorIs(t, err, points.ErrInvalidArgument)

	_, err = f.swaps.Create(ctx, "user-1", 1000, "", "")
	assert.ErrorIs(t, err, points.ErrInvalidArgument)

	disabled := points.NewSwaps(f.store, f.ledger, points.NewGuard(f.store, time.Hour), f.quota,
		points.SwapConfig{Active: false, ExchangeRate: decimal.RequireFromString("0.001"), MinSwapAmount: 100, MaxSwapAmount: 50000})
	_, err = disabled.Create(ctx, "user-1", 1000, wallet, "")
	assert.ErrorIs(t, err, points.ErrSwapsDisabled)
}

func TestSwaps_Create_QuotaExceeded(t *testing.T) {
	// GIVEN: A daily budget of 10000 with 9500 already swapped
	// WHEN: Creating a 1000-point swap
	// THEN: Quota exceeded, no points locked

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 50000)

	_, err := f.swaps.Create(ctx, "user-1", 9500, wallet, "")
	require.NoError(t, err)

	_, err = f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	assert.ErrorIs(t, err, points.ErrQuotaExceeded)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9500), balance.LockedPoints)
}

// =============================================================================
// CHAIN EVENTS
// =============================================================================

func TestSwaps_OnChainEvent_ProcessingThenCompleted(t *testing.T) {
	// GIVEN: A LOCKED swap needing 3 confirmations
	// WHEN: Sightings arrive with 1 then 3 confirmations
	// THEN: LOCKED -> PROCESSING -> COMPLETED; completion removes the
	//       locked points, bumps TotalSpent, and appends the SWAP entry

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)

	swap, err = f.swaps.OnChainEvent(ctx, swap.ID, "0xhash", 1)
	require.NoError(t, err)
	assert.Equal(t, points.SwapProcessing, swap.Status)
	assert.Equal(t, "0xhash", swap.BlockchainTxHash)

	swap, err = f.swaps.OnChainEvent(ctx, swap.ID, "0xhash", 3)
	require.NoError(t, err)
	assert.Equal(t, points.SwapCompleted, swap.Status)
	require.NotNil(t, swap.CompletedAt)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.LockedPoints)
	assert.Equal(t, int64(1000), balance.PaidPoints)
	assert.Equal(t, int64(1000), balance.TotalSpent)

	txs, total, err := f.store.QueryTransactions(ctx, "user-1",
		points.TransactionFilter{Type: points.TxSwap}, points.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, int64(-1000), txs[0].Amount)
	assert.Equal(t, points.PointPaid, txs[0].PointType)
	assert.Equal(t, balance.PaidPoints, txs[0].BalanceAfter)
}

func TestSwaps_OnChainEvent_CompletesDirectFromLocked(t *testing.T) {
	// GIVEN: A LOCKED swap needing 3 confirmations
	// WHEN: The first sighting already carries 5 confirmations
	// THEN: The swap completes without passing through PROCESSING and
	//       settles the balance exactly once

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)
	require.Equal(t, points.SwapLocked, swap.Status)

	swap, err = f.swaps.OnChainEvent(ctx, swap.ID, "0xhash", 5)
	require.NoError(t, err)
	assert.Equal(t, points.SwapCompleted, swap.Status)
	assert.Equal(t, 5, swap.Confirmations)
	require.NotNil(t, swap.CompletedAt)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.LockedPoints)
	assert.Equal(t, int64(1000), balance.PaidPoints)
	assert.Equal(t, int64(1000), balance.TotalSpent)

	_, total, err := f.store.QueryTransactions(ctx, "user-1",
		points.TransactionFilter{Type: points.TxSwap}, points.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSwaps_OnChainEvent_CompletedIsTerminal(t *testing.T) {
	// GIVEN: A completed swap
	// WHEN: Another confirmation sighting arrives
	// THEN: Invalid transition; the balance does not move twice

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)
	_, err = f.swaps.OnChainEvent(ctx, swap.ID, "0xhash", 5)
	require.NoError(t, err)

	_, err = f.swaps.OnChainEvent(ctx, swap.ID, "0xhash", 6)
	assert.ErrorIs(t, err, points.ErrInvalidStateTransition)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.TotalSpent, "settled exactly once")
}

func TestSwaps_OnChainFailure_RestoresPaidAndQuota(t *testing.T) {
	// GIVEN: A LOCKED swap
	// WHEN: The chain transfer fails
	// THEN: Points return to paid, quota is released, no ledger entry

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)

	swap, err = f.swaps.OnChainFailure(ctx, swap.ID, "reverted")
	require.NoError(t, err)
	assert.Equal(t, points.SwapFailed, swap.Status)
	assert.Equal(t, "reverted", swap.FailureReason)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.PaidPoints)
	assert.Equal(t, int64(0), balance.LockedPoints)
	assert.Equal(t, int64(0), balance.TotalSpent)

	windows, err := f.swaps.Limits(ctx, "user-1")
	require.NoError(t, err)
	for _, w := range windows {
		assert.Equal(t, int64(0), w.Used)
	}

	_, total, err := f.store.QueryTransactions(ctx, "user-1",
		points.TransactionFilter{Type: points.TxSwap}, points.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestSwaps_RateFrozenAtCreate(t *testing.T) {
	// GIVEN: A swap created at rate 0.001
	// WHEN: Completing it (even if the live config changed, the stored
	//       swap keeps its terms)
	// THEN: TokenAmount and ExchangeRateAtRequest are unchanged

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	created, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)

	done, err := f.swaps.OnChainEvent(ctx, created.ID, "0xhash", 3)
	require.NoError(t, err)
	assert.True(t, done.TokenAmount.Equal(created.TokenAmount))
	assert.True(t, done.ExchangeRateAtRequest.Equal(created.ExchangeRateAtRequest))
}

// =============================================================================
// REFUND & EXPIRY SWEEP
// =============================================================================

func TestSwaps_Refund_FromProcessing(t *testing.T) {
	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)
	_, err = f.swaps.OnChainEvent(ctx, swap.ID, "0xhash", 1)
	require.NoError(t, err)

	refunded, err := f.swaps.Refund(ctx, swap.ID, "stuck")
	require.NoError(t, err)
	assert.Equal(t, points.SwapRefunded, refunded.Status)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.PaidPoints)
}

func TestSwaps_ExpireSwaps_RefundsStaleOnly(t *testing.T) {
	// GIVEN: One old LOCKED swap and one fresh LOCKED swap
	// WHEN: Sweeping with a cutoff between them
	// THEN: Only the old one is refunded

	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 5000)

	old := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	f.swaps.SetClock(func() time.Time { return old })
	stale, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)

	recent := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)
	f.swaps.SetClock(func() time.Time { return recent })
	fresh, err := f.swaps.Create(ctx, "user-1", 500, wallet, "")
	require.NoError(t, err)

	n, err := f.swaps.ExpireSwaps(ctx, time.Date(2026, time.August, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.swaps.Get(ctx, "user-1", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, points.SwapRefunded, got.Status)

	got, err = f.swaps.Get(ctx, "user-1", fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, points.SwapLocked, got.Status)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestSwaps_Get_ScopedToOwner(t *testing.T) {
	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 2000)

	swap, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)

	_, err = f.swaps.Get(ctx, "user-2", swap.ID)
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestSwaps_List_StatusFilter(t *testing.T) {
	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "user-1", 5000)

	first, err := f.swaps.Create(ctx, "user-1", 1000, wallet, "")
	require.NoError(t, err)
	_, err = f.swaps.Create(ctx, "user-1", 500, wallet, "")
	require.NoError(t, err)
	_, err = f.swaps.OnChainEvent(ctx, first.ID, "0xhash", 3)
	require.NoError(t, err)

	completed, info, err := f.swaps.List(ctx, "user-1", points.SwapCompleted, points.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, info.Total)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].ID)
}
