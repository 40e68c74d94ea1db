package points_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*points.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return points.NewLedger(mem), mem
}

func earnMeta(desc string) points.TxMeta {
	return points.TxMeta{Type: points.TxEarn, Description: desc}
}

func spendMeta(desc string) points.TxMeta {
	return points.TxMeta{Type: points.TxSpend, Description: desc}
}

// =============================================================================
// APPLY - CREDITS AND DEBITS
// =============================================================================

func TestLedger_Apply_CreditCreatesBalance(t *testing.T) {
	// GIVEN: A user with no balance row
	// WHEN: Crediting 100 free points
	// THEN: A balance is created with the credit applied

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	balance, tx, err := ledger.Apply(ctx, "user-1", points.PointFree, 100, earnMeta("welcome"))
	require.NoError(t, err)

	assert.Equal(t, int64(100), balance.FreePoints)
	assert.Equal(t, int64(0), balance.PaidPoints)
	assert.Equal(t, int64(100), balance.TotalEarned)
	assert.Equal(t, int64(1), balance.Version)

	assert.Equal(t, int64(100), tx.Amount)
	assert.Equal(t, int64(100), tx.BalanceAfter)
	assert.Equal(t, points.TxEarn, tx.Type)
}

func TestLedger_Apply_DebitUnknownUser(t *testing.T) {
	// GIVEN: A user with no balance row
	// WHEN: Debiting points
	// THEN: ErrUnknownUser, nothing is created

	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	_, _, err := ledger.Apply(ctx, "ghost", points.PointFree, -10, spendMeta("spend"))
	assert.ErrorIs(t, err, points.ErrUnknownUser)

	balance, err := mem.GetBalance(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, balance, "no balance row should be created on failed debit")
}

func TestLedger_Apply_InsufficientFunds(t *testing.T) {
	// GIVEN: A user with 50 free points
	// WHEN: Debiting 80 free points
	// THEN: InsufficientFundsError carrying the shortfall, balance unchanged

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 50, earnMeta("seed"))
	require.NoError(t, err)

	_, _, err = ledger.Apply(ctx, "user-1", points.PointFree, -80, spendMeta("overspend"))
	assert.ErrorIs(t, err, points.ErrInsufficientFunds)

	var fundsErr *points.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, int64(50), fundsErr.Available)
	assert.Equal(t, int64(80), fundsErr.Requested)
	assert.Equal(t, points.PointFree, fundsErr.PointType)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.FreePoints)
}

func TestLedger_Apply_ZeroAmountRejected(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, _, err := ledger.Apply(context.Background(), "user-1", points.PointFree, 0, earnMeta("nothing"))
	assert.ErrorIs(t, err, points.ErrInvalidArgument)
}

func TestLedger_Apply_PoolsAreIndependent(t *testing.T) {
	// GIVEN: A user with free points only
	// WHEN: Debiting from the paid pool
	// THEN: Insufficient funds; free points never cover a paid debit

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 500, earnMeta("seed"))
	require.NoError(t, err)

	_, _, err = ledger.Apply(ctx, "user-1", points.PointPaid, -100, spendMeta("paid spend"))
	assert.ErrorIs(t, err, points.ErrInsufficientFunds)
}

func TestLedger_Apply_LifetimeCounters(t *testing.T) {
	// GIVEN: A sequence of credits and debits
	// THEN: TotalEarned accumulates credits, TotalSpent accumulates debits,
	//       and neither ever decreases

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 200, earnMeta("a"))
	require.NoError(t, err)
	_, _, err = ledger.Apply(ctx, "user-1", points.PointFree, -50, spendMeta("b"))
	require.NoError(t, err)
	balance, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 30, earnMeta("c"))
	require.NoError(t, err)

	assert.Equal(t, int64(230), balance.TotalEarned)
	assert.Equal(t, int64(50), balance.TotalSpent)
	assert.Equal(t, int64(180), balance.FreePoints)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_Apply_ConcurrentCreditsNoLostUpdates(t *testing.T) {
	// GIVEN: 50 goroutines each crediting 10 points to the same user
	// THEN: The final balance is exactly 500 and every credit is logged

	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = ledger.Apply(ctx, "user-1", points.PointFree, 10, earnMeta("concurrent"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*10), balance.FreePoints)
	assert.Equal(t, int64(workers), balance.Version)

	txs, total, err := mem.QueryTransactions(ctx, "user-1", points.TransactionFilter{}, points.Page{Number: 1, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, workers, total)
	assert.Len(t, txs, workers)
}

func TestLedger_Apply_ConcurrentSpendNeverNegative(t *testing.T) {
	// GIVEN: A user with 100 points and 20 goroutines each spending 10
	// THEN: Exactly 10 spends succeed, the rest fail, balance ends at 0

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 100, earnMeta("seed"))
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = ledger.Apply(ctx, "user-1", points.PointFree, -10, spendMeta("race"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, points.ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 10, succeeded)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.FreePoints)
}

// =============================================================================
// REPLAY CONSISTENCY
// =============================================================================

func TestLedger_ReplayReproducesBalance(t *testing.T) {
	// GIVEN: A mixed history of credits and debits across both pools
	// WHEN: Replaying the transaction log from zero
	// THEN: The replayed totals equal the stored balance

	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	steps := []struct {
		pool   points.PointType
		amount int64
	}{
		{points.PointFree, 100},
		{points.PointPaid, 500},
		{points.PointFree, -30},
		{points.PointPaid, -200},
		{points.PointFree, 25},
	}
	for _, s := range steps {
		meta := earnMeta("replay")
		if s.amount < 0 {
			meta = spendMeta("replay")
		}
		_, _, err := ledger.Apply(ctx, "user-1", s.pool, s.amount, meta)
		require.NoError(t, err)
	}

	txs, _, err := mem.QueryTransactions(ctx, "user-1", points.TransactionFilter{}, points.Page{Number: 1, Size: 100})
	require.NoError(t, err)

	var free, paid int64
	for _, tx := range txs {
		switch tx.PointType {
		case points.PointFree:
			free += tx.Amount
		case points.PointPaid:
			paid += tx.Amount
		}
	}

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, balance.FreePoints, free)
	assert.Equal(t, balance.PaidPoints, paid)
}

// =============================================================================
// READS
// =============================================================================

func TestLedger_Balance_UnknownUser(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.Balance(context.Background(), "nobody")
	assert.ErrorIs(t, err, points.ErrUnknownUser)
}

func TestLedger_Transactions_ReverseChronoWithTiebreak(t *testing.T) {
	// GIVEN: Transactions created at the same instant
	// THEN: History orders them newest first, later insertions first

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	frozen := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetClock(func() time.Time { return frozen })

	for i := 0; i < 3; i++ {
		_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 10, earnMeta("same instant"))
		require.NoError(t, err)
	}

	txs, _, err := ledger.Transactions(ctx, "user-1", points.TransactionFilter{}, points.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Greater(t, txs[0].Seq, txs[1].Seq)
	assert.Greater(t, txs[1].Seq, txs[2].Seq)
}

func TestLedger_Transactions_Pagination(t *testing.T) {
	// GIVEN: 25 transactions
	// WHEN: Fetching page 2 with limit 20
	// THEN: 5 items, totalPages 2, no next page

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 1, earnMeta("bulk"))
		require.NoError(t, err)
	}

	txs, info, err := ledger.Transactions(ctx, "user-1", points.TransactionFilter{}, points.Page{Number: 2, Size: 20})
	require.NoError(t, err)
	assert.Len(t, txs, 5)
	assert.Equal(t, 25, info.Total)
	assert.Equal(t, 2, info.TotalPages)
	assert.False(t, info.HasNextPage)
	assert.True(t, info.HasPrevPage)
}

func TestLedger_Transactions_InvalidPage(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, _, err := ledger.Transactions(context.Background(), "user-1", points.TransactionFilter{}, points.Page{Number: 0, Size: 20})
	assert.ErrorIs(t, err, points.ErrInvalidArgument)

	_, _, err = ledger.Transactions(context.Background(), "user-1", points.TransactionFilter{}, points.Page{Number: 1, Size: 0})
	assert.ErrorIs(t, err, points.ErrInvalidArgument)
}

func TestLedger_Transactions_TypeFilter(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 100, earnMeta("earn"))
	require.NoError(t, err)
	_, _, err = ledger.Apply(ctx, "user-1", points.PointFree, -40, spendMeta("spend"))
	require.NoError(t, err)

	txs, info, err := ledger.Transactions(ctx, "user-1", points.TransactionFilter{Type: points.TxSpend}, points.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, info.Total)
	require.Len(t, txs, 1)
	assert.Equal(t, points.TxSpend, txs[0].Type)
}

func TestLedger_Transaction_ScopedToOwner(t *testing.T) {
	// GIVEN: A transaction that belongs to user-1
	// WHEN: user-2 fetches it by ID
	// THEN: Not found

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, tx, err := ledger.Apply(ctx, "user-1", points.PointFree, 100, earnMeta("mine"))
	require.NoError(t, err)

	got, err := ledger.Transaction(ctx, "user-1", tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	_, err = ledger.Transaction(ctx, "user-2", tx.ID)
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestLedger_Stats(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := ledger.Apply(ctx, "user-1", points.PointFree, 100, earnMeta("a"))
	require.NoError(t, err)
	_, _, err = ledger.Apply(ctx, "user-1", points.PointFree, -20, spendMeta("b"))
	require.NoError(t, err)

	_, stats, err := ledger.Stats(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Credits)
	assert.Equal(t, 1, stats.Debits)
	require.NotNil(t, stats.LastAt)
}

// =============================================================================
// EARN ACTIONS
// =============================================================================

func TestLedger_Earn_DefaultAmounts(t *testing.T) {
	// GIVEN: No explicit amount
	// WHEN: Earning via a named action
	// THEN: The action's default amount is credited to the free pool

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	balance, tx, err := ledger.Earn(ctx, "user-1", points.EarnDailyLogin, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.FreePoints)
	assert.Equal(t, points.PointFree, tx.PointType)
	assert.Equal(t, points.TxEarn, tx.Type)
}

func TestLedger_Earn_ExplicitAmountOverridesDefault(t *testing.T) {
	ledger, _ := newTestLedger(t)

	balance, _, err := ledger.Earn(context.Background(), "user-1", points.EarnBonus, 75, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance.FreePoints)
}

func TestLedger_Earn_UnknownAction(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, _, err := ledger.Earn(context.Background(), "user-1", "NOT_AN_ACTION", 0, nil)
	assert.ErrorIs(t, err, points.ErrInvalidArgument)
}

func TestLedger_Earn_ReferralDescription(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, tx, err := ledger.Earn(context.Background(), "user-1", points.EarnReferral, 0,
		map[string]string{"referredUserId": "user-9"})
	require.NoError(t, err)
	assert.Contains(t, tx.Description, "user-9")
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	assert.True(t, points.IsRetryable(points.ErrConcurrentModification))
	assert.False(t, points.IsRetryable(points.ErrInsufficientFunds))

	assert.True(t, points.IsClientError(points.ErrInvalidArgument))
	assert.True(t, points.IsClientError(&points.InsufficientFundsError{}))
	assert.False(t, points.IsClientError(errors.New("disk on fire")))

	assert.True(t, points.IsNotFound(points.ErrNotFound))
	assert.True(t, points.IsNotFound(points.ErrUnknownUser))
}
