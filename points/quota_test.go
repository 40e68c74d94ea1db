package points_test

import (
	"context"
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

func newTestQuota(t *testing.T, daily, monthly int64) *points.Quota {
	t.Helper()
	return points.NewQuota(store.NewMemory(), daily, monthly)
}

func windowByType(t *testing.T, windows []points.QuotaWindow, wt points.WindowType) points.QuotaWindow {
	t.Helper()
	for _, w := range windows {
		if w.Window == wt {
			return w
		}
	}
	t.Fatalf("window %s not found", wt)
	return points.QuotaWindow{}
}

// =============================================================================
// RESERVE / RELEASE
// =============================================================================

func TestQuota_Reserve_CountsBothWindows(t *testing.T) {
	// GIVEN: Fresh daily and monthly windows
	// WHEN: Reserving 300
	// THEN: Both windows show 300 used

	quota := newTestQuota(t, 1000, 5000)
	ctx := context.Background()

	require.NoError(t, quota.Reserve(ctx, "user-1", 300))

	windows, err := quota.Windows(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), windowByType(t, windows, points.WindowDaily).Used)
	assert.Equal(t, int64(300), windowByType(t, windows, points.WindowMonthly).Used)
}

func TestQuota_Reserve_DailyOverflowLeavesBothUntouched(t *testing.T) {
	// GIVEN: 800 of a 1000 daily budget already used
	// WHEN: Reserving 300 more (monthly budget has room)
	// THEN: QuotaExceededError naming the daily window, neither window moves

	quota := newTestQuota(t, 1000, 5000)
	ctx := context.Background()

	require.NoError(t, quota.Reserve(ctx, "user-1", 800))

	err := quota.Reserve(ctx, "user-1", 300)
	require.ErrorIs(t, err, points.ErrQuotaExceeded)

	var quotaErr *points.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Len(t, quotaErr.Exceeded, 1)
	assert.Equal(t, points.WindowDaily, quotaErr.Exceeded[0].Window)

	windows, err := quota.Windows(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), windowByType(t, windows, points.WindowDaily).Used)
	assert.Equal(t, int64(800), windowByType(t, windows, points.WindowMonthly).Used)
}

func TestQuota_Reserve_BothWindowsReported(t *testing.T) {
	quota := newTestQuota(t, 100, 100)
	ctx := context.Background()

	err := quota.Reserve(ctx, "user-1", 150)
	var quotaErr *points.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Len(t, quotaErr.Exceeded, 2)
}

func TestQuota_Reserve_ExactLimitAllowed(t *testing.T) {
	quota := newTestQuota(t, 1000, 5000)

	assert.NoError(t, quota.Reserve(context.Background(), "user-1", 1000))
}

func TestQuota_Release_GivesBackAndClampsAtZero(t *testing.T) {
	// GIVEN: 500 reserved
	// WHEN: Releasing 500 then 100 more
	// THEN: Used returns to 0 and never goes negative

	quota := newTestQuota(t, 1000, 5000)
	ctx := context.Background()

	require.NoError(t, quota.Reserve(ctx, "user-1", 500))
	require.NoError(t, quota.Release(ctx, "user-1", 500))
	require.NoError(t, quota.Release(ctx, "user-1", 100))

	windows, err := quota.Windows(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), windowByType(t, windows, points.WindowDaily).Used)
	assert.Equal(t, int64(0), windowByType(t, windows, points.WindowMonthly).Used)
}

func TestQuota_Reserve_InvalidAmount(t *testing.T) {
	quota := newTestQuota(t, 1000, 5000)

	assert.ErrorIs(t, quota.Reserve(context.Background(), "user-1", 0), points.ErrInvalidArgument)
	assert.ErrorIs(t, quota.Reserve(context.Background(), "user-1", -5), points.ErrInvalidArgument)
}

// =============================================================================
// LAZY ROLLOVER
// =============================================================================

func TestQuota_DailyRollsOverAtMidnightUTC(t *testing.T) {
	// GIVEN: 900 used on August 1st
	// WHEN: The clock crosses into August 2nd
	// THEN: The daily window resets, the monthly window keeps its usage

	quota := newTestQuota(t, 1000, 5000)
	ctx := context.Background()

	day1 := time.Date(2026, time.August, 1, 23, 0, 0, 0, time.UTC)
	quota.SetClock(func() time.Time { return day1 })
	require.NoError(t, quota.Reserve(ctx, "user-1", 900))

	day2 := time.Date(2026, time.August, 2, 0, 30, 0, 0, time.UTC)
	quota.SetClock(func() time.Time { return day2 })

	windows, err := quota.Windows(ctx, "user-1")
	require.NoError(t, err)

	daily := windowByType(t, windows, points.WindowDaily)
	assert.Equal(t, int64(0), daily.Used)
	assert.Equal(t, time.Date(2026, time.August, 2, 0, 0, 0, 0, time.UTC), daily.PeriodStart)

	monthly := windowByType(t, windows, points.WindowMonthly)
	assert.Equal(t, int64(900), monthly.Used)
}

func TestQuota_MonthlyRollsOverAtMonthBoundary(t *testing.T) {
	quota := newTestQuota(t, 10000, 100000)
	ctx := context.Background()

	aug := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	quota.SetClock(func() time.Time { return aug })
	require.NoError(t, quota.Reserve(ctx, "user-1", 4000))

	sep := time.Date(2026, time.September, 1, 0, 0, 1, 0, time.UTC)
	quota.SetClock(func() time.Time { return sep })

	windows, err := quota.Windows(ctx, "user-1")
	require.NoError(t, err)

	monthly := windowByType(t, windows, points.WindowMonthly)
	assert.Equal(t, int64(0), monthly.Used)
	assert.Equal(t, time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC), monthly.PeriodStart)
	assert.Equal(t, time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC), monthly.PeriodEnd)
}

func TestQuota_ReadOnlyConsultDoesNotPersistRollover(t *testing.T) {
	// GIVEN: A window past its period end
	// WHEN: Windows() consults it twice without a Reserve in between
	// THEN: Both reads report the same freshly rolled state

	quota := newTestQuota(t, 1000, 5000)
	ctx := context.Background()

	day1 := time.Date(2026, time.August, 1, 10, 0, 0, 0, time.UTC)
	quota.SetClock(func() time.Time { return day1 })
	require.NoError(t, quota.Reserve(ctx, "user-1", 200))

	day3 := time.Date(2026, time.August, 3, 10, 0, 0, 0, time.UTC)
	quota.SetClock(func() time.Time { return day3 })

	first, err := quota.Windows(ctx, "user-1")
	require.NoError(t, err)
	second, err := quota.Windows(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(0), windowByType(t, first, points.WindowDaily).Used)
}

func TestQuota_FullBudgetAvailableAfterRollover(t *testing.T) {
	// GIVEN: The daily budget exhausted yesterday
	// WHEN: Reserving the full budget today
	// THEN: The reservation succeeds

	quota := newTestQuota(t, 1000, 100000)
	ctx := context.Background()

	day1 := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	quota.SetClock(func() time.Time { return day1 })
	require.NoError(t, quota.Reserve(ctx, "user-1", 1000))
	require.ErrorIs(t, quota.Reserve(ctx, "user-1", 1), points.ErrQuotaExceeded)

	day2 := time.Date(2026, time.August, 2, 12, 0, 0, 0, time.UTC)
	quota.SetClock(func() time.Time { return day2 })
	assert.NoError(t, quota.Reserve(ctx, "user-1", 1000))
}
