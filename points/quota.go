/*
quota.go - Rolling daily/monthly usage windows

PURPOSE:
  Tracks per-user swap usage against daily and monthly budgets. The swap
  workflow consults the tracker before locking points and releases the
  reservation when a swap fails or is refunded.

ROLLOVER IS LAZY:
  A window rolls over (Used back to 0, period advanced) the first time it
  is consulted after its PeriodEnd has passed. Nothing runs on a timer.
  Boundaries: DAILY is midnight-to-midnight UTC, MONTHLY is
  first-of-month-to-first-of-month UTC. PeriodEnd is exclusive.

ALL-OR-NOTHING:
  Reserve increments both windows together. If either would overflow,
  neither changes and the error names every window that would.
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// QUOTA TRACKER
// =============================================================================

type Quota struct {
	store   Store
	locks   *keyLocks
	daily   int64
	monthly int64
	now     func() time.Time
}

func NewQuota(store Store, dailyLimit, monthlyLimit int64) *Quota {
	return &Quota{
		store:   store,
		locks:   newKeyLocks(),
		daily:   dailyLimit,
		monthly: monthlyLimit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve counts amount against both windows, atomically. On overflow of
// either window nothing is reserved and a QuotaExceededError reports the
// offending window(s) in their post-rollover state.
func (q *Quota) Reserve(ctx context.Context, userID UserID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidArgument
	}

	mu := q.locks.lock(string(userID))
	defer mu.Unlock()

	windows, err := q.currentWindows(ctx, userID)
	if err != nil {
		return err
	}

	var exceeded []QuotaWindow
	for _, w := range windows {
		if w.Used+amount > w.Limit {
			exceeded = append(exceeded, w)
		}
	}
	if len(exceeded) > 0 {
		return &QuotaExceededError{UserID: userID, Amount: amount, Exceeded: exceeded}
	}

	for i := range windows {
		windows[i].Used += amount
	}
	return q.store.PutQuotaWindows(ctx, windows)
}

// Release gives back a prior reservation on both windows, used when a swap
// fails or is refunded. A window that rolled over since the reservation
// has nothing to give back; Used never goes below zero.
func (q *Quota) Release(ctx context.Context, userID UserID, amount int64) error {
	return q.ReleaseWith(ctx, userID, amount, func(windows []QuotaWindow) error {
		return q.store.PutQuotaWindows(ctx, windows)
	})
}

// ReleaseWith computes the post-release windows under the user lock and
// hands them to commit for persistence, so a caller can fold the release
// into a larger atomic write.
func (q *Quota) ReleaseWith(ctx context.Context, userID UserID, amount int64, commit func(windows []QuotaWindow) error) error {
	if amount <= 0 {
		return ErrInvalidArgument
	}

	mu := q.locks.lock(string(userID))
	defer mu.Unlock()

	windows, err := q.currentWindows(ctx, userID)
	if err != nil {
		return err
	}
	for i := range windows {
		windows[i].Used -= amount
		if windows[i].Used < 0 {
			windows[i].Used = 0
		}
	}
	return commit(windows)
}

// Windows returns both windows in their current (rolled-over) state.
func (q *Quota) Windows(ctx context.Context, userID UserID) ([]QuotaWindow, error) {
	mu := q.locks.lock(string(userID))
	defer mu.Unlock()
	return q.currentWindows(ctx, userID)
}

// currentWindows loads (or seeds) both windows and applies lazy rollover.
// Caller holds the user lock. Rolled-over state is not persisted here;
// Reserve/Release persist it with their own write, and a read-only consult
// recomputes the same state next time.
func (q *Quota) currentWindows(ctx context.Context, userID UserID) ([]QuotaWindow, error) {
	now := q.now()
	out := make([]QuotaWindow, 0, 2)

	for _, spec := range []struct {
		window WindowType
		limit  int64
	}{
		{WindowDaily, q.daily},
		{WindowMonthly, q.monthly},
	} {
		w, err := q.store.GetQuotaWindow(ctx, userID, spec.window)
		if err != nil {
			return nil, err
		}
		start, end := windowBounds(spec.window, now)
		if w == nil || !now.Before(w.PeriodEnd) {
			w = &QuotaWindow{UserID: userID, Window: spec.window, PeriodStart: start, PeriodEnd: end}
		}
		w.Limit = spec.limit // config changes apply on next consult
		out = append(out, *w)
	}
	return out, nil
}

// windowBounds returns the [start, end) period containing now, in UTC.
func windowBounds(window WindowType, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch window {
	case WindowDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case WindowMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		return now, now
	}
}
