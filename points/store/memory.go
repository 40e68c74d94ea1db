// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	balances     map[points.UserID]points.Balance
	transactions []points.Transaction
	seq          int64

	purchases      map[points.PurchaseID]points.Purchase
	purchasesByRef map[string]points.PurchaseID
	swaps          map[points.SwapID]points.Swap

	quota map[quotaKey]points.QuotaWindow
	idem  map[idemKey]points.IdempotencyRecord
}

type quotaKey struct {
	UserID points.UserID
	Window points.WindowType
}

type idemKey struct {
	Scope string
	Key   string
}

func NewMemory() *Memory {
	return &Memory{
		balances:       make(map[points.UserID]points.Balance),
		purchases:      make(map[points.PurchaseID]points.Purchase),
		purchasesByRef: make(map[string]points.PurchaseID),
		swaps:          make(map[points.SwapID]points.Swap),
		quota:          make(map[quotaKey]points.QuotaWindow),
		idem:           make(map[idemKey]points.IdempotencyRecord),
	}
}

// =============================================================================
// BALANCES & COMMIT
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, userID points.UserID) (*points.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// Commit applies the mutation atomically under one lock. The balance write
// is a compare-and-swap on version; a mismatch fails the whole mutation.
func (m *Memory) Commit(_ context.Context, mut points.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// CAS check first (atomic check, then atomic write)
	if mut.Balance != nil {
		current, ok := m.balances[mut.Balance.UserID]
		if ok && current.Version != mut.Balance.Version-1 {
			return points.ErrConcurrentModification
		}
		if !ok && mut.Balance.Version != 1 {
			return points.ErrConcurrentModification
		}
	}

	if mut.Balance != nil {
		m.balances[mut.Balance.UserID] = *mut.Balance
	}
	for _, tx := range mut.Transactions {
		m.seq++
		tx.Seq = m.seq
		m.transactions = append(m.transactions, tx)
	}
	if mut.InsertPurchase != nil {
		m.purchases[mut.InsertPurchase.ID] = *mut.InsertPurchase
		m.purchasesByRef[mut.InsertPurchase.ExternalRef] = mut.InsertPurchase.ID
	}
	if mut.UpdatePurchase != nil {
		m.purchases[mut.UpdatePurchase.ID] = *mut.UpdatePurchase
	}
	if mut.InsertSwap != nil {
		m.swaps[mut.InsertSwap.ID] = *mut.InsertSwap
	}
	if mut.UpdateSwap != nil {
		m.swaps[mut.UpdateSwap.ID] = *mut.UpdateSwap
	}
	for _, w := range mut.QuotaWindows {
		m.quota[quotaKey{UserID: w.UserID, Window: w.Window}] = w
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) QueryTransactions(_ context.Context, userID points.UserID, filter points.TransactionFilter, page points.Page) ([]points.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []points.Transaction
	for _, tx := range m.transactions {
		if tx.UserID != userID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.PointType != "" && tx.PointType != filter.PointType {
			continue
		}
		if !filter.From.IsZero() && tx.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && tx.CreatedAt.After(filter.To) {
			continue
		}
		matched = append(matched, tx)
	}

	// Reverse chronological, seq breaks wall-clock ties.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	total := len(matched)
	return pageSlice(matched, page), total, nil
}

func (m *Memory) GetTransaction(_ context.Context, userID points.UserID, id points.TransactionID) (*points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.ID == id && tx.UserID == userID {
			out := tx
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) TransactionStats(_ context.Context, userID points.UserID) (points.TransactionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats points.TransactionStats
	for _, tx := range m.transactions {
		if tx.UserID != userID {
			continue
		}
		stats.Total++
		if tx.Amount > 0 {
			stats.Credits++
		} else if tx.Amount < 0 {
			stats.Debits++
		}
		if stats.LastAt == nil || tx.CreatedAt.After(*stats.LastAt) {
			at := tx.CreatedAt
			stats.LastAt = &at
		}
	}
	return stats, nil
}

// =============================================================================
// PURCHASES
// =============================================================================

func (m *Memory) GetPurchase(_ context.Context, id points.PurchaseID) (*points.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) GetPurchaseByExternalRef(_ context.Context, externalRef string) (*points.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.purchasesByRef[externalRef]
	if !ok {
		return nil, nil
	}
	p := m.purchases[id]
	return &p, nil
}

func (m *Memory) ListPurchases(_ context.Context, userID points.UserID, status points.PurchaseStatus, page points.Page) ([]points.Purchase, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []points.Purchase
	for _, p := range m.purchases {
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	return pageSlice(matched, page), total, nil
}

func (m *Memory) ListPurchasesBefore(_ context.Context, statuses []points.PurchaseStatus, cutoff time.Time) ([]points.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []points.Purchase
	for _, p := range m.purchases {
		if !p.CreatedAt.Before(cutoff) {
			continue
		}
		for _, s := range statuses {
			if p.Status == s {
				matched = append(matched, p)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return matched, nil
}

// =============================================================================
// SWAPS
// =============================================================================

func (m *Memory) GetSwap(_ context.Context, id points.SwapID) (*points.Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.swaps[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListSwaps(_ context.Context, userID points.UserID, status points.SwapStatus, page points.Page) ([]points.Swap, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []points.Swap
	for _, s := range m.swaps {
		if s.UserID != userID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	return pageSlice(matched, page), total, nil
}

func (m *Memory) ListSwapsBefore(_ context.Context, statuses []points.SwapStatus, cutoff time.Time) ([]points.Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []points.Swap
	for _, s := range m.swaps {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		for _, st := range statuses {
			if s.Status == st {
				matched = append(matched, s)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return matched, nil
}

// =============================================================================
// QUOTA WINDOWS
// =============================================================================

func (m *Memory) GetQuotaWindow(_ context.Context, userID points.UserID, window points.WindowType) (*points.QuotaWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.quota[quotaKey{UserID: userID, Window: window}]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) PutQuotaWindows(_ context.Context, windows []points.QuotaWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range windows {
		m.quota[quotaKey{UserID: w.UserID, Window: w.Window}] = w
	}
	return nil
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func (m *Memory) PutIdempotencyKey(_ context.Context, rec points.IdempotencyRecord) (*points.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idemKey{Scope: rec.Scope, Key: rec.Key}
	existing, ok := m.idem[k]
	if ok && rec.CreatedAt.Before(existing.ExpiresAt) {
		out := existing
		return &out, false, nil
	}
	// Absent or expired: the new reservation takes the slot.
	m.idem[k] = rec
	return nil, true, nil
}

func (m *Memory) DeleteIdempotencyKey(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idem, idemKey{Scope: scope, Key: key})
	return nil
}

func (m *Memory) DeleteExpiredIdempotencyKeys(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for k, rec := range m.idem {
		if !now.Before(rec.ExpiresAt) {
			delete(m.idem, k)
			deleted++
		}
	}
	return deleted, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func pageSlice[T any](items []T, page points.Page) []T {
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.Size
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
