package points

import "time"

// Test hooks for deterministic clocks and IDs.

func (l *Ledger) SetClock(now func() time.Time)    { l.now = now }
func (q *Quota) SetClock(now func() time.Time)     { q.now = now }
func (g *Guard) SetClock(now func() time.Time)     { g.now = now }
func (s *Swaps) SetClock(now func() time.Time)     { s.now = now }
func (p *Purchases) SetClock(now func() time.Time) { p.now = now }

func (l *Ledger) SetIDFunc(f func() TransactionID)  { l.newID = f }
func (s *Swaps) SetIDFunc(f func() SwapID)          { s.newID = f }
func (p *Purchases) SetIDFunc(f func() PurchaseID)  { p.newID = f }
