/*
sweeper.go - Background expiry sweeper

PURPOSE:
  Periodically expires purchases stuck pending, refunds swaps stuck in
  flight, and purges idempotency keys past retention. The same work is
  reachable on demand through the admin endpoints; the sweeper just
  keeps a deployment healthy without an operator.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each pass is independent; a failed sweep is logged and retried on
    the next tick
  - Stop blocks until the in-flight pass finishes

USAGE:
  sweeper := NewSweeper(handler, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: ExpirePurchases / ExpireSwaps endpoints (manual sweeps)
  - points/purchase.go, points/swap.go: sweep semantics
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs the periodic expiry passes.
type Sweeper struct {
	Handler       *Handler
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper with a one hour interval.
func NewSweeper(handler *Handler, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		Handler:       handler,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("sweeper disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("sweeper started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the sweeper and waits for the in-flight pass.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Logger.Info("sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (s *Sweeper) RunNow() {
	s.sweep()
}

func (s *Sweeper) sweep() {
	ctx := context.Background()

	purchaseCutoff := time.Now().Add(-s.Handler.Purchases.Config().Expiry)
	if n, err := s.Handler.Purchases.ExpirePurchases(ctx, purchaseCutoff); err != nil {
		s.Logger.Error("purchase sweep failed", zap.Error(err))
	} else if n > 0 {
		s.Logger.Info("expired stale purchases", zap.Int("count", n))
	}

	swapCutoff := time.Now().Add(-s.Handler.Swaps.Config().Expiry)
	if n, err := s.Handler.Swaps.ExpireSwaps(ctx, swapCutoff); err != nil {
		s.Logger.Error("swap sweep failed", zap.Error(err))
	} else if n > 0 {
		s.Logger.Info("refunded stale swaps", zap.Int("count", n))
	}

	if n, err := s.Handler.Guard.PurgeExpired(ctx); err != nil {
		s.Logger.Error("idempotency purge failed", zap.Error(err))
	} else if n > 0 {
		s.Logger.Info("purged expired idempotency keys", zap.Int("count", n))
	}
}
