/*
idempotency.go - Scoped deduplication of retried mutating requests

PURPOSE:
  The Guard reserves caller-supplied or derived keys so a retried
  purchase/swap creation or a replayed provider callback processes once.
  Keys are scoped so a purchase key can never collide with a swap key.

RETENTION:
  Entries expire after a bounded retention period to bound growth.
  Retention must be configured to at least the workflow's maximum
  time-to-terminal, so a key never expires while its workflow is still
  in flight. Purging is lazy plus an explicit sweep hook.
*/
package points

import (
	"context"
	"time"
)

// Scopes partition the key space per workflow.
const (
	ScopePurchaseCreate = "purchase-create"
	ScopePurchaseSettle = "purchase-settle"
	ScopeSwapCreate     = "swap-create"
)

// =============================================================================
// GUARD
// =============================================================================

type Guard struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

func NewGuard(store Store, retention time.Duration) *Guard {
	return &Guard{
		store:     store,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reserve claims scope+key for result (the ID of the entity this request
// is creating). Fresh reservations return ("", true). A live duplicate
// returns the first request's result and false; the caller returns that
// prior result instead of processing again.
func (g *Guard) Reserve(ctx context.Context, scope, key, result string) (prior string, fresh bool, err error) {
	if key == "" {
		// No key means the caller opted out of deduplication.
		return "", true, nil
	}
	now := g.now()
	existing, inserted, err := g.store.PutIdempotencyKey(ctx, IdempotencyRecord{
		Scope:     scope,
		Key:       key,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(g.retention),
	})
	if err != nil {
		return "", false, err
	}
	if inserted {
		return "", true, nil
	}
	return existing.Result, false, nil
}

// Cancel releases a reservation whose guarded work failed, so a retry of
// the same request can claim the key again instead of replaying a result
// that never landed. Empty keys were never reserved.
func (g *Guard) Cancel(ctx context.Context, scope, key string) error {
	if key == "" {
		return nil
	}
	return g.store.DeleteIdempotencyKey(ctx, scope, key)
}

// PurgeExpired removes expired reservations. Exposed for the external
// sweep; stores also drop expired entries lazily on lookup.
func (g *Guard) PurgeExpired(ctx context.Context) (int, error) {
	return g.store.DeleteExpiredIdempotencyKeys(ctx, g.now())
}
