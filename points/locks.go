package points

import "sync"

// =============================================================================
// KEY LOCKS - Partitioned serialization by string key
// =============================================================================

// keyLocks serializes operations that share a key. The ledger and quota
// tracker key by user ID so no two mutations for the same user interleave
// their read-modify-write; the workflows key callbacks by purchase/swap
// reference. Different keys proceed in parallel. Locks are created on
// first use and kept for the process lifetime (bounded by the active
// key population).
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (kl *keyLocks) lock(key string) *sync.Mutex {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	if !ok {
		l = &sync.Mutex{}
		kl.locks[key] = l
	}
	kl.mu.Unlock()

	l.Lock()
	return l
}
