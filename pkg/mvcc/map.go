// pkg/mvcc/map.go
package mvcc

import "sync"

// TxnMapLock is a transactional map from string keys to values of type V.
// It backs Directory's entries field (spec.md §4.2): reads and iteration
// are snapshots at a txn id, inserts/removals are buffered per txn until
// committed, and the entry-reservation API (Entry/MapEntry) gives callers
// an exclusive window to decide whether to insert under a name without
// any other transaction observing a half-finished create.
//
// The whole-map mutex kept here, rather than one lock per key, mirrors the
// narrow commit-only critical section in Jekaa-go-mvcc-map/mvcc/map.go:
// contention is expected to be rare enough (one directory's worth of
// names) that a single mutex plus a sync.Cond for reservation waiters is
// simpler and just as correct as per-key striping.
type TxnMapLock[V any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	commits map[string][]mapCommitRecord[V] // per key, ascending by txn; absent key means never committed
	pending map[string]*mapPending[V]
}

type mapPending[V any] struct {
	txn    TxnID
	val    V
	hasVal bool // false while reserved-but-not-yet-inserted
	tomb   bool // true when this is a pending deletion
}

type mapCommitRecord[V any] struct {
	txn        TxnID
	val        V
	tombRecord bool
}

// NewTxnMapLock creates an empty transactional map.
func NewTxnMapLock[V any]() *TxnMapLock[V] {
	m := &TxnMapLock[V]{
		commits: make(map[string][]mapCommitRecord[V]),
		pending: make(map[string]*mapPending[V]),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// MapEntry is either Occupied (a value is already visible to the calling
// txn) or a Vacant reservation that the caller must Insert into or
// Release.
type MapEntry[V any] struct {
	lock     *TxnMapLock[V]
	key      string
	txn      TxnID
	occupied bool
	val      V
}

// Occupied reports whether the entry already has a value visible to the
// transaction that requested it.
func (e *MapEntry[V]) Occupied() bool { return e.occupied }

// Value returns the occupied value. Only valid when Occupied is true.
func (e *MapEntry[V]) Value() V { return e.val }

// Insert stores value under the reserved key, releasing the reservation.
// It is only valid on a vacant entry.
func (e *MapEntry[V]) Insert(value V) {
	e.lock.mu.Lock()
	defer e.lock.mu.Unlock()
	defer e.lock.cond.Broadcast()

	e.lock.pending[e.key] = &mapPending[V]{txn: e.txn, val: value, hasVal: true}
}

// Release abandons a vacant reservation without inserting anything.
func (e *MapEntry[V]) Release() {
	e.lock.mu.Lock()
	defer e.lock.mu.Unlock()
	defer e.lock.cond.Broadcast()

	if p, ok := e.lock.pending[e.key]; ok && p.txn == e.txn && !p.hasVal {
		delete(e.lock.pending, e.key)
	}
}

// Entry reserves key for txn, blocking while another transaction has a
// pending reservation, insert or removal on the same key (until that
// transaction releases the reservation, commits or rolls back).
func (m *TxnMapLock[V]) Entry(txn TxnID, key string) *MapEntry[V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if v, ok := m.visibleLocked(txn, key); ok {
			return &MapEntry[V]{lock: m, key: key, txn: txn, occupied: true, val: v}
		}
		p, held := m.pending[key]
		if !held || p.txn == txn {
			break
		}
		m.cond.Wait()
	}

	m.pending[key] = &mapPending[V]{txn: txn}
	return &MapEntry[V]{lock: m, key: key, txn: txn, occupied: false}
}

// TryEntry is the non-blocking form of Entry: it fails with ErrConflict
// instead of waiting for another transaction's pending entry to clear.
func (m *TxnMapLock[V]) TryEntry(txn TxnID, key string) (*MapEntry[V], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.visibleLocked(txn, key); ok {
		return &MapEntry[V]{lock: m, key: key, txn: txn, occupied: true, val: v}, nil
	}
	if p, held := m.pending[key]; held && p.txn != txn {
		return nil, ErrConflict
	}

	m.pending[key] = &mapPending[V]{txn: txn}
	return &MapEntry[V]{lock: m, key: key, txn: txn, occupied: false}, nil
}

// visibleLocked resolves what key currently looks like to txn: its own
// pending insert (if any, and not a tombstone), else the most recent
// commit at or before txn. Caller must hold m.mu.
func (m *TxnMapLock[V]) visibleLocked(txn TxnID, key string) (V, bool) {
	if p, ok := m.pending[key]; ok && p.txn == txn {
		if p.hasVal && !p.tomb {
			return p.val, true
		}
		if p.tomb {
			var zero V
			return zero, false
		}
		// reserved but undecided: fall through to committed history
	}

	var best V
	found := false
	for _, c := range m.commits[key] {
		if c.txn > txn {
			break
		}
		if c.tombRecord {
			found = false
			continue
		}
		best = c.val
		found = true
	}
	return best, found
}

// Remove marks key as deleted for txn (a pending tombstone) and returns
// whether a value was visible to remove.
func (m *TxnMapLock[V]) Remove(txn TxnID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cond.Broadcast()

	_, existed := m.visibleLocked(txn, key)
	m.pending[key] = &mapPending[V]{txn: txn, hasVal: true, tomb: true}
	return existed
}

// Get returns the value visible to txn for key, blocking while another
// transaction has a pending reservation, insert or removal on key.
func (m *TxnMapLock[V]) Get(txn TxnID, key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		p, held := m.pending[key]
		if !held || p.txn == txn {
			return m.visibleLocked(txn, key)
		}
		m.cond.Wait()
	}
}

// TryGet is the non-blocking form of Get.
func (m *TxnMapLock[V]) TryGet(txn TxnID, key string) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, held := m.pending[key]; held && p.txn != txn {
		var zero V
		return zero, false, ErrConflict
	}
	v, ok := m.visibleLocked(txn, key)
	return v, ok, nil
}

// ContainsKey reports whether key is visible to txn.
func (m *TxnMapLock[V]) ContainsKey(txn TxnID, key string) bool {
	_, ok := m.Get(txn, key)
	return ok
}

// Snapshot returns every key/value pair visible to txn.
func (m *TxnMapLock[V]) Snapshot(txn TxnID) map[string]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(txn)
}

// Len reports the number of keys visible to txn.
func (m *TxnMapLock[V]) Len(txn TxnID) int { return len(m.Snapshot(txn)) }

// IsEmpty reports whether no keys are visible to txn.
func (m *TxnMapLock[V]) IsEmpty(txn TxnID) bool { return m.Len(txn) == 0 }

// Clear marks every key currently visible to txn as deleted (a pending
// tombstone for each), used by Directory.truncate.
func (m *TxnMapLock[V]) Clear(txn TxnID) {
	for key := range m.Snapshot(txn) {
		m.Remove(txn, key)
	}
}

// Delta describes one key's change introduced by a txn's commit: a nil
// Value means the key was removed.
type Delta[V any] struct {
	Key   string
	Value *V
}

// ReadAndCommit atomically commits every pending reservation/insert/
// tombstone belonging to txn, returning the resulting snapshot and the
// deltas this commit introduced.
func (m *TxnMapLock[V]) ReadAndCommit(txn TxnID) (map[string]V, []Delta[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cond.Broadcast()

	var deltas []Delta[V]
	for key, p := range m.pending {
		if p.txn != txn {
			continue
		}
		if p.tomb {
			m.commits[key] = append(m.commits[key], mapCommitRecord[V]{txn: txn, tombRecord: true})
			deltas = append(deltas, Delta[V]{Key: key, Value: nil})
		} else if p.hasVal {
			m.commits[key] = append(m.commits[key], mapCommitRecord[V]{txn: txn, val: p.val})
			v := p.val
			deltas = append(deltas, Delta[V]{Key: key, Value: &v})
		}
		delete(m.pending, key)
	}

	return m.snapshotLocked(txn), deltas
}

// ReadAndRollback discards every pending reservation/insert/tombstone
// belonging to txn.
func (m *TxnMapLock[V]) ReadAndRollback(txn TxnID) (map[string]V, []Delta[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cond.Broadcast()

	for key, p := range m.pending {
		if p.txn == txn {
			delete(m.pending, key)
		}
	}
	return m.snapshotLocked(txn), nil
}

// ReadAndFinalize permanently retires commit history at or before txn for
// every key, keeping only what is needed to answer future reads above
// txn, and returns the keys that became permanently garbage: a committed
// tombstone at or before txn that was never reinserted after it.
func (m *TxnMapLock[V]) ReadAndFinalize(txn TxnID) (garbage []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, recs := range m.commits {
		var sentinel mapCommitRecord[V]
		haveSentinel := false
		kept := recs[:0:0]
		for _, c := range recs {
			if c.txn > txn {
				kept = append(kept, c)
				continue
			}
			// c.txn, not txn: stamp the sentinel at the winning commit's own
			// id so reads at or above that id (not just at or above txn)
			// keep resolving, the same fix as ScalarLock.ReadAndFinalize.
			sentinel = mapCommitRecord[V]{txn: c.txn, val: c.val, tombRecord: c.tombRecord}
			haveSentinel = true
		}

		switch {
		case !haveSentinel:
			// Nothing at or before txn: kept (all strictly newer) stands as is.
		case len(kept) == 0 && sentinel.tombRecord:
			// Collapsed entirely to a tombstone with nothing surviving above
			// it: the key is permanently gone.
			delete(m.commits, key)
			garbage = append(garbage, key)
			continue
		default:
			kept = append([]mapCommitRecord[V]{sentinel}, kept...)
		}

		if len(kept) == 0 {
			delete(m.commits, key)
			continue
		}
		m.commits[key] = kept
	}
	return garbage
}

func (m *TxnMapLock[V]) snapshotLocked(txn TxnID) map[string]V {
	out := make(map[string]V)
	seen := make(map[string]struct{})
	for key := range m.commits {
		seen[key] = struct{}{}
	}
	for key := range m.pending {
		seen[key] = struct{}{}
	}
	for key := range seen {
		if v, ok := m.visibleLocked(txn, key); ok {
			out[key] = v
		}
	}
	return out
}
