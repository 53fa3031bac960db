// pkg/mvcc/scalar.go
package mvcc

import "sync"

// ScalarLock is a transactional lock over a single value of type V. It
// backs VersionedFile's last_modified field (spec.md §4.1): the committed
// value is the txn id that most recently committed a modification, and a
// pending value, if any, reflects an in-flight writer.
//
// Guard exclusivity is global rather than per-key: a held WriteGuard
// blocks every Read and Write at any txn id until it is released, which is
// the stronger (and sufficient) property scenario S2 exercises. The
// commit/rollback/finalize transitions, by contrast, only ever need the
// narrow bookkeeping mutex, mirroring the commit() critical section in
// Jekaa-go-mvcc-map/mvcc/map.go.
type ScalarLock[V any] struct {
	rw sync.RWMutex

	mu      sync.Mutex
	commits []commitRecord[V] // ascending by txn
	pending TxnID
	pval    V
	hasPend bool
}

type commitRecord[V any] struct {
	txn TxnID
	val V
}

// NewScalarLock creates a lock whose first write is already pending at
// txn, mirroring VersionedFile.create: "initializes last_modified with
// txn. No canonical copy is written until commit."
func NewScalarLock[V any](txn TxnID, initial V) *ScalarLock[V] {
	return &ScalarLock[V]{pending: txn, pval: initial, hasPend: true}
}

// NewCommittedScalarLock creates a lock whose value at txn is already
// committed, mirroring VersionedFile.load: the content being loaded is
// already durable on disk, not a fresh write awaiting commit, so it must
// seed committed history rather than a pending write. A pending baseline
// here would make the loaded value visible only to reads at exactly txn;
// every later txn would see no commit at or before it and fail ErrConflict
// even though the file is canonical on disk.
func NewCommittedScalarLock[V any](txn TxnID, initial V) *ScalarLock[V] {
	return &ScalarLock[V]{commits: []commitRecord[V]{{txn: txn, val: initial}}}
}

// ReadGuard is an owned read guard on the value effective at a txn.
type ReadGuard[V any] struct {
	lock *ScalarLock[V]
	val  V
}

// Value returns the effective value seen by the reader.
func (g ReadGuard[V]) Value() V { return g.val }

// Release releases the shared lock held by this guard.
func (g ReadGuard[V]) Release() { g.lock.rw.RUnlock() }

// WriteGuard is an owned write guard on the value at a txn.
type WriteGuard[V any] struct {
	lock *ScalarLock[V]
	// Prior is the value that was in effect before this write began; the
	// caller (VersionedFile.write) uses it to decide whether to copy bytes
	// from an older version or reuse the transaction's existing one.
	Prior V
	// Fresh is true when this write is the first at its txn id (the
	// caller must copy Prior's bytes into a brand-new version), false
	// when re-entering a write already pending at the same txn.
	Fresh bool
}

// Set records value as the pending write at this guard's txn. The caller
// is expected to call it once before Release, after copying or producing
// whatever content belongs at the new version.
func (g WriteGuard[V]) Set(value V) {
	g.lock.mu.Lock()
	defer g.lock.mu.Unlock()
	g.lock.pval = value
}

// Release releases the exclusive lock held by this guard.
func (g WriteGuard[V]) Release() { g.lock.rw.Unlock() }

func (s *ScalarLock[V]) current() (TxnID, V, bool) {
	if s.hasPend {
		return s.pending, s.pval, true
	}
	if n := len(s.commits); n > 0 {
		return s.commits[n-1].txn, s.commits[n-1].val, true
	}
	var zero V
	return 0, zero, false
}

// effectiveAt returns the most recent committed value with txn id <= at,
// or ok=false if none exists yet.
func (s *ScalarLock[V]) effectiveAt(at TxnID) (V, bool) {
	_, v, ok := s.effectiveRecordAt(at)
	return v, ok
}

// effectiveRecordAt is effectiveAt but also returns the txn id m of the
// winning commit record, distinct from at whenever at has no commit of its
// own (the common case when finalizing a file that this txn never wrote).
func (s *ScalarLock[V]) effectiveRecordAt(at TxnID) (TxnID, V, bool) {
	var bestTxn TxnID
	var best V
	found := false
	for _, c := range s.commits {
		if c.txn > at {
			break
		}
		bestTxn, best = c.txn, c.val
		found = true
	}
	return bestTxn, best, found
}

// Read acquires a read lock and resolves the effective value visible to
// txn: the txn's own pending write if it has one, else the most recent
// committed value at or before txn.
func (s *ScalarLock[V]) Read(txn TxnID) (ReadGuard[V], error) {
	s.rw.RLock()
	return s.finishRead(txn)
}

// TryRead is the non-blocking form of Read.
func (s *ScalarLock[V]) TryRead(txn TxnID) (ReadGuard[V], error) {
	if !s.rw.TryRLock() {
		return ReadGuard[V]{}, ErrConflict
	}
	return s.finishRead(txn)
}

func (s *ScalarLock[V]) finishRead(txn TxnID) (ReadGuard[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasPend && s.pending == txn {
		return ReadGuard[V]{lock: s, val: s.pval}, nil
	}
	if v, ok := s.effectiveAt(txn); ok {
		return ReadGuard[V]{lock: s, val: v}, nil
	}
	s.rw.RUnlock()
	var zero V
	return ReadGuard[V]{lock: s, val: zero}, ErrConflict
}

// Write acquires a write lock for txn. See the three-way comparison in
// spec.md §4.1: reusing an existing pending write at txn, starting a new
// one by advancing past an older committed/pending value, or failing
// Outdated against a newer one.
func (s *ScalarLock[V]) Write(txn TxnID) (WriteGuard[V], error) {
	s.rw.Lock()
	return s.finishWrite(txn)
}

// TryWrite is the non-blocking form of Write.
func (s *ScalarLock[V]) TryWrite(txn TxnID) (WriteGuard[V], error) {
	if !s.rw.TryLock() {
		return WriteGuard[V]{}, ErrConflict
	}
	return s.finishWrite(txn)
}

func (s *ScalarLock[V]) finishWrite(txn TxnID) (WriteGuard[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, prior, ok := s.current()
	switch {
	case !ok || m < txn:
		s.pending = txn
		s.hasPend = true
		return WriteGuard[V]{lock: s, Prior: prior, Fresh: true}, nil
	case m == txn:
		return WriteGuard[V]{lock: s, Prior: s.pval, Fresh: false}, nil
	default: // m > txn
		s.rw.Unlock()
		var zero V
		return WriteGuard[V]{lock: nil, Prior: zero}, ErrOutdated
	}
}

// ReadAndCommit atomically commits the pending write at txn, if any, and
// returns the value now in effect. Idempotent: calling it again for the
// same txn after it has already committed (or when txn never had a
// pending write) simply returns the current value.
func (s *ScalarLock[V]) ReadAndCommit(txn TxnID) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasPend && s.pending == txn {
		s.commits = append(s.commits, commitRecord[V]{txn: txn, val: s.pval})
		s.hasPend = false
		return s.pval, nil
	}
	if v, ok := s.effectiveAt(txn); ok {
		return v, nil
	}
	var zero V
	return zero, nil
}

// ReadAndRollback atomically discards the pending write at txn, if any,
// and returns the value that remains in effect (the prior commit).
func (s *ScalarLock[V]) ReadAndRollback(txn TxnID) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasPend && s.pending == txn {
		s.hasPend = false
	}
	if v, ok := s.effectiveAt(txn); ok {
		return v, nil
	}
	var zero V
	return zero, nil
}

// ReadAndFinalize permanently retires every commit at or before txn,
// keeping only the single most recent one — stamped at its own original
// txn id m, not at txn, so that reads anywhere at or above m (not just at
// or above txn) keep resolving correctly — and returns that committed
// value.
func (s *ScalarLock[V]) ReadAndFinalize(txn TxnID) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, v, ok := s.effectiveRecordAt(txn)
	if !ok {
		var zero V
		return zero, nil
	}

	kept := s.commits[:0:0]
	kept = append(kept, commitRecord[V]{txn: m, val: v})
	for _, c := range s.commits {
		if c.txn > txn {
			kept = append(kept, c)
		}
	}
	s.commits = kept
	return v, nil
}
