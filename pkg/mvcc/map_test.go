// pkg/mvcc/map_test.go
package mvcc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTxnMapLockVacantEntryThenInsert(t *testing.T) {
	m := NewTxnMapLock[string]()

	e := m.Entry(1, "a")
	if e.Occupied() {
		t.Fatalf("expected vacant entry for a fresh key")
	}
	e.Insert("hello")

	v, ok := m.Get(1, "a")
	if !ok || v != "hello" {
		t.Fatalf("expected hello visible to inserting txn, got %q, %v", v, ok)
	}

	if _, ok, err := m.TryGet(2, "a"); err == nil || ok {
		t.Fatalf("expected uncommitted insert invisible to other txn, got ok=%v err=%v", ok, err)
	}
}

func TestTxnMapLockCommitMakesVisibleToLaterTxns(t *testing.T) {
	m := NewTxnMapLock[int]()

	e := m.Entry(1, "k")
	e.Insert(42)
	snap, deltas := m.ReadAndCommit(1)

	if len(deltas) != 1 || deltas[0].Key != "k" || deltas[0].Value == nil || *deltas[0].Value != 42 {
		t.Fatalf("unexpected deltas: %+v", deltas)
	}
	if snap["k"] != 42 {
		t.Fatalf("expected committed snapshot to contain k=42, got %+v", snap)
	}

	v, ok := m.Get(2, "k")
	if !ok || v != 42 {
		t.Fatalf("expected k visible to later txn, got %v, %v", v, ok)
	}
}

func TestTxnMapLockRollbackDiscardsInsert(t *testing.T) {
	m := NewTxnMapLock[int]()

	e := m.Entry(1, "k")
	e.Insert(7)
	m.ReadAndRollback(1)

	if _, ok := m.Get(1, "k"); ok {
		t.Fatalf("expected k absent after rollback")
	}
}

func TestTxnMapLockRemoveThenCommitTombstones(t *testing.T) {
	m := NewTxnMapLock[int]()

	e := m.Entry(1, "k")
	e.Insert(1)
	m.ReadAndCommit(1)

	if existed := m.Remove(2, "k"); !existed {
		t.Fatalf("expected remove to report k existed")
	}
	if _, ok := m.Get(2, "k"); ok {
		t.Fatalf("expected k invisible to its own removing txn before commit")
	}
	// Another txn cannot read k while txn 2's removal is still pending: the
	// non-blocking read reports a conflict, just as it does for a pending
	// insert.
	if _, ok, err := m.TryGet(3, "k"); !errors.Is(err, ErrConflict) || ok {
		t.Fatalf("expected txn 3's try-get to conflict with the uncommitted tombstone, got %v %v", ok, err)
	}

	m.ReadAndCommit(2)

	if _, ok := m.Get(3, "k"); ok {
		t.Fatalf("expected k gone for txn at or after the committed removal")
	}
}

func TestTxnMapLockEntryBlocksConcurrentReservation(t *testing.T) {
	m := NewTxnMapLock[int]()

	e1 := m.Entry(1, "k")

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		e2 := m.Entry(2, "k")
		e2.Insert(99)
		close(done)
	}()

	<-started
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("expected txn 2's Entry to block while txn 1 holds the reservation")
	default:
	}

	e1.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("txn 2's Entry never unblocked after release")
	}
}

func TestTxnMapLockTryEntryConflicts(t *testing.T) {
	m := NewTxnMapLock[int]()
	m.Entry(1, "k")

	if _, err := m.TryEntry(2, "k"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict from concurrent reservation, got %v", err)
	}
}

func TestTxnMapLockFinalizeReportsGarbage(t *testing.T) {
	m := NewTxnMapLock[int]()

	e := m.Entry(1, "k")
	e.Insert(5)
	m.ReadAndCommit(1)
	m.Remove(2, "k")
	m.ReadAndCommit(2)

	garbage := m.ReadAndFinalize(2)
	if len(garbage) != 1 || garbage[0] != "k" {
		t.Fatalf("expected k reported as garbage after finalize, got %v", garbage)
	}
	if _, ok := m.Get(3, "k"); ok {
		t.Fatalf("expected k to remain absent after finalize")
	}
}

func TestTxnMapLockSnapshotIsStable(t *testing.T) {
	m := NewTxnMapLock[int]()
	e := m.Entry(1, "a")
	e.Insert(1)
	m.ReadAndCommit(1)

	snap := m.Snapshot(1)
	e2 := m.Entry(2, "b")
	e2.Insert(2)

	if _, ok := snap["b"]; ok {
		t.Fatalf("expected earlier snapshot to be unaffected by a later txn's pending insert")
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); e2.Release() }()
	wg.Wait()
}
