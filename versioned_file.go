package txfs

import (
	"errors"
	"fmt"

	"txfs/pkg/cache"
	"txfs/pkg/mvcc"
)

// VersionedFile owns the MVCC version store for a single file (spec.md
// §4.1): a last-modified transaction lock, a per-file versions directory
// holding one on-disk copy per transaction that created, loaded or wrote
// it (a read opens an existing copy and adds none), and a pointer back to
// the canonical file in its parent directory.
type VersionedFile struct {
	name     string
	parent   *cache.Dir
	versions *cache.Dir

	lastModified *mvcc.ScalarLock[mvcc.TxnID]
}

// ReadGuard is an owned read guard on a file's contents at the version
// effective for the transaction that acquired it.
type ReadGuard struct {
	guard mvcc.ReadGuard[mvcc.TxnID]
	file  *cache.File
}

// Bytes returns a copy of the guarded version's contents.
func (g *ReadGuard) Bytes() ([]byte, error) { return g.file.Bytes() }

// Release releases the underlying last-modified read lock.
func (g *ReadGuard) Release() { g.guard.Release() }

// WriteGuard is an owned write guard on a file's contents at the
// transaction that acquired it.
type WriteGuard struct {
	guard mvcc.WriteGuard[mvcc.TxnID]
	file  *cache.File
	txn   mvcc.TxnID
}

// Bytes returns a copy of the guarded version's current contents.
func (g *WriteGuard) Bytes() ([]byte, error) { return g.file.Bytes() }

// Write replaces the guarded version's contents.
func (g *WriteGuard) Write(data []byte) error {
	return g.file.SetContents(data)
}

// Release releases the underlying last-modified write lock.
func (g *WriteGuard) Release() { g.guard.Release() }

func versionFileName(txn mvcc.TxnID) string { return txn.String() }

// createVersionedFile writes initial_contents to versions/<txn> and
// initializes last_modified with txn. No canonical copy is written until
// commit.
func createVersionedFile(txn mvcc.TxnID, name string, parent, versions *cache.Dir, initial []byte) (*VersionedFile, error) {
	if _, err := versions.CreateFile(versionFileName(txn), initial); err != nil {
		return nil, newErr(IO, "create initial version for "+name, err)
	}
	return &VersionedFile{
		name:         name,
		parent:       parent,
		versions:     versions,
		lastModified: mvcc.NewScalarLock(txn, txn),
	}, nil
}

// loadVersionedFile asserts a canonical entry exists in parent, truncates
// versions (discarding leftover pending versions from a prior process),
// copies the canonical bytes to versions/<txn>, and initializes
// last_modified with txn. Fails NotFound if the canonical file is
// missing.
func loadVersionedFile(txn mvcc.TxnID, name string, parent, versions *cache.Dir) (*VersionedFile, error) {
	canon, err := parent.GetFile(name)
	if err != nil {
		return nil, newErr(NotFound, "canonical file "+name, err)
	}

	if err := versions.Truncate(); err != nil {
		return nil, newErr(IO, "truncate versions for "+name, err)
	}
	if _, err := versions.CopyFileInto(versionFileName(txn), canon); err != nil {
		return nil, newErr(IO, "seed version for "+name, err)
	}

	return &VersionedFile{
		name:         name,
		parent:       parent,
		versions:     versions,
		// Committed, not pending: the canonical file is already durable on
		// disk, so a load introduces no in-flight write for any later txn
		// to conflict with. NewScalarLock(txn, txn) here would make the
		// loaded content visible only to reads at exactly txn, failing ErrConflict at
		// every later one.
		lastModified: mvcc.NewCommittedScalarLock(txn, txn),
	}, nil
}

// Read acquires a read on last_modified, yielding the txn id m of the
// effective version, and returns an owned read guard on versions/<m>.
func (f *VersionedFile) Read(txn mvcc.TxnID) (*ReadGuard, error) {
	guard, err := f.lastModified.Read(txn)
	if err != nil {
		return nil, newErr(Conflict, "read "+f.name, err)
	}
	file, err := f.openVersionOrCanon(guard.Value())
	if err != nil {
		guard.Release()
		return nil, err
	}
	return &ReadGuard{guard: guard, file: file}, nil
}

// TryRead is the non-blocking form of Read.
func (f *VersionedFile) TryRead(txn mvcc.TxnID) (*ReadGuard, error) {
	guard, err := f.lastModified.TryRead(txn)
	if err != nil {
		return nil, newErr(Conflict, "read "+f.name, err)
	}
	file, err := f.openVersionOrCanon(guard.Value())
	if err != nil {
		guard.Release()
		return nil, err
	}
	return &ReadGuard{guard: guard, file: file}, nil
}

// openVersionOrCanon opens versions/<id>, falling back to the canonical
// file when that version has already been reclaimed by a prior finalize
// (I6): once finalize(t) runs, no version file with id <= t remains, but
// its content was already durably copied to the canonical file at the
// commit that produced it.
func (f *VersionedFile) openVersionOrCanon(id mvcc.TxnID) (*cache.File, error) {
	file, err := f.versions.GetFile(versionFileName(id))
	if err == nil {
		return file, nil
	}
	if !errors.Is(err, cache.ErrNotExist) {
		return nil, newErr(IO, "open version "+id.String()+" of "+f.name, err)
	}
	file, err = f.parent.GetFile(f.name)
	if err != nil {
		return nil, newErr(IO, "open canonical "+f.name+" after reclaimed version "+id.String(), err)
	}
	return file, nil
}

// Write acquires a write on last_modified, per the three-way comparison
// in spec.md §4.1.
func (f *VersionedFile) Write(txn mvcc.TxnID) (*WriteGuard, error) {
	guard, err := f.lastModified.Write(txn)
	if err != nil {
		return nil, classifyWriteErr(f.name, err)
	}
	return f.finishWrite(txn, guard)
}

// TryWrite is the non-blocking form of Write.
func (f *VersionedFile) TryWrite(txn mvcc.TxnID) (*WriteGuard, error) {
	guard, err := f.lastModified.TryWrite(txn)
	if err != nil {
		return nil, classifyWriteErr(f.name, err)
	}
	return f.finishWrite(txn, guard)
}

func classifyWriteErr(name string, err error) error {
	if errors.Is(err, mvcc.ErrOutdated) {
		return newErr(Outdated, "write "+name, err)
	}
	return newErr(Conflict, "write "+name, err)
}

func (f *VersionedFile) finishWrite(txn mvcc.TxnID, guard mvcc.WriteGuard[mvcc.TxnID]) (*WriteGuard, error) {
	if guard.Fresh {
		prior, err := f.openVersionOrCanon(guard.Prior)
		if err != nil {
			guard.Release()
			return nil, err
		}
		if _, err := f.versions.CopyFileInto(versionFileName(txn), prior); err != nil {
			guard.Release()
			return nil, newErr(IO, "copy forward version of "+f.name, err)
		}
		guard.Set(txn)
	}

	file, err := f.versions.GetFile(versionFileName(txn))
	if err != nil {
		guard.Release()
		return nil, newErr(IO, "open version "+txn.String()+" of "+f.name, err)
	}
	return &WriteGuard{guard: guard, file: file, txn: txn}, nil
}

// Commit calls read_and_commit(txn) on last_modified. If the committed
// value equals txn, copies versions/<txn> into parent/<name> and syncs
// it. Idempotent.
func (f *VersionedFile) Commit(txn mvcc.TxnID) error {
	m, err := f.lastModified.ReadAndCommit(txn)
	if err != nil {
		return newErr(Conflict, "commit "+f.name, err)
	}
	if m != txn {
		return nil
	}

	version, err := f.versions.GetFile(versionFileName(txn))
	if err != nil {
		return newErr(IO, "open committed version of "+f.name, err)
	}
	data, err := version.Bytes()
	if err != nil {
		return newErr(IO, "read committed version of "+f.name, err)
	}

	// Held the same way directory.go locks canon around a delete: the
	// canonical directory is mutated under its own exclusive lock, not
	// last_modified's. Per-file commits are already serialized against
	// each other by last_modified, but the lock still matters against
	// concurrent directory-level operations on f.parent (e.g. another
	// file's commit or a delete) that touch the same canon Dir.
	f.parent.Lock()
	canon, err := f.parent.CreateFile(f.name, data)
	if err == nil {
		err = canon.Sync()
	}
	f.parent.Unlock()
	if err != nil {
		if canon == nil {
			return newErr(IO, "write canonical "+f.name, err)
		}
		panic(fmt.Sprintf("txfs: sync failed for %s during commit: %v", f.name, err))
	}
	return nil
}

// Rollback calls read_and_rollback(txn) on last_modified and, unless the
// result equals txn, deletes versions/<txn>. ReadAndRollback returns the
// value still in effect after discarding txn's pending write (the prior
// commit), so a result equal to txn means a commit at txn is already in
// effect and versions/<txn> holds its image, which is kept. Any other
// result means versions/<txn>, if present, belonged to the discarded
// write.
func (f *VersionedFile) Rollback(txn mvcc.TxnID) error {
	prior, err := f.lastModified.ReadAndRollback(txn)
	if err != nil {
		return newErr(Conflict, "rollback "+f.name, err)
	}
	if prior == txn {
		return nil
	}
	if err := f.versions.Delete(versionFileName(txn)); err != nil {
		return newErr(IO, "delete rolled-back version of "+f.name, err)
	}
	return nil
}

// Finalize calls read_and_finalize(txn) on last_modified. If it returns a
// committed value m, deletes every version file whose parsed txn id is <=
// m.
func (f *VersionedFile) Finalize(txn mvcc.TxnID) error {
	m, err := f.lastModified.ReadAndFinalize(txn)
	if err != nil {
		return newErr(Conflict, "finalize "+f.name, err)
	}

	entries, err := f.versions.Children()
	if err != nil {
		return newErr(IO, "list versions of "+f.name, err)
	}
	for _, e := range entries {
		id, ok := parseTxnID(e.Name)
		if !ok {
			continue
		}
		if id <= m {
			if err := f.versions.Delete(e.Name); err != nil {
				return newErr(IO, "reclaim version "+e.Name+" of "+f.name, err)
			}
		}
	}
	return nil
}

func parseTxnID(s string) (mvcc.TxnID, bool) {
	var n uint64
	if len(s) == 0 {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return mvcc.TxnID(n), true
}
