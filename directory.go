package txfs

import (
	"fmt"
	"sort"
	"sync"

	"txfs/pkg/cache"
	"txfs/pkg/mvcc"
)

// Directory owns the MVCC name→Entry map and marshals create/read/delete
// across Entries while coordinating the canonical and .txfs subtrees
// (spec.md §4.2).
type Directory struct {
	canon    *cache.Dir
	versions *cache.Dir
	entries  *mvcc.TxnMapLock[Entry]
	budget   *cache.MemoryBudget
}

// LoadDirectory opens (creating if necessary) the directory at path as
// the root of a transactional tree, recursively loading its existing
// children at txn.
func LoadDirectory(txn mvcc.TxnID, path string, budget *cache.MemoryBudget) (*Directory, error) {
	canon, err := cache.OpenDir(path, budget)
	if err != nil {
		return nil, newErr(IO, "open canonical directory "+path, err)
	}
	return loadDirectory(txn, canon, budget)
}

// loadDirectory acquires canon, retrieves or creates the .txfs
// subdirectory, truncates it, then recursively loads every non-hidden
// child into a fresh MVCC map installed at txn (spec.md §4.2 load).
//
// Recursion here is ordinary Go call recursion: unlike an async Rust
// future, a goroutine's stack grows on demand, so there is no need for
// the heap-allocated continuation the source's recursive async loads
// require.
func loadDirectory(txn mvcc.TxnID, canon *cache.Dir, budget *cache.MemoryBudget) (*Directory, error) {
	canon.Lock()
	defer canon.Unlock()

	versions, err := canon.GetOrCreateDir(versionsDirName)
	if err != nil {
		return nil, newErr(IO, "open versions directory under "+canon.Path(), err)
	}
	if err := versions.Truncate(); err != nil {
		return nil, newErr(IO, "truncate versions directory under "+canon.Path(), err)
	}

	children, err := canon.Children()
	if err != nil {
		return nil, newErr(IO, "list children of "+canon.Path(), err)
	}

	entries := mvcc.NewTxnMapLock[Entry]()
	for _, child := range children {
		if isHidden(child.Name) {
			continue
		}

		var entry Entry
		switch child.Kind {
		case cache.KindDir:
			sub, err := canon.GetOrCreateDir(child.Name)
			if err != nil {
				return nil, newErr(IO, "open sub-directory "+child.Name, err)
			}
			subDir, err := loadDirectory(txn, sub, budget)
			if err != nil {
				return nil, err
			}
			entry = dirEntry(subDir)
		case cache.KindFile:
			verDir, err := versions.GetOrCreateDir(child.Name)
			if err != nil {
				return nil, newErr(IO, "open version directory for "+child.Name, err)
			}
			vf, err := loadVersionedFile(txn, child.Name, canon, verDir)
			if err != nil {
				return nil, err
			}
			entry = fileEntry(vf)
		}

		e := entries.Entry(txn, child.Name)
		e.Insert(entry)
	}
	entries.ReadAndCommit(txn)

	return &Directory{canon: canon, versions: versions, entries: entries, budget: budget}, nil
}

// Contains reports whether name is present at txn.
func (d *Directory) Contains(txn mvcc.TxnID, name string) bool {
	return d.entries.ContainsKey(txn, name)
}

// Len reports the number of entries visible at txn.
func (d *Directory) Len(txn mvcc.TxnID) int { return d.entries.Len(txn) }

// IsEmpty reports whether no entries are visible at txn.
func (d *Directory) IsEmpty(txn mvcc.TxnID) bool { return d.entries.IsEmpty(txn) }

// ContainsFiles reports whether any entry visible at txn is a file.
func (d *Directory) ContainsFiles(txn mvcc.TxnID) bool {
	for _, e := range d.entries.Snapshot(txn) {
		if e.IsFile() {
			return true
		}
	}
	return false
}

// CreateDir reserves name via the entries map's entry API, fails
// AlreadyExists if occupied, then creates and loads canon/<name>.
func (d *Directory) CreateDir(txn mvcc.TxnID, name Name) (*Directory, error) {
	entry := d.entries.Entry(txn, string(name))
	if entry.Occupied() {
		return nil, newErr(AlreadyExists, "directory "+string(name), nil)
	}

	d.canon.Lock()
	sub, err := d.canon.GetOrCreateDir(string(name))
	d.canon.Unlock()
	if err != nil {
		entry.Release()
		return nil, newErr(IO, "create sub-directory "+string(name), err)
	}

	subDir, err := loadDirectory(txn, sub, d.budget)
	if err != nil {
		entry.Release()
		return nil, err
	}

	entry.Insert(dirEntry(subDir))
	return subDir, nil
}

// CreateFile reserves name via the entries map's entry API, fails
// AlreadyExists if occupied, then creates a version directory and a
// fresh VersionedFile with the given initial contents.
func (d *Directory) CreateFile(txn mvcc.TxnID, name Name, contents []byte) (*VersionedFile, error) {
	entry := d.entries.Entry(txn, string(name))
	if entry.Occupied() {
		return nil, newErr(AlreadyExists, "file "+string(name), nil)
	}

	d.versions.Lock()
	verDir, err := d.versions.GetOrCreateDir(string(name))
	d.versions.Unlock()
	if err != nil {
		entry.Release()
		return nil, newErr(IO, "create version directory for "+string(name), err)
	}

	vf, err := createVersionedFile(txn, string(name), d.canon, verDir, contents)
	if err != nil {
		entry.Release()
		return nil, err
	}

	entry.Insert(fileEntry(vf))
	return vf, nil
}

// Delete removes the entry named name at txn. If it was a sub-directory,
// it is recursively truncated. Canonical files are not removed from disk
// until commit.
func (d *Directory) Delete(txn mvcc.TxnID, name string) (bool, error) {
	e, existed := d.entries.Get(txn, name)
	if !d.entries.Remove(txn, name) {
		return existed, nil
	}
	if existed && e.IsDir() {
		if err := e.Dir().Truncate(txn); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Truncate clears the entries map at txn, recursively truncating any
// sub-directories observed.
func (d *Directory) Truncate(txn mvcc.TxnID) error {
	snapshot := d.entries.Snapshot(txn)
	d.entries.Clear(txn)
	for _, e := range snapshot {
		if e.IsDir() {
			if err := e.Dir().Truncate(txn); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetDir reads the entry named name, failing NotFound if absent and
// InvalidData if it is not a directory.
func (d *Directory) GetDir(txn mvcc.TxnID, name string) (*Directory, error) {
	e, ok := d.entries.Get(txn, name)
	if !ok {
		return nil, newErr(NotFound, "directory "+name, nil)
	}
	if !e.IsDir() {
		return nil, newErr(InvalidData, "not a directory: "+name, nil)
	}
	return e.Dir(), nil
}

// GetFile reads the entry named name, failing NotFound if absent and
// InvalidData if it is not a file.
func (d *Directory) GetFile(txn mvcc.TxnID, name string) (*VersionedFile, error) {
	e, ok := d.entries.Get(txn, name)
	if !ok {
		return nil, newErr(NotFound, "file "+name, nil)
	}
	if !e.IsFile() {
		return nil, newErr(InvalidData, "not a file: "+name, nil)
	}
	return e.File(), nil
}

// TryGetDir is the non-blocking form of GetDir, failing Conflict instead
// of waiting on a concurrent reservation.
func (d *Directory) TryGetDir(txn mvcc.TxnID, name string) (*Directory, error) {
	e, ok, err := d.entries.TryGet(txn, name)
	if err != nil {
		return nil, newErr(Conflict, "directory "+name, err)
	}
	if !ok {
		return nil, newErr(NotFound, "directory "+name, nil)
	}
	if !e.IsDir() {
		return nil, newErr(InvalidData, "not a directory: "+name, nil)
	}
	return e.Dir(), nil
}

// TryGetFile is the non-blocking form of GetFile.
func (d *Directory) TryGetFile(txn mvcc.TxnID, name string) (*VersionedFile, error) {
	e, ok, err := d.entries.TryGet(txn, name)
	if err != nil {
		return nil, newErr(Conflict, "file "+name, err)
	}
	if !ok {
		return nil, newErr(NotFound, "file "+name, nil)
	}
	if !e.IsFile() {
		return nil, newErr(InvalidData, "not a file: "+name, nil)
	}
	return e.File(), nil
}

// ReadFile is a convenience wrapper over GetFile and VersionedFile.Read.
func (d *Directory) ReadFile(txn mvcc.TxnID, name string) (*ReadGuard, error) {
	f, err := d.GetFile(txn, name)
	if err != nil {
		return nil, err
	}
	return f.Read(txn)
}

// WriteFile is a convenience wrapper over GetFile and VersionedFile.Write.
func (d *Directory) WriteFile(txn mvcc.TxnID, name string) (*WriteGuard, error) {
	f, err := d.GetFile(txn, name)
	if err != nil {
		return nil, err
	}
	return f.Write(txn)
}

// Iter returns an MVCC snapshot of every entry visible at txn.
func (d *Directory) Iter(txn mvcc.TxnID) map[string]Entry {
	return d.entries.Snapshot(txn)
}

// DirNames returns the sorted names of sub-directory entries visible at
// txn.
func (d *Directory) DirNames(txn mvcc.TxnID) []string {
	return filterNames(d.entries.Snapshot(txn), func(e Entry) bool { return e.IsDir() })
}

// FileNames returns the sorted names of file entries visible at txn.
func (d *Directory) FileNames(txn mvcc.TxnID) []string {
	return filterNames(d.entries.Snapshot(txn), func(e Entry) bool { return e.IsFile() })
}

func filterNames(snapshot map[string]Entry, keep func(Entry) bool) []string {
	names := make([]string, 0, len(snapshot))
	for name, e := range snapshot {
		if keep(e) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NamedFile pairs a file's name with an owned read guard on its content
// at the snapshot's txn, as yielded by Files.
type NamedFile struct {
	Name  string
	Guard *ReadGuard
}

// Files yields (name, read_guard) pairs for every file entry visible at
// txn.
func (d *Directory) Files(txn mvcc.TxnID) ([]NamedFile, error) {
	names := d.FileNames(txn)
	out := make([]NamedFile, 0, len(names))
	for _, name := range names {
		f, err := d.GetFile(txn, name)
		if err != nil {
			return nil, err
		}
		guard, err := f.Read(txn)
		if err != nil {
			return nil, err
		}
		out = append(out, NamedFile{Name: name, Guard: guard})
	}
	return out, nil
}

// Commit drives read_and_commit on the entries map, optionally commits
// every child concurrently, then uses the returned deltas to remove any
// deleted canonical entries from disk (spec.md §4.2 commit). Idempotent.
func (d *Directory) Commit(txn mvcc.TxnID, recursive bool) error {
	snapshot, deltas := d.entries.ReadAndCommit(txn)

	if recursive {
		if err := commitChildren(snapshot, txn); err != nil {
			return err
		}
	}

	touched := false
	for _, delta := range deltas {
		if delta.Value != nil {
			continue
		}
		d.canon.Lock()
		existed, _ := d.canon.Contains(delta.Key)
		err := d.canon.Delete(delta.Key)
		d.canon.Unlock()
		if err != nil {
			return newErr(IO, "delete canonical "+delta.Key, err)
		}
		if existed {
			touched = true
		}
	}
	if touched {
		if err := d.canon.Sync(); err != nil {
			panic(fmt.Sprintf("txfs: sync failed for %s during commit: %v", d.canon.Path(), err))
		}
	}
	return nil
}

func commitChildren(snapshot map[string]Entry, txn mvcc.TxnID) error {
	var wg sync.WaitGroup
	errs := make([]error, 0, len(snapshot))
	var mu sync.Mutex
	for _, e := range snapshot {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			var err error
			if e.IsDir() {
				err = e.Dir().Commit(txn, true)
			} else {
				err = e.File().Commit(txn)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Rollback drives read_and_rollback on the entries map and, if recursive,
// concurrently rolls back every entry still live afterward.
func (d *Directory) Rollback(txn mvcc.TxnID, recursive bool) error {
	snapshot, _ := d.entries.ReadAndRollback(txn)
	if !recursive {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 0, len(snapshot))
	var mu sync.Mutex
	for _, e := range snapshot {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			var err error
			if e.IsDir() {
				err = e.Dir().Rollback(txn, true)
			} else {
				err = e.File().Rollback(txn)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Finalize drains garbage entries at or before txn from the entries map,
// finalizes every entry still live, then reclaims empty version and
// canonical subdirectories that no longer correspond to a live entry.
func (d *Directory) Finalize(txn mvcc.TxnID) error {
	d.entries.ReadAndFinalize(txn)

	snapshot := d.entries.Snapshot(txn)
	var wg sync.WaitGroup
	for _, e := range snapshot {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			if e.IsDir() {
				e.Dir().Finalize(txn)
			} else {
				e.File().Finalize(txn)
			}
		}(e)
	}
	wg.Wait()

	live := make(map[string]struct{}, len(snapshot))
	for name := range snapshot {
		live[name] = struct{}{}
	}

	d.versions.Lock()
	verChildren, verErr := d.versions.Children()
	if verErr == nil {
		for _, c := range verChildren {
			if _, ok := live[c.Name]; ok {
				continue
			}
			sub, err := d.versions.GetOrCreateDir(c.Name)
			if err != nil {
				continue
			}
			if empty, _ := sub.IsEmpty(); empty {
				sub.Remove()
			}
		}
	}
	versionsEmpty, _ := d.versions.IsEmpty()
	d.versions.Unlock()

	d.canon.Lock()
	canonRemoved := false
	canonChildren, canonErr := d.canon.Children()
	if canonErr == nil {
		for _, c := range canonChildren {
			if isHidden(c.Name) || c.Kind != cache.KindDir {
				continue
			}
			if _, ok := live[c.Name]; ok {
				continue
			}
			sub, err := d.canon.GetOrCreateDir(c.Name)
			if err != nil {
				continue
			}
			if empty, _ := sub.IsEmpty(); empty {
				sub.Remove()
				canonRemoved = true
			}
		}
	}
	if versionsEmpty {
		if err := d.canon.Delete(versionsDirName); err == nil {
			canonRemoved = true
		}
	}
	if canonRemoved {
		if err := d.canon.Sync(); err != nil {
			d.canon.Unlock()
			panic(fmt.Sprintf("txfs: sync failed for %s during finalize: %v", d.canon.Path(), err))
		}
	}
	d.canon.Unlock()

	return nil
}
