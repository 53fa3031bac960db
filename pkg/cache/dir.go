// pkg/cache/dir.go
//
// Package cache implements the frequency cache that spec.md treats as an
// external black box: lockable directory and file handles backed by plain
// os.File trees, with file content memory-mapped the way
// pkg/pager/mmap_unix.go maps database pages, and eviction bookkeeping
// delegated to MemoryBudget.
package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotExist is returned when an entry is looked up or deleted but does
// not exist on disk.
var ErrNotExist = os.ErrNotExist

// EntryKind distinguishes the two kinds of children a Dir can hold.
type EntryKind int

const (
	// KindDir marks a child that is itself a directory.
	KindDir EntryKind = iota
	// KindFile marks a child that is a regular file.
	KindFile
)

// EntryInfo describes one child observed by Children.
type EntryInfo struct {
	Name string
	Kind EntryKind
}

// Dir is a lockable handle onto a directory on disk. The lock it exposes
// is the cache-level lock from spec.md §5: an exclusive write lock shared
// by every transaction that touches this directory's canon or versions
// subtree, distinct from the per-transaction MVCC locks layered on top of
// it.
type Dir struct {
	mu     sync.RWMutex
	path   string
	budget *MemoryBudget
}

// OpenDir opens (creating if necessary) the directory at path.
func OpenDir(path string, budget *MemoryBudget) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Dir{path: path, budget: budget}, nil
}

// Path returns the directory's on-disk path.
func (d *Dir) Path() string { return d.path }

// Lock acquires the exclusive cache-level write lock, blocking.
func (d *Dir) Lock() { d.mu.Lock() }

// Unlock releases the exclusive cache-level write lock.
func (d *Dir) Unlock() { d.mu.Unlock() }

// RLock acquires the shared cache-level read lock, blocking.
func (d *Dir) RLock() { d.mu.RLock() }

// RUnlock releases the shared cache-level read lock.
func (d *Dir) RUnlock() { d.mu.RUnlock() }

// TryLock attempts to acquire the write lock without blocking.
func (d *Dir) TryLock() bool { return d.mu.TryLock() }

// TryRLock attempts to acquire the read lock without blocking.
func (d *Dir) TryRLock() bool { return d.mu.TryRLock() }

// Children lists the directory's immediate children, sorted by name. The
// caller (the overlay, not this cache) is responsible for filtering out
// hidden names per I1.
func (d *Dir) Children() ([]EntryInfo, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}

	out := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		kind := KindFile
		if e.IsDir() {
			kind = KindDir
		}
		out = append(out, EntryInfo{Name: e.Name(), Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Contains reports whether name exists as an immediate child.
func (d *Dir) Contains(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.path, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// GetOrCreateDir returns the sub-directory named name, creating it if
// absent.
func (d *Dir) GetOrCreateDir(name string) (*Dir, error) {
	return OpenDir(filepath.Join(d.path, name), d.budget)
}

// CreateFile creates (or truncates) a file named name with the given
// initial contents and returns a handle on it.
func (d *Dir) CreateFile(name string, contents []byte) (*File, error) {
	path := filepath.Join(d.path, name)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return nil, err
	}
	return openFile(path, d.budget)
}

// GetFile opens a handle on the existing file named name. It fails with
// ErrNotExist if the file is absent.
func (d *Dir) GetFile(name string) (*File, error) {
	path := filepath.Join(d.path, name)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return openFile(path, d.budget)
}

// CopyFileInto copies src's current bytes into a new file named name
// inside this directory, returning a handle on the copy.
func (d *Dir) CopyFileInto(name string, src *File) (*File, error) {
	data, err := src.Bytes()
	if err != nil {
		return nil, err
	}
	return d.CreateFile(name, data)
}

// Delete removes the named child, recursively if it is a directory.
// It is not an error for name to be absent.
func (d *Dir) Delete(name string) error {
	return os.RemoveAll(filepath.Join(d.path, name))
}

// IsEmpty reports whether the directory currently has no children.
func (d *Dir) IsEmpty() (bool, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// Truncate deletes every child of the directory.
func (d *Dir) Truncate() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.path, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the directory's entries (creates/renames/deletes) to the
// host filesystem.
func (d *Dir) Sync() error {
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Remove deletes this directory itself (it must already be empty).
func (d *Dir) Remove() error {
	return os.Remove(d.path)
}
