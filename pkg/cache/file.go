// pkg/cache/file.go
package cache

import (
	"sync"
)

// File is a lockable handle onto a single file's content, memory-mapped
// the same way pkg/pager/mmap_unix.go maps database pages: the mapping is
// opened lazily on first access and replaced wholesale on write, since
// version files are whole-file images rather than fixed-size pages.
type File struct {
	mu     sync.RWMutex
	path   string
	budget *MemoryBudget

	loadMu sync.Mutex
	mm     *mmapFile
}

func openFile(path string, budget *MemoryBudget) (*File, error) {
	return &File{path: path, budget: budget}, nil
}

// Path returns the file's on-disk path.
func (f *File) Path() string { return f.path }

// Lock acquires the exclusive cache-level write lock, blocking.
func (f *File) Lock() { f.mu.Lock() }

// Unlock releases the exclusive cache-level write lock.
func (f *File) Unlock() { f.mu.Unlock() }

// RLock acquires the shared cache-level read lock, blocking.
func (f *File) RLock() { f.mu.RLock() }

// RUnlock releases the shared cache-level read lock.
func (f *File) RUnlock() { f.mu.RUnlock() }

// TryLock attempts to acquire the write lock without blocking.
func (f *File) TryLock() bool { return f.mu.TryLock() }

// TryRLock attempts to acquire the read lock without blocking.
func (f *File) TryRLock() bool { return f.mu.TryRLock() }

func (f *File) ensureMapped() error {
	f.loadMu.Lock()
	defer f.loadMu.Unlock()
	if f.mm != nil {
		return nil
	}
	mm, err := openMmapFile(f.path)
	if err != nil {
		return err
	}
	f.mm = mm
	if f.budget != nil {
		f.budget.TrackWithPriority("file_content", f.path, mm.Size(), PriorityWarm, f)
	}
	return nil
}

// Size returns the file's current size in bytes.
func (f *File) Size() (int64, error) {
	if err := f.ensureMapped(); err != nil {
		return 0, err
	}
	return f.mm.Size(), nil
}

// Bytes returns a copy of the file's current content.
func (f *File) Bytes() ([]byte, error) {
	if err := f.ensureMapped(); err != nil {
		return nil, err
	}
	if f.budget != nil {
		f.budget.RecordAccess("file_content", f.path)
	}
	src := f.mm.Bytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// SetContents replaces the file's entire content with data and remaps it.
func (f *File) SetContents(data []byte) error {
	if err := f.ensureMapped(); err != nil {
		return err
	}
	if err := f.mm.Replace(data); err != nil {
		return err
	}
	if f.budget != nil {
		f.budget.ReleaseItem("file_content", f.path)
		f.budget.TrackWithPriority("file_content", f.path, f.mm.Size(), PriorityWarm, f)
	}
	return nil
}

// Sync flushes the file's content to the host filesystem.
func (f *File) Sync() error {
	if err := f.ensureMapped(); err != nil {
		return err
	}
	return f.mm.Sync()
}

// Close releases the memory mapping, if any was established.
func (f *File) Close() error {
	f.loadMu.Lock()
	defer f.loadMu.Unlock()
	if f.mm == nil {
		return nil
	}
	err := f.mm.Close()
	f.mm = nil
	if f.budget != nil {
		f.budget.ReleaseItem("file_content", f.path)
	}
	return err
}
