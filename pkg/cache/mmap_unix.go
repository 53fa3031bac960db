//go:build unix || darwin || linux || freebsd || openbsd || netbsd

// pkg/cache/mmap_unix.go
package cache

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// openMmapFile opens (creating if needed) the file at path and maps its
// entire current content into memory. A zero-length file is represented by
// an mmapFile with a nil mapping rather than mapped, since mmap(2) refuses
// to map an empty region.
func openMmapFile(path string) (*mmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := stat.Size()
	if size == 0 {
		return &mmapFile{file: f, data: nil, size: 0}, nil
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &mmapFile{file: f, data: data, size: size}, nil
}

// Sync flushes the mapped region (if any) and the file metadata to disk.
func (m *mmapFile) Sync() error {
	f := m.file.(*os.File)
	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Replace overwrites the file's content with contents, remapping as needed.
// It is used to materialize a write guard's buffered bytes back to disk.
func (m *mmapFile) Replace(contents []byte) error {
	f := m.file.(*os.File)

	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return err
		}
		if err := syscall.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}

	if err := f.Truncate(int64(len(contents))); err != nil {
		return err
	}
	if _, err := f.WriteAt(contents, 0); err != nil {
		return err
	}

	if len(contents) == 0 {
		m.size = 0
		return nil
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, len(contents),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	m.data = data
	m.size = int64(len(contents))
	return nil
}

// Close unmaps (if mapped) and closes the underlying file.
func (m *mmapFile) Close() error {
	var firstErr error

	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}

	if m.file != nil {
		f := m.file.(*os.File)
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}

	return firstErr
}
