//go:build windows

// pkg/cache/mmap_windows.go
package cache

import (
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmapHandle stores Windows-specific handles for memory mapping.
type mmapHandle struct {
	file      *os.File
	mapHandle windows.Handle
}

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
		return &mmapFile{file: &mmapHandle{file: f}, data: nil, size: 0}, nil
	}

	data, mapHandle, err := mapView(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &mmapFile{
		file: &mmapHandle{file: f, mapHandle: mapHandle},
		data: data,
		size: size,
	}, nil
}

func mapView(f *os.File, size int64) ([]byte, windows.Handle, error) {
	mapHandle, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size&0xFFFFFFFF), nil)
	if err != nil {
		return nil, 0, err
	}

	addr, err := windows.MapViewOfFile(mapHandle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapHandle)
		return nil, 0, err
	}

	var data []byte
	header := (*reflect.SliceHeader)(unsafe.Pointer(&data))
	header.Data = addr
	header.Len = int(size)
	header.Cap = int(size)

	return data, mapHandle, nil
}

func (m *mmapFile) unmap() error {
	handle := m.file.(*mmapHandle)
	var firstErr error
	if len(m.data) > 0 {
		if err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data))); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0]))); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}
	if handle.mapHandle != 0 {
		if err := windows.CloseHandle(handle.mapHandle); err != nil && firstErr == nil {
			firstErr = err
		}
		handle.mapHandle = 0
	}
	return firstErr
}

// Sync flushes the mapped view and the file to disk.
func (m *mmapFile) Sync() error {
	handle := m.file.(*mmapHandle)
	if len(m.data) > 0 {
		if err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data))); err != nil {
			return err
		}
	}
	return handle.file.Sync()
}

// Replace overwrites the file's content with contents, remapping as needed.
func (m *mmapFile) Replace(contents []byte) error {
	handle := m.file.(*mmapHandle)

	if err := m.unmap(); err != nil {
		return err
	}

	if err := handle.file.Truncate(int64(len(contents))); err != nil {
		return err
	}
	if _, err := handle.file.WriteAt(contents, 0); err != nil {
		return err
	}

	if len(contents) == 0 {
		m.size = 0
		return nil
	}

	data, mapHandle, err := mapView(handle.file, int64(len(contents)))
	if err != nil {
		return err
	}

	handle.mapHandle = mapHandle
	m.data = data
	m.size = int64(len(contents))
	return nil
}

// Close unmaps and closes the file.
func (m *mmapFile) Close() error {
	handle, ok := m.file.(*mmapHandle)
	if !ok || handle == nil {
		return nil
	}

	firstErr := m.unmap()

	if handle.file != nil {
		if err := handle.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		handle.file = nil
	}

	m.file = nil
	return firstErr
}
