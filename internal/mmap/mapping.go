package mmap

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Mapping represents a memory-mapped file.
// It owns the underlying byte slice and is responsible for unmapping it.
type Mapping struct {
	data     []byte
	size     int
	writable bool
	closed   atomic.Bool
}

// Open maps the file at path read-only.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		return &Mapping{}, nil
	}

	data, err := osMap(f, int(size), false)
	if err != nil {
		return nil, fmt.Errorf("mmap: map %s: %w", path, err)
	}
	return &Mapping{data: data, size: int(size)}, nil
}

// OpenRW maps the file at path read-write and shared, creating it if needed.
// A file smaller than size is extended with zeros; a larger file is an error
// so that a stale array of a different shape is never silently reused.
func OpenRW(path string, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	switch {
	case fi.Size() > int64(size):
		return nil, fmt.Errorf("mmap: %s has %d bytes, want %d: %w", path, fi.Size(), size, ErrInvalidSize)
	case fi.Size() < int64(size):
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("mmap: grow %s: %w", path, err)
		}
	}

	data, err := osMap(f, size, true)
	if err != nil {
		return nil, fmt.Errorf("mmap: map %s: %w", path, err)
	}
	return &Mapping{data: data, size: size, writable: true}, nil
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.data == nil {
		return nil
	}
	return osUnmap(m.data)
}

// Bytes returns the underlying byte slice.
// The slice is valid only until Close() is called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return m.size
}

// Writable reports whether the mapping was opened read-write.
func (m *Mapping) Writable() bool {
	return m.writable
}

// Sync flushes the whole mapping to the backing file.
func (m *Mapping) Sync() error {
	return m.SyncRange(0, m.size)
}

// SyncRange flushes bytes [off, off+n) to the backing file. The range is
// widened to page boundaries.
func (m *Mapping) SyncRange(off, n int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.writable {
		return ErrReadOnly
	}
	if off < 0 || n < 0 || off+n > m.size {
		return ErrOutOfBounds
	}
	if n == 0 {
		return nil
	}
	page := os.Getpagesize()
	start := off - off%page
	end := off + n
	if rem := end % page; rem != 0 {
		end += page - rem
	}
	if end > m.size {
		end = m.size
	}
	return osSync(m.data[start:end])
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.data == nil {
		return nil
	}
	return osAdvise(m.data, pattern)
}
