// Package mmap maps files into memory as growable writable regions.
//
// A Mapping owns a shared, file-backed mapping. Resize relocates it: every
// slice previously returned by Bytes is invalid after Resize or Unmap, so
// callers address mapped data by offset and re-fetch Bytes after each call
// that may grow the file.
package mmap

import (
	"errors"
	"fmt"
	"os"
)

type Options uint

const (
	// Writable maps the file read-write (otherwise, read-only).
	Writable Options = 1 << 0

	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 1

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 2

	// Prefault asks for the mapped pages to be loaded eagerly.
	// Maps to MAP_POPULATE on Linux, ignored elsewhere.
	Prefault Options = 1 << 3
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

var ErrUnmapped = errors.New("mmap: mapping already released")

// Mapping is a file mapped into memory at offset 0.
type Mapping struct {
	f    *os.File
	data []byte
	opt  Options
}

// Map extends or shrinks f to size bytes and maps it. size must be positive.
func Map(f *os.File, size int, opt Options) (*Mapping, error) {
	if size <= 0 || size > MaxSize {
		return nil, fmt.Errorf("mmap: invalid mapping size %d", size)
	}
	m := &Mapping{f: f, opt: opt}
	if err := m.remap(size); err != nil {
		return nil, err
	}
	return m, nil
}

// Bytes returns the mapped region. The slice is valid until the next Resize
// or Unmap.
func (m *Mapping) Bytes() []byte {
	return m.data
}

func (m *Mapping) Len() int {
	return len(m.data)
}

func (m *Mapping) File() *os.File {
	return m.f
}

// Resize changes the size of both the file and the mapping. The mapping is
// released and re-established, so its address usually changes.
//
// If the new mapping cannot be established, the old size is mapped again. If
// that fails too, the mapping is left released and later calls return
// ErrUnmapped.
func (m *Mapping) Resize(size int) error {
	if m.data == nil {
		return ErrUnmapped
	}
	if size <= 0 || size > MaxSize {
		return fmt.Errorf("mmap: invalid mapping size %d", size)
	}
	old := len(m.data)
	if size == old {
		return nil
	}
	if err := munmap(m.data); err != nil {
		return fmt.Errorf("mmap: unmap before resize: %w", err)
	}
	m.data = nil
	err := m.remap(size)
	if err == nil {
		return nil
	}
	if rerr := m.remap(old); rerr != nil {
		return errors.Join(err, fmt.Errorf("mmap: restore %d bytes: %w", old, rerr))
	}
	return err
}

func (m *Mapping) remap(size int) error {
	if m.opt.Has(Writable) {
		if err := m.f.Truncate(int64(size)); err != nil {
			return fmt.Errorf("mmap: truncate to %d: %w", size, err)
		}
	}
	b, err := mmap(m.f, size, m.opt)
	if err != nil {
		return fmt.Errorf("mmap: map %d bytes: %w", size, err)
	}
	m.data = b
	return nil
}

// Sync flushes modified pages to the file. See Fdatasync for the caveats
// about errors.
func (m *Mapping) Sync() error {
	if m.data == nil {
		return ErrUnmapped
	}
	return Fdatasync(m.f, m.data)
}

// Unmap releases the mapping. The file stays open and keeps its current size.
// Unmapping twice is a no-op.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	b := m.data
	m.data = nil
	return munmap(b)
}
