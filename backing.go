package minidump

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/andreyvit/minidump/mmap"
)

// backing is the growable byte region behind a Store (a mapped file or a
// memory buffer).
type backing interface {
	// Bytes returns the whole region. The slice is invalidated by Grow,
	// Finish and Abort.
	Bytes() []byte

	// Grow makes the region at least minSize bytes long. Existing contents
	// are preserved and the new tail is zero; the region may move.
	Grow(minSize uint64) error

	// Finish makes the first used bytes durable and drops everything after
	// them. A failed Finish leaves no artifact behind.
	Finish(used uint64) error

	// Abort releases the region without producing an artifact.
	Abort() error
}

// resultBacking is a backing whose finished dump stays in memory.
type resultBacking interface {
	Result() []byte
}

const defaultInitialCapacity = 64 * 1024

// nextCapacity doubles cur until it reaches minSize, rounding up to a whole
// number of pages.
func nextCapacity(cur, minSize, limit uint64) (uint64, error) {
	if minSize > limit {
		return 0, fmt.Errorf("%d bytes exceed the limit of %d", minSize, limit)
	}
	c := max(cur, 16)
	for c < minSize {
		c <<= 1
	}
	page := uint64(os.Getpagesize())
	c = (c + page - 1) / page * page
	return min(c, limit), nil
}

type fileBacking struct {
	path string
	f    *os.File
	m    *mmap.Mapping
}

func openFileBacking(path string, initial uint64) (b *fileBacking, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, &IOError{Op: "create", Path: path, Err: err}
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	size, err := nextCapacity(0, initial, mmap.MaxSize)
	if err != nil {
		return nil, &IOError{Op: "reserve", Path: path, Err: err}
	}
	m, err := mmap.Map(f, int(size), mmap.Writable|mmap.SequentialAccess)
	if err != nil {
		return nil, &IOError{Op: "reserve", Path: path, Err: err}
	}

	ok = true
	return &fileBacking{path: path, f: f, m: m}, nil
}

func (b *fileBacking) Bytes() []byte {
	return b.m.Bytes()
}

func (b *fileBacking) Grow(minSize uint64) error {
	cur := uint64(b.m.Len())
	if minSize <= cur {
		return nil
	}
	size, err := nextCapacity(cur, minSize, mmap.MaxSize)
	if err != nil {
		return err
	}
	return b.m.Resize(int(size))
}

func (b *fileBacking) Finish(used uint64) error {
	fail := func(op string, err error) error {
		b.f.Close()
		os.Remove(b.path)
		return &IOError{Op: op, Path: b.path, Err: err}
	}
	if err := errors.Join(b.m.Sync(), b.m.Unmap()); err != nil {
		return fail("flush", err)
	}
	if err := b.f.Truncate(int64(used)); err != nil {
		return fail("truncate", err)
	}
	if err := b.f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := b.f.Close(); err != nil {
		os.Remove(b.path)
		return &IOError{Op: "close", Path: b.path, Err: err}
	}
	return nil
}

func (b *fileBacking) Abort() error {
	err := errors.Join(b.m.Unmap(), b.f.Close(), os.Remove(b.path))
	if err != nil {
		return &IOError{Op: "abort", Path: b.path, Err: err}
	}
	return nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

// memBacking keeps the dump in a byte slice whose length is the capacity.
type memBacking struct {
	buf []byte
}

const maxMemBacking = min(1<<32, math.MaxInt)

func newMemBacking(initial uint64) (*memBacking, error) {
	size, err := nextCapacity(0, initial, maxMemBacking)
	if err != nil {
		return nil, err
	}
	return &memBacking{buf: make([]byte, size)}, nil
}

func (b *memBacking) Bytes() []byte {
	return b.buf
}

func (b *memBacking) Grow(minSize uint64) error {
	cur := uint64(len(b.buf))
	if minSize <= cur {
		return nil
	}
	size, err := nextCapacity(cur, minSize, maxMemBacking)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	copy(buf, b.buf)
	b.buf = buf
	return nil
}

func (b *memBacking) Finish(used uint64) error {
	b.buf = b.buf[:used:used]
	return nil
}

func (b *memBacking) Result() []byte {
	return b.buf
}

func (b *memBacking) Abort() error {
	b.buf = nil
	return nil
}
