package minidump_test

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/andreyvit/minidump"
)

func TestStore_lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.dmp")
	s := newTestStore(t, minidump.Options{})
	deepEq(t, s.State(), minidump.Unopened)
	ensure(s.Close())
	deepEq(t, s.State(), minidump.Unopened)

	ensure(s.Open(path))
	deepEq(t, s.State(), minidump.Open)
	deepEq(t, s.Path(), path)
	deepEq(t, s.Len(), uint32(minidump.HeaderSize))
	if err := s.Open(path); err != minidump.ErrAlreadyOpened {
		t.Fatalf("second Open = %v, wanted ErrAlreadyOpened", err)
	}

	// The header stays zero until the store is closed.
	deepEq(t, must(s.ReadAt(0, minidump.HeaderSize)), make([]byte, minidump.HeaderSize))

	ensure(s.Close())
	deepEq(t, s.State(), minidump.Closed)
	first := must(os.ReadFile(path))
	deepEq(t, len(first), minidump.HeaderSize)

	ensure(s.Close())
	deepEq(t, must(os.ReadFile(path)), first)

	if err := s.Open(path); err != minidump.ErrAlreadyOpened {
		t.Fatalf("Open after Close = %v, wanted ErrAlreadyOpened", err)
	}
	if _, err := s.Allocate(4); err != minidump.ErrNotOpen {
		t.Fatalf("Allocate after Close = %v, wanted ErrNotOpen", err)
	}
	if err := s.WriteAt(0, []byte{1}); err != minidump.ErrNotOpen {
		t.Fatalf("WriteAt after Close = %v, wanted ErrNotOpen", err)
	}
}

func TestStore_notOpen(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	if _, err := s.Allocate(4); err != minidump.ErrNotOpen {
		t.Fatalf("Allocate = %v, wanted ErrNotOpen", err)
	}
	if _, err := s.WriteString("x"); err != minidump.ErrNotOpen {
		t.Fatalf("WriteString = %v, wanted ErrNotOpen", err)
	}
	if err := s.AddStream(minidump.StreamMiscInfo, minidump.Location{}); err != minidump.ErrNotOpen {
		t.Fatalf("AddStream = %v, wanted ErrNotOpen", err)
	}
	ensure(s.Abort())
}

func TestStore_openFailure(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	err := s.Open(filepath.Join(t.TempDir(), "missing", "x.dmp"))
	var ioe *minidump.IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("Open = %v, wanted *IOError", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Open = %v, wanted ErrNotExist", err)
	}
	deepEq(t, s.State(), minidump.Unopened)
}

func TestStore_abortRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted.dmp")
	s := newTestStore(t, minidump.Options{})
	ensure(s.Open(path))
	must(s.WriteString("never finished"))
	ensure(s.Abort())
	deepEq(t, s.State(), minidump.Closed)
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Stat after Abort = %v, wanted ErrNotExist", err)
	}
	ensure(s.Abort())
	ensure(s.Close())
}

func TestStore_allocateZeroFillsAndAligns(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	ensure(s.OpenMemory())

	a := must(s.Allocate(3))
	deepEq(t, a, minidump.Location{DataSize: 3, RVA: 32})
	ensure(s.WriteAt(a.RVA, []byte{0xff, 0xff, 0xff}))

	b := must(s.Allocate(1))
	deepEq(t, b.RVA, uint32(36))
	c := must(s.AllocateAligned(8, 16))
	deepEq(t, c.RVA, uint32(48))
	d := must(s.AllocateAligned(1, 1))
	deepEq(t, d.RVA, uint32(56))

	deepEq(t, must(s.ReadAt(32, 25)), append([]byte{0xff, 0xff, 0xff}, make([]byte, 22)...))
	deepEq(t, s.Len(), uint32(57))
}

func TestStore_allocationsDoNotOverlap(t *testing.T) {
	s := newTestStore(t, minidump.Options{InitialCapacity: 1})
	ensure(s.OpenMemory())

	var prev minidump.Location
	for i := range 500 {
		size := uint32(i%37 + 1)
		loc := must(s.Allocate(size))
		if loc.RVA%minidump.DefaultAlignment != 0 {
			t.Fatalf("allocation %d at 0x%x is not aligned", i, loc.RVA)
		}
		if i > 0 && prev.End() > uint64(loc.RVA) {
			t.Fatalf("allocation %d at %v overlaps %v", i, loc, prev)
		}
		deepEq(t, loc.DataSize, size)
		prev = loc
	}
	if uint64(s.Len()) != prev.End() {
		t.Fatalf("Len = %d, wanted %d", s.Len(), prev.End())
	}
}

func TestStore_offsetsSurviveGrowth(t *testing.T) {
	for _, inMemory := range []bool{false, true} {
		s := newTestStore(t, minidump.Options{InitialCapacity: 1})
		path := filepath.Join(t.TempDir(), "growth.dmp")
		if inMemory {
			ensure(s.OpenMemory())
		} else {
			ensure(s.Open(path))
		}
		initialCap := s.Cap()

		var locs []minidump.Location
		for i := range 200 {
			locs = append(locs, must(s.WriteBytes(bytes.Repeat([]byte{byte(i)}, 1000))))
		}
		if s.Cap() <= initialCap {
			t.Fatalf("Cap = %d, wanted growth beyond %d", s.Cap(), initialCap)
		}
		for i, loc := range locs {
			deepEq(t, must(s.ReadAt(loc.RVA, loc.DataSize)), bytes.Repeat([]byte{byte(i)}, 1000))
		}
		ensure(s.Close())

		data := s.Bytes()
		if !inMemory {
			data = must(os.ReadFile(path))
		}
		deepEq(t, uint32(len(data)), s.Len())
		f := must(minidump.Parse(data))
		for i, loc := range locs {
			if !bytes.Equal(must(f.Bytes(loc)), bytes.Repeat([]byte{byte(i)}, 1000)) {
				t.Fatalf("region %d at %v changed after close", i, loc)
			}
		}
	}
}

func TestStore_allocateErrors(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	ensure(s.OpenMemory())

	_, err := s.Allocate(0)
	var ae *minidump.AllocError
	if !errors.As(err, &ae) || !errors.Is(err, minidump.ErrInvalidArgument) {
		t.Fatalf("Allocate(0) = %v, wanted *AllocError with ErrInvalidArgument", err)
	}
	if _, err := s.AllocateAligned(4, 3); !errors.Is(err, minidump.ErrInvalidArgument) {
		t.Fatalf("AllocateAligned(4, 3) = %v, wanted ErrInvalidArgument", err)
	}
	if _, err := s.AllocateAligned(4, 0); !errors.Is(err, minidump.ErrInvalidArgument) {
		t.Fatalf("AllocateAligned(4, 0) = %v, wanted ErrInvalidArgument", err)
	}
	if _, err := s.Allocate(0xFFFF_FFF0); !errors.Is(err, minidump.ErrCapacityExceeded) {
		t.Fatalf("Allocate(4GB) = %v, wanted ErrCapacityExceeded", err)
	}
	if _, err := s.WriteBytes(nil); !errors.Is(err, minidump.ErrInvalidArgument) {
		t.Fatalf("WriteBytes(nil) = %v, wanted ErrInvalidArgument", err)
	}
	deepEq(t, s.Len(), uint32(minidump.HeaderSize))
}

func TestStore_boundsChecks(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	ensure(s.OpenMemory())
	loc := must(s.Allocate(8))

	ensure(s.WriteAt(loc.RVA, make([]byte, 8)))
	if err := s.WriteAt(loc.RVA+1, make([]byte, 8)); !errors.Is(err, minidump.ErrOutOfBounds) {
		t.Fatalf("WriteAt past end = %v, wanted ErrOutOfBounds", err)
	}
	if _, err := s.ReadAt(loc.RVA, 9); !errors.Is(err, minidump.ErrOutOfBounds) {
		t.Fatalf("ReadAt past end = %v, wanted ErrOutOfBounds", err)
	}
	if err := s.AddStream(minidump.StreamMiscInfo, minidump.Location{DataSize: 9, RVA: loc.RVA}); !errors.Is(err, minidump.ErrOutOfBounds) {
		t.Fatalf("AddStream past end = %v, wanted ErrOutOfBounds", err)
	}
}

func TestStore_patchingWrittenRegions(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	ensure(s.OpenMemory())

	counted := must(minidump.AllocateObjectAndArray[objectAndArrayHeader, uint32](s, 3, 4))
	for i := range uint32(3) {
		ensure(counted.SetElement(i, 100+i))
		ensure(counted.UpdateHeader(func(h *objectAndArrayHeader) { h.Count++ }))
	}
	deepEq(t, must(counted.Header()).Count, uint32(3))
	deepEq(t, must(s.ReadAt(counted.Location().RVA, 16)), []byte{3, 0, 0, 0, 100, 0, 0, 0, 101, 0, 0, 0, 102, 0, 0, 0})
}

func TestStore_duplicateStream(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	ensure(s.OpenMemory())
	loc := must(s.WriteString("x"))
	ensure(s.AddStream(minidump.StreamCommentW, loc))
	if err := s.AddStream(minidump.StreamCommentW, loc); !errors.Is(err, minidump.ErrDuplicateStream) {
		t.Fatalf("AddStream twice = %v, wanted ErrDuplicateStream", err)
	}
	deepEq(t, len(s.Streams()), 1)
}
