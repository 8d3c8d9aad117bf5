package minidump

import (
	"encoding/binary"
	"fmt"
	"math"
)

// fixedSize returns the encoded size of T, which must be a fixed-size type as
// defined by encoding/binary (no slices, maps, strings or pointers).
func fixedSize[T any]() (uint32, error) {
	var zero T
	n := binary.Size(zero)
	if n <= 0 || uint64(n) > math.MaxUint32 {
		return 0, allocErrf(ErrInvalidArgument, nil, 0, "%T, which has no fixed size", zero)
	}
	return uint32(n), nil
}

// Record is a view of a single fixed-layout struct in a Store. It holds only
// the store and a Location, and must not be used after the store is closed.
type Record[T any] struct {
	store *Store
	loc   Location
}

// Allocate reserves a zeroed T in s.
func Allocate[T any](s *Store) (*Record[T], error) {
	size, err := fixedSize[T]()
	if err != nil {
		return nil, err
	}
	loc, err := s.Allocate(size)
	if err != nil {
		return nil, err
	}
	return &Record[T]{s, loc}, nil
}

func (r *Record[T]) Location() Location {
	return r.loc
}

func (r *Record[T]) Set(v T) error {
	return r.store.encodeAt(r.loc, v)
}

func (r *Record[T]) Get() (T, error) {
	var v T
	err := r.store.decodeAt(r.loc, &v)
	return v, err
}

// Update reads the record, lets fn modify it and writes it back.
func (r *Record[T]) Update(fn func(v *T)) error {
	v, err := r.Get()
	if err != nil {
		return err
	}
	fn(&v)
	return r.Set(v)
}

// ArrayRecord is a view of count contiguous T elements.
type ArrayRecord[T any] struct {
	store    *Store
	loc      Location
	count    uint32
	elemSize uint32
}

// AllocateArray reserves count zeroed elements of T. An empty array is an
// error.
func AllocateArray[T any](s *Store, count uint32) (*ArrayRecord[T], error) {
	elemSize, err := fixedSize[T]()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, allocErrf(ErrInvalidArgument, nil, 0, "array of 0 elements")
	}
	total := uint64(count) * uint64(elemSize)
	if total > math.MaxUint32 {
		return nil, allocErrf(ErrCapacityExceeded, nil, total, "array of %d elements", count)
	}
	loc, err := s.Allocate(uint32(total))
	if err != nil {
		return nil, err
	}
	return &ArrayRecord[T]{s, loc, count, elemSize}, nil
}

func (a *ArrayRecord[T]) Location() Location {
	return a.loc
}

func (a *ArrayRecord[T]) Len() uint32 {
	return a.count
}

func (a *ArrayRecord[T]) SetElement(i uint32, v T) error {
	loc, err := a.ElementLocation(i)
	if err != nil {
		return err
	}
	return a.store.encodeAt(loc, v)
}

func (a *ArrayRecord[T]) Element(i uint32) (T, error) {
	var v T
	loc, err := a.ElementLocation(i)
	if err != nil {
		return v, err
	}
	err = a.store.decodeAt(loc, &v)
	return v, err
}

// ElementLocation returns the region of element i.
func (a *ArrayRecord[T]) ElementLocation(i uint32) (Location, error) {
	if i >= a.count {
		return Location{}, indexErr(i, a.count)
	}
	return Location{DataSize: a.elemSize, RVA: a.loc.RVA + i*a.elemSize}, nil
}

// CompoundRecord is a view of a header H immediately followed by count
// elements of elementSize bytes, like a C struct ending in a flexible array
// member. The element count is whatever the caller stores in the header;
// element writes never touch it.
type CompoundRecord[H, E any] struct {
	store      *Store
	loc        Location
	headerSize uint32
	elemSize   uint32
	count      uint32
}

// AllocateObjectAndArray reserves a zeroed header H followed by count
// elements of elementSize bytes each.
func AllocateObjectAndArray[H, E any](s *Store, count, elementSize uint32) (*CompoundRecord[H, E], error) {
	headerSize, err := fixedSize[H]()
	if err != nil {
		return nil, err
	}
	if count > 0 && elementSize == 0 {
		return nil, allocErrf(ErrInvalidArgument, nil, uint64(headerSize), "%d elements of 0 bytes", count)
	}
	total := uint64(headerSize) + uint64(count)*uint64(elementSize)
	if total > math.MaxUint32 {
		return nil, allocErrf(ErrCapacityExceeded, nil, total, "object with %d elements", count)
	}
	loc, err := s.Allocate(uint32(total))
	if err != nil {
		return nil, err
	}
	return &CompoundRecord[H, E]{s, loc, headerSize, elementSize, count}, nil
}

func (c *CompoundRecord[H, E]) Location() Location {
	return c.loc
}

func (c *CompoundRecord[H, E]) Len() uint32 {
	return c.count
}

func (c *CompoundRecord[H, E]) headerLocation() Location {
	return Location{DataSize: c.headerSize, RVA: c.loc.RVA}
}

func (c *CompoundRecord[H, E]) SetHeader(h H) error {
	return c.store.encodeAt(c.headerLocation(), h)
}

func (c *CompoundRecord[H, E]) Header() (H, error) {
	var h H
	err := c.store.decodeAt(c.headerLocation(), &h)
	return h, err
}

func (c *CompoundRecord[H, E]) UpdateHeader(fn func(h *H)) error {
	h, err := c.Header()
	if err != nil {
		return err
	}
	fn(&h)
	return c.SetHeader(h)
}

// ElementLocation returns the region of element i, which starts at
// headerSize + i*elementSize.
func (c *CompoundRecord[H, E]) ElementLocation(i uint32) (Location, error) {
	if i >= c.count {
		return Location{}, indexErr(i, c.count)
	}
	return Location{DataSize: c.elemSize, RVA: c.loc.RVA + c.headerSize + i*c.elemSize}, nil
}

// SetElementAfterHeader writes the raw bytes of element i. len(b) must equal
// the element size.
func (c *CompoundRecord[H, E]) SetElementAfterHeader(i uint32, b []byte) error {
	loc, err := c.ElementLocation(i)
	if err != nil {
		return err
	}
	if uint32(len(b)) != c.elemSize || uint64(len(b)) > math.MaxUint32 {
		return fmt.Errorf("minidump: element of %d bytes, wanted %d: %w", len(b), c.elemSize, ErrInvalidArgument)
	}
	buf, err := c.store.view(loc)
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

// SetElement encodes v as element i. The encoded size of E must equal the
// element size.
func (c *CompoundRecord[H, E]) SetElement(i uint32, v E) error {
	loc, err := c.ElementLocation(i)
	if err != nil {
		return err
	}
	if n := binary.Size(v); n != int(c.elemSize) {
		return fmt.Errorf("minidump: %T encodes to %d bytes, element size is %d: %w", v, n, c.elemSize, ErrInvalidArgument)
	}
	return c.store.encodeAt(loc, v)
}

func (c *CompoundRecord[H, E]) Element(i uint32) (E, error) {
	var v E
	loc, err := c.ElementLocation(i)
	if err != nil {
		return v, err
	}
	if n := binary.Size(v); n != int(c.elemSize) {
		return v, fmt.Errorf("minidump: %T encodes to %d bytes, element size is %d: %w", v, n, c.elemSize, ErrInvalidArgument)
	}
	err = c.store.decodeAt(loc, &v)
	return v, err
}

func indexErr(i, count uint32) error {
	return fmt.Errorf("minidump: element %d of %d: %w", i, count, ErrIndexOutOfRange)
}

func encodeAt(buf []byte, v any) error {
	n, err := binary.Encode(buf, binary.LittleEndian, v)
	if err != nil {
		return err
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	return nil
}

func decodeAt(buf []byte, v any) error {
	n, err := binary.Decode(buf, binary.LittleEndian, v)
	if err != nil {
		return err
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	return nil
}
