package minidump

import "fmt"

// Location is MINIDUMP_LOCATION_DESCRIPTOR: a region of the dump addressed by
// its offset from the start of the file. A zero DataSize means "no data"; such
// a Location must not be dereferenced.
//
// Locations are the only way records refer to each other. They stay valid
// when the store grows and its backing moves.
type Location struct {
	DataSize uint32
	RVA      uint32
}

func (l Location) IsZero() bool {
	return l.DataSize == 0
}

// End returns the offset just past the region.
func (l Location) End() uint64 {
	return uint64(l.RVA) + uint64(l.DataSize)
}

func (l Location) String() string {
	if l.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("0x%x+%d", l.RVA, l.DataSize)
}
