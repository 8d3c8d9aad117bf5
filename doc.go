/*
Package minidump writes Windows minidump files (and reads them back).

The writer is an append-only arena, Store, over a growable backing: a file
mapped into memory (Open) or a byte slice (OpenMemory). Typed views are
allocated from it:

1. Record, one fixed-layout struct (Allocate).

2. ArrayRecord, count contiguous structs (AllocateArray).

3. CompoundRecord, a header struct immediately followed by its elements
(AllocateObjectAndArray), the shape of MINIDUMP_*_LIST streams.

4. String records, written by Store.WriteString and friends.

# Addressing

Every allocation returns a Location (MINIDUMP_LOCATION_DESCRIPTOR), which is
an offset and a size. Records refer to each other only through Locations.
Growing the store may move its backing, so views never keep a slice of it:
each read or write re-derives the bytes from the Location. A view must not be
used after its store is closed; doing so panics.

Allocations are zeroed, aligned to 4 bytes by default, and never reused.

# File layout

1. Header (MINIDUMP_HEADER, 32 bytes) at offset 0, reserved on open.
2. Records, in allocation order.
3. Stream directory (MINIDUMP_DIRECTORY array), allocated on close from the
entries passed to Store.AddStream.

The header is filled in on close, and its signature is the very last write,
so a dump that was never closed cleanly does not parse. The file is then
truncated to the used length.

# Binary encoding

All fields are little-endian and encoded with encoding/binary, never by
reinterpreting Go memory. Structs mirror the C layout, with blank fields for
compiler padding.

**MINIDUMP_STRING**: byte length (uint32), UTF-16LE code units, a zero
terminator (uint16) that the length does not count.

**MINIDUMP_UTF8_STRING**: byte length (uint32), bytes, a zero byte.

**Annotations**: count (uint32), then count pairs of RVAs (key, value) of
MINIDUMP_UTF8_STRING records, sorted by key.
*/
package minidump
