package minidump

import (
	"encoding/binary"
	"fmt"
	"os"
	"slices"
	"unicode/utf8"
)

// File is a parsed minidump. It decodes everything from the raw bytes and
// shares no code paths with Store beyond the wire structs, so tests can use
// it to check what a Store produced.
type File struct {
	data    []byte
	header  Header
	streams []Directory
}

func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes the header and the stream directory. data is retained.
func Parse(data []byte) (*File, error) {
	f := &File{data: data}

	if len(data) < HeaderSize {
		return nil, dataErrf(data, 0, nil, "truncated header")
	}
	if _, err := binary.Decode(data[:HeaderSize], binary.LittleEndian, &f.header); err != nil {
		return nil, dataErrf(data, 0, err, "invalid header")
	}
	if f.header.Signature != Signature {
		return nil, dataErrf(data, 0, nil, "bad signature 0x%08x", f.header.Signature)
	}
	if f.header.Version&0xFFFF != Version&0xFFFF {
		return nil, dataErrf(data, 4, nil, "unsupported version 0x%08x", f.header.Version)
	}

	n := f.header.NumberOfStreams
	if n == 0 {
		return f, nil
	}
	dir := Location{DataSize: n * DirectorySize, RVA: f.header.StreamDirectoryRVA}
	if uint64(n)*DirectorySize > uint64(len(data)) {
		return nil, dataErrf(data, 8, nil, "%d streams do not fit into %d bytes", n, len(data))
	}
	raw, err := f.Bytes(dir)
	if err != nil {
		return nil, err
	}
	f.streams = make([]Directory, n)
	if _, err := binary.Decode(raw, binary.LittleEndian, f.streams); err != nil {
		return nil, dataErrf(data, int(dir.RVA), err, "invalid stream directory")
	}
	for _, d := range f.streams {
		if d.Location.End() > uint64(len(data)) {
			return nil, dataErrf(data, int(dir.RVA), nil, "stream 0x%x at %v is past the end of file", d.StreamType, d.Location)
		}
	}
	return f, nil
}

// Size returns the length of the dump in bytes.
func (f *File) Size() int {
	return len(f.data)
}

func (f *File) Header() Header {
	return f.header
}

func (f *File) Streams() []Directory {
	return slices.Clone(f.streams)
}

// Stream returns the first directory entry of the given type.
func (f *File) Stream(streamType uint32) (Directory, bool) {
	for _, d := range f.streams {
		if d.StreamType == streamType {
			return d, true
		}
	}
	return Directory{}, false
}

// Bytes returns the region loc refers to, without copying.
func (f *File) Bytes(loc Location) ([]byte, error) {
	if loc.End() > uint64(len(f.data)) {
		return nil, dataErrf(f.data, int(loc.RVA), nil, "region %v is past the end of file", loc)
	}
	return f.data[loc.RVA:loc.End()], nil
}

// Decode decodes a T stored at rva.
func Decode[T any](f *File, rva uint32) (T, error) {
	var v T
	n := binary.Size(v)
	if n <= 0 {
		return v, fmt.Errorf("minidump: %T has no fixed size: %w", v, ErrInvalidArgument)
	}
	raw, err := f.Bytes(Location{DataSize: uint32(n), RVA: rva})
	if err != nil {
		return v, err
	}
	if _, err := binary.Decode(raw, binary.LittleEndian, &v); err != nil {
		return v, dataErrf(f.data, int(rva), err, "cannot decode %T", v)
	}
	return v, nil
}

// String decodes the MINIDUMP_STRING at rva.
func (f *File) String(rva uint32) (string, error) {
	raw, err := f.lengthPrefixed(rva)
	if err != nil {
		return "", err
	}
	if len(raw)%2 != 0 {
		return "", dataErrf(f.data, int(rva), nil, "UTF-16 string of odd length %d", len(raw))
	}
	text, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", dataErrf(f.data, int(rva), err, "invalid UTF-16 string")
	}
	return string(text), nil
}

// UTF16 returns the raw code units of the MINIDUMP_STRING at rva.
func (f *File) UTF16(rva uint32) ([]uint16, error) {
	raw, err := f.lengthPrefixed(rva)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, dataErrf(f.data, int(rva), nil, "UTF-16 string of odd length %d", len(raw))
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return units, nil
}

// UTF8String decodes the MINIDUMP_UTF8_STRING at rva.
func (f *File) UTF8String(rva uint32) (string, error) {
	raw, err := f.lengthPrefixed(rva)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", dataErrf(f.data, int(rva), nil, "invalid UTF-8 string")
	}
	return string(raw), nil
}

func (f *File) lengthPrefixed(rva uint32) ([]byte, error) {
	n, err := Decode[uint32](f, rva)
	if err != nil {
		return nil, err
	}
	return f.Bytes(Location{DataSize: n, RVA: rva + 4})
}

// Annotations decodes an annotations stream written by
// Store.WriteAnnotations.
func (f *File) Annotations(loc Location) (map[string]string, error) {
	raw, err := f.Bytes(loc)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, dataErrf(f.data, int(loc.RVA), nil, "truncated annotations")
	}
	count := binary.LittleEndian.Uint32(raw)
	if uint64(len(raw)) < 4+uint64(count)*annotationEntrySize {
		return nil, dataErrf(f.data, int(loc.RVA), nil, "%d annotations do not fit into %d bytes", count, len(raw))
	}
	entries := make([]AnnotationEntry, count)
	if _, err := binary.Decode(raw[4:], binary.LittleEndian, entries); err != nil {
		return nil, dataErrf(f.data, int(loc.RVA), err, "invalid annotations")
	}

	result := make(map[string]string, count)
	for _, e := range entries {
		k, err := f.UTF8String(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := f.UTF8String(e.Value)
		if err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, nil
}
