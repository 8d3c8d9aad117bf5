package minidump

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// StringInput is the text of a string record, either 8-bit or UTF-16.
type StringInput struct {
	narrow string
	wide   []uint16
	isWide bool
}

// Narrow wraps an 8-bit string. It is UTF-8 unless the store has a
// NarrowEncoding.
func Narrow(s string) StringInput {
	return StringInput{narrow: s}
}

// UTF16 wraps UTF-16 code units, which are written as is.
func UTF16(u []uint16) StringInput {
	return StringInput{wide: u, isWide: true}
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// WriteString writes s as a MINIDUMP_STRING (see WriteStringPrefixed).
func (s *Store) WriteString(str string) (Location, error) {
	return s.WriteStringPrefixed(Narrow(str), 0)
}

// WriteUTF16 writes u as a MINIDUMP_STRING (see WriteStringPrefixed).
func (s *Store) WriteUTF16(u []uint16) (Location, error) {
	return s.WriteStringPrefixed(UTF16(u), 0)
}

// WriteStringPrefixed writes a MINIDUMP_STRING: a 32-bit byte length followed
// by the UTF-16LE code units and a zero terminator that the length does not
// count. prefix zero bytes are reserved in the same allocation, in front of
// the length.
//
// The returned Location starts at the length field and covers the length,
// the code units and the terminator.
func (s *Store) WriteStringPrefixed(in StringInput, prefix uint32) (Location, error) {
	encoded, err := s.encodeUTF16(in)
	if err != nil {
		return Location{}, err
	}
	strSize := 4 + uint64(len(encoded)) + 2
	total := uint64(prefix) + strSize
	if total > math.MaxUint32 {
		return Location{}, allocErrf(ErrCapacityExceeded, nil, total, "string")
	}
	loc, err := s.Allocate(uint32(total))
	if err != nil {
		return Location{}, err
	}

	str := Location{DataSize: uint32(strSize), RVA: loc.RVA + prefix}
	buf, err := s.view(str)
	if err != nil {
		return Location{}, err
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(encoded)))
	copy(buf[4:], encoded)
	return str, nil
}

func (s *Store) encodeUTF16(in StringInput) ([]byte, error) {
	if in.isWide {
		b := make([]byte, 0, 2*len(in.wide))
		for _, u := range in.wide {
			b = binary.LittleEndian.AppendUint16(b, u)
		}
		return b, nil
	}

	text := in.narrow
	if s.narrow != nil {
		var err error
		text, err = s.narrow.NewDecoder().String(text)
		if err != nil {
			return nil, fmt.Errorf("minidump: decoding narrow string: %w: %w", ErrInvalidArgument, err)
		}
	}
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("minidump: string is not valid UTF-8: %w", ErrInvalidArgument)
	}
	b, err := utf16le.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("minidump: encoding UTF-16: %w: %w", ErrInvalidArgument, err)
	}
	return b, nil
}

// WriteUTF8String writes a MINIDUMP_UTF8_STRING: a 32-bit byte length, the
// bytes and a zero terminator. The returned Location covers all three.
func (s *Store) WriteUTF8String(str string) (Location, error) {
	if !utf8.ValidString(str) {
		return Location{}, fmt.Errorf("minidump: string is not valid UTF-8: %w", ErrInvalidArgument)
	}
	total := 4 + uint64(len(str)) + 1
	if total > math.MaxUint32 {
		return Location{}, allocErrf(ErrCapacityExceeded, nil, total, "UTF-8 string")
	}
	loc, err := s.Allocate(uint32(total))
	if err != nil {
		return Location{}, err
	}
	buf, err := s.view(loc)
	if err != nil {
		return Location{}, err
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(str)))
	copy(buf[4:], str)
	return loc, nil
}

// WriteBytes copies b into a new region.
func (s *Store) WriteBytes(b []byte) (Location, error) {
	if uint64(len(b)) > math.MaxUint32 {
		return Location{}, allocErrf(ErrCapacityExceeded, nil, uint64(len(b)), "blob")
	}
	loc, err := s.Allocate(uint32(len(b)))
	if err != nil {
		return Location{}, err
	}
	buf, err := s.view(loc)
	if err != nil {
		return Location{}, err
	}
	copy(buf, b)
	return loc, nil
}

// WriteAnnotations writes kv as a stream of the given type: a 32-bit count
// followed by AnnotationEntry pairs sorted by key, each pointing at UTF-8
// string records. The stream is added to the directory.
func (s *Store) WriteAnnotations(streamType uint32, kv map[string]string) (Location, error) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rec, err := AllocateObjectAndArray[annotationsHeader, AnnotationEntry](s, uint32(len(keys)), annotationEntrySize)
	if err != nil {
		return Location{}, err
	}
	if err := rec.SetHeader(annotationsHeader{Count: uint32(len(keys))}); err != nil {
		return Location{}, err
	}
	for i, k := range keys {
		kloc, err := s.WriteUTF8String(k)
		if err != nil {
			return Location{}, err
		}
		vloc, err := s.WriteUTF8String(kv[k])
		if err != nil {
			return Location{}, err
		}
		if err := rec.SetElement(uint32(i), AnnotationEntry{Key: kloc.RVA, Value: vloc.RVA}); err != nil {
			return Location{}, err
		}
	}

	if err := s.AddStream(streamType, rec.Location()); err != nil {
		return Location{}, err
	}
	return rec.Location(), nil
}
