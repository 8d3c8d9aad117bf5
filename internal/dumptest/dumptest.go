// Package dumptest builds expected byte streams for golden tests and reports
// mismatches as hex dumps.
//
// Expected bytes are written as whitespace-separated elements:
//
//	4d_44_4d_50      raw hex bytes ('_' separates bytes)
//	'MDMP            ASCII text
//	u'First~String   UTF-16LE text ('~' stands for a space)
//	#48879           32-bit little-endian decimal
//	#1:2             decimal with an explicit width of 1, 2, 4 or 8 bytes
//	00..             hex padded with zeros to 4 bytes ("..." pads to 8)
//	00*12            element repeated 12 times
//	#0/reserved      everything after '/' is a comment (except in text)
package dumptest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"unicode/utf16"
)

func Expand(specs ...string) []byte {
	var b []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			base := elem
			if !isText(elem) {
				base, _, _ = strings.Cut(elem, "/")
			}
			if base == "" {
				continue
			}

			rep := 1
			if i := strings.LastIndexByte(base, '*'); i > 0 && !isText(base) {
				var err error
				rep, err = strconv.Atoi(base[i+1:])
				if err != nil {
					panic(fmt.Sprintf("invalid repeat count in element %q", elem))
				}
				base = base[:i]
			}

			var right string
			var padTo8, padTo4 bool
			if !isText(base) {
				base, right, padTo8 = strings.Cut(base, "...")
				if !padTo8 {
					base, right, padTo4 = strings.Cut(base, "..")
				}
			}

			baseBytes, err := appendElement(nil, base)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}
			rightBytes, err := appendElement(nil, right)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}

			for range rep {
				b = append(b, baseBytes...)

				n := len(baseBytes) + len(rightBytes)
				if padTo8 && n < 8 {
					b = append(b, make([]byte, 8-n)...)
				} else if padTo4 && n < 4 {
					b = append(b, make([]byte, 4-n)...)
				}

				b = append(b, rightBytes...)
			}
		}
	}
	return b
}

func isText(s string) bool {
	return strings.HasPrefix(s, "'") || strings.HasPrefix(s, "u'")
}

func appendElement(data []byte, elem string) ([]byte, error) {
	if decimal, ok := strings.CutPrefix(elem, "#"); ok {
		return appendDecimal(data, decimal)
	} else if text, ok := strings.CutPrefix(elem, "u'"); ok {
		for _, u := range utf16.Encode([]rune(strings.ReplaceAll(text, "~", " "))) {
			data = binary.LittleEndian.AppendUint16(data, u)
		}
		return data, nil
	} else if alpha, ok := strings.CutPrefix(elem, "'"); ok {
		return append(data, strings.ReplaceAll(alpha, "~", " ")...), nil
	}
	return appendHexDecoding(data, elem)
}

func appendDecimal(data []byte, s string) ([]byte, error) {
	s, widthStr, _ := strings.Cut(s, ":")
	width := 4
	if widthStr != "" {
		var err error
		width, err = strconv.Atoi(widthStr)
		if err != nil {
			return nil, err
		}
	}
	v, err := strconv.ParseUint(s, 0, width*8)
	if err != nil {
		return nil, err
	}
	switch width {
	case 1:
		return append(data, byte(v)), nil
	case 2:
		return binary.LittleEndian.AppendUint16(data, uint16(v)), nil
	case 4:
		return binary.LittleEndian.AppendUint32(data, uint32(v)), nil
	case 8:
		return binary.LittleEndian.AppendUint64(data, v), nil
	default:
		return nil, fmt.Errorf("invalid width %d", width)
	}
}

func appendHexDecoding(data []byte, hex string) ([]byte, error) {
	const none byte = 0xFF

	prev := none
	for _, b := range []byte(hex) {
		var half byte
		switch b {
		case '_', ' ':
			if prev != none {
				data = append(data, prev)
				prev = none
			}
			continue
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			half = b - '0'
		case 'a', 'b', 'c', 'd', 'e', 'f':
			half = b - 'a' + 10
		case 'A', 'B', 'C', 'D', 'E', 'F':
			half = b - 'A' + 10
		default:
			return nil, fmt.Errorf("invalid char '%c'", b)
		}
		if prev == none {
			prev = half
		} else {
			data = append(data, prev<<4|half)
			prev = none
		}
	}
	if prev != none {
		data = append(data, prev)
	}
	return data, nil
}

// HexDump formats b 16 bytes per line, marking the byte at highlightOff
// (pass -1 for none).
func HexDump(b []byte, highlightOff int) string {
	const perLine = 16
	var buf strings.Builder
	n := len(b)
	for off := 0; ; off += perLine {
		fmt.Fprintf(&buf, "%08x", off)
		if off >= n {
			buf.WriteByte('\n')
			break
		}
		for i := range perLine {
			if i == perLine/2 {
				buf.WriteByte(' ')
			}
			switch {
			case off+i >= n:
				buf.WriteString("   ")
				continue
			case off+i == highlightOff:
				buf.WriteByte('>')
			default:
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%02x", b[off+i])
		}
		buf.WriteString("  |")
		for i := range min(perLine, n-off) {
			if v := b[off+i]; v >= 32 && v <= 126 {
				buf.WriteByte(v)
			} else {
				buf.WriteByte('.')
			}
		}
		buf.WriteString("|\n")
		if off+perLine >= n {
			break
		}
	}
	return buf.String()
}

func BytesEq(t testing.TB, a, e []byte) bool {
	if bytes.Equal(a, e) {
		return true
	}
	off := min(len(a), len(e))
	for i := range off {
		if a[i] != e[i] {
			off = i
			break
		}
	}
	t.Helper()
	t.Errorf("** got:\n%v\nwanted:\n%v\nfirst difference offset: 0x%x (%d)", HexDump(a, off), HexDump(e, off), off, off)
	return false
}

// FileEq compares the contents of the file at path with the expanded specs.
func FileEq(t testing.TB, path string, expected ...string) bool {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("when reading %v: %v", path, err)
	}
	return BytesEq(t, data, Expand(expected...))
}
