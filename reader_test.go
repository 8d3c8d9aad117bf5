package minidump_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/andreyvit/minidump"
	"github.com/andreyvit/minidump/internal/dumptest"
)

func TestParse_rejectsMalformedData(t *testing.T) {
	stamp := "#0/time #0:8/flags"
	tests := []struct {
		name string
		data []byte
		msg  string
	}{
		{"truncated", dumptest.Expand("'MDMP #0xa793"), "truncated header"},
		{"unsigned", dumptest.Expand("#0 #0xa793 #0 #0 #0", stamp), "bad signature"},
		{"version", dumptest.Expand("'MDMP #0xa794 #0 #0 #0", stamp), "unsupported version"},
		{"directory", dumptest.Expand("'MDMP #0xa793 #1 #32 #0", stamp), "past the end"},
		{"stream", dumptest.Expand("'MDMP #0xa793 #1 #32 #0", stamp, "#3 #100 #0"), "past the end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := minidump.Parse(tt.data)
			var de *minidump.DataError
			if !errors.As(err, &de) {
				t.Fatalf("Parse = %v, wanted *DataError", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Fatalf("Parse = %q, wanted %q", err, tt.msg)
			}
		})
	}
}

func TestFile_badReferences(t *testing.T) {
	s := newTestStore(t, minidump.Options{})
	ensure(s.OpenMemory())
	odd := must(s.WriteBytes(dumptest.Expand("#3 'abc")))
	ensure(s.Close())

	f := must(minidump.Parse(s.Bytes()))
	if _, err := f.String(odd.RVA); err == nil {
		t.Fatalf("String on odd length succeeded")
	}
	if _, err := f.UTF8String(odd.RVA + 100); err == nil {
		t.Fatalf("UTF8String past the end succeeded")
	}
	if _, err := f.Bytes(minidump.Location{DataSize: 1, RVA: s.Len()}); err == nil {
		t.Fatalf("Bytes past the end succeeded")
	}
	if _, err := minidump.Decode[[]byte](f, 0); !errors.Is(err, minidump.ErrInvalidArgument) {
		t.Fatalf("Decode[[]byte] = %v, wanted ErrInvalidArgument", err)
	}
	if _, err := f.Annotations(minidump.Location{DataSize: 2, RVA: odd.RVA}); err == nil {
		t.Fatalf("Annotations on 2 bytes succeeded")
	}
	deepEq(t, must(f.UTF8String(odd.RVA)), "abc")
}
