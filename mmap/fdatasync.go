package mmap

import "os"

// Fdatasync makes the data written to f, and to mapping if it is a shared
// mapping of f, durable. Metadata such as modification times is not
// necessarily synced.
//
// Errors are not recoverable: after a failed flush the kernel may already have
// marked the pages clean, so the only safe reaction is to treat the file as
// corrupt and discard it.
func Fdatasync(f *os.File, mapping []byte) error {
	return fdatasync(f, mapping)
}
