//go:build windows || (unix && !linux && !openbsd)

package mmap

import "os"

// Windows flushes the view in munmap; other Unixes sync mapped pages with the
// file.
func fdatasync(f *os.File, _ []byte) error {
	return f.Sync()
}
