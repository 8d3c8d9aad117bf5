package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenBSD has no unified buffer cache, so mapped pages must be pushed
// explicitly before the file is synced.
func fdatasync(f *os.File, mapping []byte) error {
	if mapping != nil {
		if err := unix.Msync(mapping, unix.MS_SYNC); err != nil {
			return os.NewSyscallError("msync", err)
		}
	}
	return f.Sync()
}
