//go:build unix

package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps size bytes of f. Read-only maps use PROT_READ so stray writes
// fault instead of silently diverging from the file.
func mapFile(f *os.File, size int, writable bool) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
}

func unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

func syncMapping(b []byte, _ *os.File) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Msync(b, unix.MS_SYNC)
}
