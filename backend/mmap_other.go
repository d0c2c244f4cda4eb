//go:build !unix

package backend

import (
	"io"
	"os"
)

// Without a portable mmap the "mapping" is a heap copy of the file; writable
// copies are written back on sync.
func mapFile(f *os.File, size int, _ bool) ([]byte, error) {
	b := make([]byte, size)
	if _, err := f.ReadAt(b, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return b, nil
}

func unmap([]byte) error { return nil }

func syncMapping(b []byte, f *os.File) error {
	if f == nil || len(b) == 0 {
		return nil
	}
	_, err := f.WriteAt(b, 0)
	return err
}
