//go:build !unix && !windows

package lock

import "os"

// nativeLocker is a no-op on platforms without advisory locks (js, wasip1,
// plan9). Coordination there is limited to a single process.
type nativeLocker struct{}

func (nativeLocker) TryLock(*os.File, Mode) (bool, error) { return true, nil }

func (nativeLocker) Unlock(*os.File) error { return nil }
