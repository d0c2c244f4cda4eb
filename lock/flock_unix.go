//go:build unix

package lock

import (
	"os"

	"golang.org/x/sys/unix"
)

// nativeLocker uses flock(2). Locks belong to the open file description, so
// two descriptors opened by the same process exclude each other.
type nativeLocker struct{}

func (nativeLocker) TryLock(f *os.File, mode Mode) (bool, error) {
	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		switch err {
		case nil:
			return true, nil
		case unix.EINTR:
			continue
		case unix.EWOULDBLOCK:
			return false, nil
		default:
			return false, err
		}
	}
}

func (nativeLocker) Unlock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
