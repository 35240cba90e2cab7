//go:build unix

package strategy

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

const nativeLockSupported = true

// tryLock requests an exclusive flock without blocking. It reports false
// without an error when another descriptor holds the lock.
func tryLock(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, err
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
