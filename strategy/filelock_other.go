//go:build !unix

package strategy

import (
	"os"

	"readlock"
)

const nativeLockSupported = false

func tryLock(f *os.File) (bool, error) {
	return false, readlock.ErrUnsupported
}

func unlock(f *os.File) error {
	return nil
}
