package simplestorage

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const lockFileName = ".lock"

// lockFile holds an exclusive advisory flock on the data directory's lock
// file for the lifetime of the engine.
type lockFile struct {
	file *os.File
}

func acquireLockFile(path string) (*lockFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %q", path)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLockHeld, "%q", path)
		}
		return nil, errors.Wrapf(err, "flock %q", path)
	}
	return &lockFile{file: file}, nil
}

func (me *lockFile) Release() error {
	if err := unix.Flock(int(me.file.Fd()), unix.LOCK_UN); err != nil {
		_ = me.file.Close()
		return errors.Wrap(err, "unlock data directory")
	}
	return me.file.Close()
}
