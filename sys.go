package sibt

import (
	"syscall"
	"time"

	"github.com/pkg/errors"
)

var ErrWriteByOther = errors.New("db opened with write mode by another process")

// flock acquires an advisory lock on the database file, retrying until the
// timeout expires. A zero timeout means a single attempt.
func flock(db *DB, timeout time.Duration) error {
	var t time.Time
	for {
		err := flockOnce(db)
		if !errors.Is(err, ErrWriteByOther) {
			return err
		}
		if t.IsZero() {
			if timeout == 0 {
				return err
			}
			t = time.Now()
		} else if time.Since(t) > timeout {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

func flockOnce(db *DB) error {
	flag := syscall.LOCK_SH
	if !db.readOnly {
		flag = syscall.LOCK_EX
	}

	err := syscall.Flock(int(db.file.Fd()), flag|syscall.LOCK_NB)
	if err == nil {
		return nil
	} else if err.(syscall.Errno) == syscall.EWOULDBLOCK || err.(syscall.Errno) == syscall.EAGAIN { // linux & unix
		return ErrWriteByOther
	} else {
		return errors.Wrap(err, "flock failed: unknown error")
	}
}

// funlock releases an advisory lock on a file descriptor.
func funlock(db *DB) error {
	return syscall.Flock(int(db.file.Fd()), syscall.LOCK_UN)
}
