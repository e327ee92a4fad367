//go:build unix

package maildir

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ownerLock is write ownership of a maildir for the life of a stream. Only
// the owner assigns and saves UIDs; deliveries never need it.
type ownerLock struct {
	file *os.File
}

// tryOwnerLock attempts the lock without blocking. It returns nil, nil
// when another stream owns the maildir.
func tryOwnerLock(dir string) (*ownerLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, uidListName+".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open owner lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &ownerLock{file: f}, nil
}

func (l *ownerLock) unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
