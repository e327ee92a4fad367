//go:build unix

package mbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = time.Second
)

// lockState tracks a guard through
// unlocked -> advisory held -> kernel held -> kernel released -> advisory released.
type lockState int

const (
	unlocked lockState = iota
	advisoryHeld
	kernelHeld
)

// lockGuard holds the advisory and kernel locks for one parse, rewrite or
// append. release must be called exactly once.
type lockGuard struct {
	file     *os.File
	dotPath  string // empty when no advisory lock was taken
	state    lockState
	log      *slog.Logger
	released func()
}

// acquire takes the advisory lock (when advisory is true) and then a
// kernel range lock on f. Both waits share one deadline.
func acquire(ctx context.Context, path string, f *os.File, exclusive, advisory bool, opts mailstore.OpenOptions) (*lockGuard, error) {
	deadline := time.Now().Add(opts.LockTimeout)
	g := &lockGuard{file: f, log: opts.Logger}

	if advisory {
		dot := path + ".lock"
		if err := acquireDotLock(ctx, dot, deadline, opts); err != nil {
			return nil, err
		}
		g.dotPath = dot
		g.state = advisoryHeld
	}

	if err := acquireKernelLock(ctx, f, exclusive, deadline, opts.Metrics); err != nil {
		if g.dotPath != "" {
			_ = os.Remove(g.dotPath)
		}
		return nil, err
	}
	g.state = kernelHeld
	return g, nil
}

// release drops the kernel lock, then the advisory lock.
func (g *lockGuard) release() {
	if g.state != kernelHeld {
		panic("mbox: release of a lock that is not held")
	}
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: io.SeekStart}
	if err := unix.FcntlFlock(g.file.Fd(), unix.F_SETLK, &lk); err != nil {
		g.log.Warn("kernel unlock failed", slog.String("file", g.file.Name()), slog.Any("error", err))
	}
	g.state = advisoryHeld
	if g.dotPath != "" {
		if err := os.Remove(g.dotPath); err != nil && !os.IsNotExist(err) {
			g.log.Warn("advisory unlock failed", slog.String("lock", g.dotPath), slog.Any("error", err))
		}
	}
	g.state = unlocked
	if g.released != nil {
		g.released()
	}
}

// acquireDotLock creates path exclusively. A lock file older than
// StaleLockAge is considered abandoned and taken over.
func acquireDotLock(ctx context.Context, path string, deadline time.Time, opts mailstore.OpenOptions) error {
	backoff := minBackoff
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return fmt.Errorf("write lock file: %w", werr)
			}
			opts.Metrics.ObserveLock("advisory", "acquired")
			return nil
		}
		if !stderrors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}

		fi, statErr := os.Stat(path)
		switch {
		case statErr != nil && os.IsNotExist(statErr):
			continue
		case statErr == nil && time.Since(fi.ModTime()) > opts.StaleLockAge:
			opts.Logger.Warn("removing stale mailbox lock",
				slog.String("lock", path),
				slog.Duration("age", time.Since(fi.ModTime())))
			opts.Metrics.ObserveLock("advisory", "stale")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove stale lock: %w", err)
			}
			continue
		}

		opts.Metrics.ObserveLock("advisory", "busy")
		if err := sleepUntil(ctx, deadline, &backoff); err != nil {
			opts.Metrics.ObserveLock("advisory", "timeout")
			return err
		}
	}
}

func acquireKernelLock(ctx context.Context, f *os.File, exclusive bool, deadline time.Time, m *mailstore.Metrics) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = unix.F_WRLCK
	}
	backoff := minBackoff
	for {
		lk := unix.Flock_t{Type: typ, Whence: io.SeekStart}
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
		if err == nil {
			m.ObserveLock("kernel", "acquired")
			return nil
		}
		if err != unix.EAGAIN && err != unix.EACCES {
			return fmt.Errorf("fcntl lock: %w", err)
		}
		m.ObserveLock("kernel", "busy")
		if err := sleepUntil(ctx, deadline, &backoff); err != nil {
			m.ObserveLock("kernel", "timeout")
			return err
		}
	}
}

// sleepUntil waits one backoff step, doubling it, or fails once the
// deadline has passed.
func sleepUntil(ctx context.Context, deadline time.Time, backoff *time.Duration) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return errors.ErrMailboxLocked
	}
	wait := min(*backoff, remaining)
	*backoff = min(*backoff*2, maxBackoff)

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sessionLock is write ownership of a mailbox for the life of a stream.
// It is an flock on a side-car file named after the mailbox's device and
// inode, so renamed or linked paths share one lock.
type sessionLock struct {
	file *os.File
}

// trySessionLock attempts the session lock without blocking.
// It returns nil, nil when another owner holds it.
func trySessionLock(mailbox *os.File, dir string) (*sessionLock, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(mailbox.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, fmt.Sprintf(".mbox.%x.%x", uint64(st.Dev), uint64(st.Ino)))

	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open session lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &sessionLock{file: f}, nil
}

// Unlock releases the session lock. The side-car file is left in place so
// a concurrent opener never locks an unlinked inode.
func (l *sessionLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("funlock: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}
