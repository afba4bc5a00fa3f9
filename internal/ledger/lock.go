package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Locker serializes ledger writers. Acquire blocks until the exclusive lock is
// held or the bound expires, and returns the release function. Failure to
// acquire within the bound surfaces as a *LockError.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// FileLock is an advisory flock(2) lock on a sidecar file next to the ledger.
// It serializes writers within this process and against other cooperating
// processes on the same host; it is not a cross-host fence.
type FileLock struct {
	Path    string
	Timeout time.Duration
}

// NewFileLock takes the ledger path and locks the ".lock" sidecar next to it,
// keeping lock bookkeeping out of the ledger file proper.
func NewFileLock(path string, timeout time.Duration) *FileLock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FileLock{Path: path + ".lock", Timeout: timeout}
}

func (l *FileLock) Acquire(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &LockError{Name: l.Path, Err: err}
	}

	deadline := time.Now().Add(l.Timeout)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() {
				_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
				_ = f.Close()
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, &LockError{Name: l.Path, Err: err}
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, &LockError{Name: l.Path, Err: errors.New("timed out waiting for exclusive lock")}
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, &LockError{Name: l.Path, Err: ctx.Err()}
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// MemLock is an in-process Locker backing unit tests and any deployment that
// accepts single-process serialization only.
type MemLock struct {
	mu      sync.Mutex
	Timeout time.Duration
}

func NewMemLock(timeout time.Duration) *MemLock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MemLock{Timeout: timeout}
}

func (l *MemLock) Acquire(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(l.Timeout)
	for {
		if l.mu.TryLock() {
			return l.mu.Unlock, nil
		}
		if time.Now().After(deadline) {
			return nil, &LockError{Name: "memory", Err: errors.New("timed out waiting for exclusive lock")}
		}
		select {
		case <-ctx.Done():
			return nil, &LockError{Name: "memory", Err: ctx.Err()}
		case <-time.After(time.Millisecond):
		}
	}
}
