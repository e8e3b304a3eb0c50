// OS-level advisory locking around header access.
//
// Commit holds an exclusive lock while it appends and syncs a header, and
// Open holds a shared lock while it scans for one, so a reader in another
// process never picks up a header that is still being written. The lock
// is advisory and does not arbitrate between two writers: the file still
// needs a single owning handle.
//
// The mutex is held for the entire duration of the lock syscall so that
// Fd() cannot race with Close() on the same *os.File. Close calls
// setFile(nil) first, which waits for any in-flight call and turns later
// Lock/Unlock calls into no-ops.
package couchfile

import (
	"os"
	"sync"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// fileLock coordinates OS-level file locks with safe handle teardown.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

// Lock acquires a shared or exclusive lock, blocking until it is granted.
// Returns nil immediately if the handle has been cleared via setFile(nil).
func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.lock(mode)
}

// Unlock releases the lock. Returns nil immediately if the handle has been
// cleared via setFile(nil).
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.unlock()
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight call and disables further locking. Used by Close and by
// compaction before the fd is closed.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
