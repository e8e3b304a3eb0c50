//go:build windows

package couchfile

import "golang.org/x/sys/windows"

// The whole addressable range is locked; headers can land anywhere.
const lockRange = 0xFFFFFFFF

func (l *fileLock) lock(mode LockMode) error {
	var flags uint32
	if mode == LockExclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(l.f.Fd()), flags, 0, lockRange, lockRange, ol)
}

func (l *fileLock) unlock() error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, lockRange, lockRange, ol)
}
