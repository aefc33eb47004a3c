package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// LockInfo is the JSON metadata written into the lock file alongside the
// flock itself, so a human inspecting the file on disk can tell which
// process and since when holds it.
type LockInfo struct {
	PID       int    `json:"pid"`
	Path      string `json:"path"`
	StartedAt string `json:"started_at"`
}

// DaemonLock is an open, exclusively-locked file guarding a resource (here,
// the event store's database file) against a second daemon process.
type DaemonLock struct {
	file *os.File
	path string
}

// AcquireExclusive opens (creating if absent) the file at path, takes a
// non-blocking exclusive flock, and stamps it with this process's PID and
// start time. Returns ErrLocked-family errors if another process already
// holds it.
func AcquireExclusive(path string) (*DaemonLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := FlockExclusiveNonBlocking(f); err != nil {
		if IsLocked(err) {
			err = describeHolder(f, err)
		}
		f.Close()
		return nil, err
	}

	info := LockInfo{PID: os.Getpid(), Path: path, StartedAt: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.Marshal(info)
	if err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("lockfile: encode lock info: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("lockfile: write lock info: %w", err)
	}

	return &DaemonLock{file: f, path: path}, nil
}

// describeHolder enriches a lock-conflict error with the PID recorded by
// whoever holds the lock, and whether that process still appears to be
// running. Distinguishes a live daemon from a lock file orphaned by an
// unclean shutdown; the OS already refuses the flock either way, so this
// is diagnostic only.
func describeHolder(f *os.File, cause error) error {
	data := make([]byte, 4096)
	n, _ := f.ReadAt(data, 0)
	if n == 0 {
		return cause
	}
	var info LockInfo
	if err := json.Unmarshal(data[:n], &info); err != nil {
		return cause
	}
	status := "not running (stale lock file)"
	if isProcessRunning(info.PID) {
		status = "running"
	}
	return fmt.Errorf("%w: held by pid %d since %s (%s)", cause, info.PID, info.StartedAt, status)
}

// Release unlocks and closes the lock file. It does not remove the file on
// disk; the metadata is harmless to leave behind and removing it would
// race a concurrent acquirer.
func (l *DaemonLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := FlockUnlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
