// Package lockfile guards the output root so only one process writes
// artifacts to it at a time.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Lock represents an acquired exclusive claim on an output root.
type Lock struct {
	path string
}

type lockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// Acquire claims path exclusively. If a lock already exists but its owner
// process is gone, the stale lock is replaced. A lock held by a live process
// is an error; two writers on one output root would corrupt sequencing.
func Acquire(path string) (*Lock, error) {
	if err := tryCreate(path); err == nil {
		return &Lock{path: path}, nil
	} else if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
	}

	info, err := readInfo(path)
	if err != nil {
		// Unreadable lock content still marks the root as claimed.
		return nil, fmt.Errorf("lockfile: %s exists and is unreadable: %w", path, err)
	}
	if processAlive(info.PID) {
		return nil, fmt.Errorf("lockfile: %s held by pid %d on %s since %s",
			path, info.PID, info.Hostname, info.StartedAt.Format(time.RFC3339))
	}

	// Stale lock from a dead process; take it over.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("lockfile: remove stale %s: %w", path, err)
	}
	if err := tryCreate(path); err != nil {
		return nil, fmt.Errorf("lockfile: reclaim %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lockfile: release %s: %w", l.path, err)
	}
	return nil
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	info := lockInfo{PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(info); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func readInfo(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	return info, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the pid exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
