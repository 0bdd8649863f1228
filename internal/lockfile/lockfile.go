// Package lockfile guards the daemon's runtime directory so only one
// serve process runs per directory. The lock file carries JSON metadata
// about the holder; a plain-PID daemon.pid file is kept alongside as a
// fallback probe for tooling that cannot take the flock.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName = "daemon.lock"
	pidFileName  = "daemon.pid"
)

// ErrLockBusy reports that another process holds the daemon lock.
var ErrLockBusy = errors.New("daemon lock already held by another process")

// LockInfo is the JSON payload stored in the lock file.
type LockInfo struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid,omitempty"`
	Socket    string    `json:"socket,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held daemon lock. Release it on shutdown.
type Lock struct {
	f   *os.File
	dir string
}

// LockPath is the lock file location for a runtime directory.
func LockPath(dir string) string { return filepath.Join(dir, lockFileName) }

// PIDPath is the fallback PID file location for a runtime directory.
func PIDPath(dir string) string { return filepath.Join(dir, pidFileName) }

// Acquire takes the exclusive daemon lock for dir, creating the directory
// as needed, and records info in the lock file. Returns ErrLockBusy when
// another process holds the lock.
func Acquire(dir string, info LockInfo) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	f, err := os.OpenFile(LockPath(dir), os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 - runtime dir is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("lock %s: %w", LockPath(dir), err)
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.ParentPID == 0 {
		info.ParentPID = os.Getppid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(info)
	if err != nil {
		_ = FlockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("marshal lock info: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = FlockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		_ = FlockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	_ = f.Sync()

	// Best effort; the flock is authoritative.
	_ = os.WriteFile(PIDPath(dir), []byte(strconv.Itoa(info.PID)), 0o600)

	return &Lock{f: f, dir: dir}, nil
}

// Release unlocks and removes the lock and PID files.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := FlockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	_ = os.Remove(LockPath(l.dir))
	_ = os.Remove(PIDPath(l.dir))
	return err
}

// ReadLockInfo reads the lock file, accepting either the JSON payload or
// the legacy plain-PID format.
func ReadLockInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(LockPath(dir)) // #nosec G304 - runtime dir is caller-controlled
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err == nil {
		return &info, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("unrecognized lock file format")
	}
	return &LockInfo{PID: pid}, nil
}

// TryDaemonLock probes whether a daemon holds the lock for dir without
// keeping it. Reports the holder's PID when running. When the lock file
// is unreadable or absent the PID file is consulted instead.
func TryDaemonLock(dir string) (running bool, pid int) {
	f, err := os.OpenFile(LockPath(dir), os.O_RDWR, 0o600) // #nosec G304 - runtime dir is caller-controlled
	if err != nil {
		return checkPIDFile(dir)
	}
	defer func() { _ = f.Close() }()

	if err := flockExclusive(f); err == nil {
		// Nobody held it; drop the probe lock immediately.
		_ = FlockUnlock(f)
		return false, 0
	}

	info, err := ReadLockInfo(dir)
	if err != nil {
		return checkPIDFile(dir)
	}
	return true, info.PID
}

// checkPIDFile probes the fallback PID file. Reports running only when
// the recorded process exists.
func checkPIDFile(dir string) (bool, int) {
	data, err := os.ReadFile(PIDPath(dir)) // #nosec G304 - runtime dir is caller-controlled
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	if !isProcessRunning(pid) {
		return false, 0
	}
	return true, pid
}
