package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
)

const lockFileName = "worker.lock.json"

type lockFile struct {
	PID         int    `json:"pid"`
	StartedAt   string `json:"startedAt"`
	ProfileRoot string `json:"profileRoot"`
}

// Lock marks the profile root as owned by one worker process.
type Lock struct {
	path string
	pid  int
}

// Process control is swappable so tests never signal real processes.
var (
	pidAlive     = processAlive
	signalPID    = signalProcess
	terminateGap = 120 * time.Millisecond
	terminateMax = 1200 * time.Millisecond
)

// AcquireLock writes worker.lock.json for pid. A live previous owner is
// terminated first; an unreadable lock file is overwritten.
func AcquireLock(root string, pid int) (*Lock, error) {
	if err := hardenDir(root); err != nil {
		return nil, err
	}
	path := filepath.Join(root, lockFileName)
	if existing, err := readLock(path); err == nil {
		if existing.PID > 0 && existing.PID != pid && pidAlive(existing.PID) {
			terminate(existing.PID)
		}
	}
	payload, err := json.MarshalIndent(lockFile{
		PID:         pid,
		StartedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		ProfileRoot: root,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write worker lock: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return &Lock{path: path, pid: pid}, nil
}

// Release removes the lock file if this process still owns it.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	existing, err := readLock(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if existing.PID != l.pid {
		return nil
	}
	return os.Remove(l.path)
}

func readLock(path string) (lockFile, error) {
	var out lockFile
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func terminate(pid int) {
	if err := signalPID(pid, syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.Now().Add(terminateMax)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(terminateGap)
	}
	_ = signalPID(pid, syscall.SIGKILL)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(sig)
}

// hardenDir creates dir with owner-only permissions and tightens an existing one.
func hardenDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	_ = os.Chmod(dir, 0o700)
	return nil
}
