package session

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stubProcesses(t *testing.T, alive map[int]bool) *[]syscall.Signal {
	t.Helper()
	prevAlive, prevSignal, prevGap, prevMax := pidAlive, signalPID, terminateGap, terminateMax
	t.Cleanup(func() {
		pidAlive, signalPID, terminateGap, terminateMax = prevAlive, prevSignal, prevGap, prevMax
	})
	var sent []syscall.Signal
	pidAlive = func(pid int) bool { return alive[pid] }
	signalPID = func(pid int, sig syscall.Signal) error {
		sent = append(sent, sig)
		return nil
	}
	terminateGap = time.Millisecond
	terminateMax = 5 * time.Millisecond
	return &sent
}

func TestAcquireLock_WritesOwnerOnlyFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "providers")
	stubProcesses(t, nil)

	lock, err := AcquireLock(root, 4242)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(root, lockFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	existing, err := readLock(filepath.Join(root, lockFileName))
	require.NoError(t, err)
	require.Equal(t, 4242, existing.PID)
	require.Equal(t, root, existing.ProfileRoot)

	require.NoError(t, lock.Release())
	_, err = os.Stat(filepath.Join(root, lockFileName))
	require.True(t, os.IsNotExist(err))
}

func TestAcquireLock_TerminatesLivePreviousOwner(t *testing.T) {
	root := t.TempDir()
	sent := stubProcesses(t, map[int]bool{100: true})
	_, err := AcquireLock(root, 100)
	require.NoError(t, err)
	require.Empty(t, *sent, "own pid is never signalled")

	_, err = AcquireLock(root, 200)
	require.NoError(t, err)
	require.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, *sent)
}

func TestAcquireLock_IgnoresDeadOrCorruptOwner(t *testing.T) {
	root := t.TempDir()
	sent := stubProcesses(t, map[int]bool{})
	require.NoError(t, os.WriteFile(filepath.Join(root, lockFileName), []byte("{not json"), 0o600))
	_, err := AcquireLock(root, 300)
	require.NoError(t, err)

	_, err = AcquireLock(root, 301)
	require.NoError(t, err)
	require.Empty(t, *sent)
}

func TestRelease_KeepsForeignLock(t *testing.T) {
	root := t.TempDir()
	stubProcesses(t, nil)
	first, err := AcquireLock(root, 1)
	require.NoError(t, err)
	_, err = AcquireLock(root, 2)
	require.NoError(t, err)

	require.NoError(t, first.Release())
	existing, err := readLock(filepath.Join(root, lockFileName))
	require.NoError(t, err)
	require.Equal(t, 2, existing.PID)
}
