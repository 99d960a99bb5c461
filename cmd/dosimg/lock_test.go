package main

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is above the kernel's pid_max, so no process can have it.
const deadPID = 1 << 30

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeLockFile(t *testing.T, path string, info lockFileInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestAcquireLock_WritesProcessInfo(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "run", "dosimg.lock")

	require.NoError(t, acquireLock(lockPath, "build", discardLogger()))

	info, ok := readLock(lockPath)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "build", info.Command)
	assert.WithinDuration(t, time.Now(), time.Unix(info.Timestamp, 0), time.Minute)
}

func TestAcquireLock_RejectsLiveHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "dosimg.lock")
	require.NoError(t, acquireLock(lockPath, "build", discardLogger()))

	// The holder is this test process, which is alive.
	err := acquireLock(lockPath, "gc", discardLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errLockHeld))
	assert.Contains(t, err.Error(), "command: build")
}

func TestAcquireLock_ReplacesStaleLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "dosimg.lock")
	writeLockFile(t, lockPath, lockFileInfo{PID: deadPID, Timestamp: 1, Command: "build"})

	require.NoError(t, acquireLock(lockPath, "build", discardLogger()))

	info, ok := readLock(lockPath)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestAcquireLock_UnreadableLockIsNotRemoved(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "dosimg.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("not json"), 0o644))

	err := acquireLock(lockPath, "build", discardLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errLockHeld))
	assert.FileExists(t, lockPath)
}

func TestReleaseLock_Idempotent(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "dosimg.lock")
	require.NoError(t, acquireLock(lockPath, "build", discardLogger()))

	require.NoError(t, releaseLock(lockPath, discardLogger()))
	assert.NoFileExists(t, lockPath)
	require.NoError(t, releaseLock(lockPath, discardLogger()))
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, isProcessRunning(os.Getpid()))
	assert.False(t, isProcessRunning(deadPID))
	assert.False(t, isProcessRunning(0))
	assert.False(t, isProcessRunning(-1))
}
