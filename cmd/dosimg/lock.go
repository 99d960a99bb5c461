package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// lockFileInfo is the body of the lock file.
type lockFileInfo struct {
	PID       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"`
	Command   string `json:"command"`
}

// errLockHeld is wrapped by acquireLock when a live process holds the lock.
var errLockHeld = errors.New("another dosimg process is running")

// acquireLock creates the lock file at lockPath so that only one dosimg
// process maps devices and mounts file systems at a time.
//
// The file is created with O_EXCL, so two processes racing for it cannot
// both succeed. A lock left behind by a process that no longer exists is
// removed and acquisition is retried.
func acquireLock(lockPath, command string, logger logrus.FieldLogger) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	info := lockFileInfo{
		PID:       os.Getpid(),
		Timestamp: time.Now().Unix(),
		Command:   command,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock file info: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		existing, ok := readLock(lockPath)
		if !ok {
			return fmt.Errorf("%w (lock file exists at %s). Wait for it to complete or remove the lock file manually", errLockHeld, lockPath)
		}
		if isProcessRunning(existing.PID) {
			return fmt.Errorf("%w (PID %d, command: %s, started: %s). Wait for it to complete or remove the lock file at %s",
				errLockHeld, existing.PID, existing.Command, time.Unix(existing.Timestamp, 0).Format(time.RFC3339), lockPath)
		}

		logger.WithFields(logrus.Fields{
			"stale_pid":   existing.PID,
			"lock_path":   lockPath,
			"stale_since": time.Unix(existing.Timestamp, 0).Format(time.RFC3339),
		}).Warn("removing stale lock file from dead process")
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock file: %w", err)
		}
		return acquireLock(lockPath, command, logger)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(lockPath)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"lock_path": lockPath,
		"pid":       info.PID,
		"command":   info.Command,
	}).Debug("acquired lock")
	return nil
}

// releaseLock removes the lock file. A missing file is not an error.
func releaseLock(lockPath string, logger logrus.FieldLogger) error {
	if err := os.Remove(lockPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		logger.WithError(err).WithField("lock_path", lockPath).Error("failed to release lock")
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	logger.WithField("lock_path", lockPath).Debug("released lock")
	return nil
}

// readLock parses the lock file. ok is false when the file is missing or
// unreadable.
func readLock(lockPath string) (info lockFileInfo, ok bool) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return info, false
	}
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		return info, false
	}
	return info, true
}

// isProcessRunning checks if a process with the given PID is still running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 checks for existence.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
