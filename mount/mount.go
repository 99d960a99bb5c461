// Package mount tracks the mount points a build binds and releases them.
//
// A Set remembers every mount it made, in order, so that teardown can
// unmount in reverse and so that a second mount on the same path is caught
// before the kernel sees it. Unmount and directory removal retry on "busy"
// with a bounded exponential backoff instead of sleeping a fixed amount.
package mount

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/superfly/dosimg/command"
)

// Point is a directory bound to a backing device or file.
type Point struct {
	Path    string
	Backing string
	Options []string
	Mounted bool
}

// Set manages a small set of mount points.
type Set struct {
	runner command.Runner
	logger logrus.FieldLogger

	mu     sync.Mutex
	points []*Point

	// MaxBusyWait bounds how long Unmount and RemoveDir keep retrying a busy
	// target.
	MaxBusyWait time.Duration

	// mountsFile is read by IsMounted; overridden in tests.
	mountsFile string
}

// NewSet creates an empty Set.
func NewSet(runner command.Runner, logger logrus.FieldLogger) *Set {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Set{
		runner:      runner,
		logger:      logger.WithField("component", "mount-set"),
		MaxBusyWait: 10 * time.Second,
		mountsFile:  "/proc/self/mounts",
	}
}

// Mount ensures mountPoint exists and binds backing to it.
func (s *Set) Mount(ctx context.Context, mountPoint, backing string, options ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := cleanPath(mountPoint)
	logger := s.logger.WithFields(logrus.Fields{
		"mount":   path,
		"backing": backing,
	})

	if p := s.find(path); p != nil && p.Mounted {
		logger.Warn("mount point already mounted by this build")
		return &MountError{Kind: AlreadyMounted, Path: path}
	}

	created := missingAncestor(path)
	if err := os.MkdirAll(path, 0755); err != nil {
		logger.WithError(err).Error("failed to create mount point")
		return &MountError{Kind: ToolFailure, Path: path, Err: fmt.Errorf("failed to create mount point: %w", err)}
	}

	args := []string{}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, backing, path)

	logger.Info("mounting")
	if _, err := s.runner.Run(ctx, "mount", args...); err != nil {
		out := command.OutputOf(err)
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": out,
		}).Error("failed to mount")
		if created != "" {
			removeCreated(path, created, logger)
		}
		return &MountError{Kind: ToolFailure, Path: path, Output: out, Err: err}
	}

	if p := s.find(path); p != nil {
		p.Backing, p.Options, p.Mounted = backing, options, true
	} else {
		s.points = append(s.points, &Point{Path: path, Backing: backing, Options: options, Mounted: true})
	}
	logger.Info("mounted")
	return nil
}

// missingAncestor returns the outermost directory of path that does not
// exist yet, or "" if path already exists.
func missingAncestor(path string) string {
	var missing string
	for p := path; ; p = filepath.Dir(p) {
		if _, err := os.Lstat(p); err == nil {
			return missing
		}
		missing = p
		if parent := filepath.Dir(p); parent == p {
			return missing
		}
	}
}

// removeCreated removes the empty directories from path up to and including
// top, which MkdirAll created for a mount that then failed.
func removeCreated(path, top string, logger logrus.FieldLogger) {
	for p := path; ; p = filepath.Dir(p) {
		if err := os.Remove(p); err != nil {
			logger.WithError(err).WithField("path", p).Warn("failed to remove mount point directory")
			return
		}
		if p == top {
			return
		}
	}
}

// Adopt tracks a mount this Set did not make, such as one left behind by a
// build that crashed, so that Unmount will release it.
func (s *Set) Adopt(mountPoint, backing string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := cleanPath(mountPoint)
	if p := s.find(path); p != nil {
		p.Mounted = true
		return
	}
	s.points = append(s.points, &Point{Path: path, Backing: backing, Mounted: true})
}

// Unmount releases mountPoint. Paths this Set did not mount, or already
// unmounted, are a no-op. A busy target is retried until MaxBusyWait, then a
// lazy unmount is attempted.
func (s *Set) Unmount(ctx context.Context, mountPoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := cleanPath(mountPoint)
	p := s.find(path)
	if p == nil || !p.Mounted {
		s.logger.WithField("mount", path).Debug("not mounted by this build, skipping unmount")
		return nil
	}

	if err := s.unmount(ctx, path); err != nil {
		return err
	}
	p.Mounted = false
	return nil
}

func (s *Set) unmount(ctx context.Context, path string) error {
	logger := s.logger.WithField("mount", path)
	logger.Info("unmounting")

	var lastOutput string
	op := func() error {
		_, err := s.runner.Run(ctx, "umount", path)
		if err == nil {
			return nil
		}
		lastOutput = command.OutputOf(err)
		switch {
		case strings.Contains(lastOutput, "not mounted"):
			return nil
		case isBusyOutput(lastOutput):
			logger.WithField("output", lastOutput).Debug("mount point busy, retrying")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, backoff.WithContext(s.busyBackoff(), ctx))
	if err == nil {
		logger.Info("unmounted")
		return nil
	}

	if isBusyOutput(lastOutput) {
		// Detach from the namespace and let the kernel finish once the last
		// user goes away.
		logger.Warn("mount point still busy, trying lazy unmount")
		if _, lerr := s.runner.Run(ctx, "umount", "-l", path); lerr == nil {
			logger.Info("lazy-unmounted")
			return nil
		}
		return &MountError{Kind: Busy, Path: path, Output: lastOutput, Err: err}
	}

	logger.WithFields(logrus.Fields{
		"error":  err.Error(),
		"output": lastOutput,
	}).Error("failed to unmount")
	return &MountError{Kind: ToolFailure, Path: path, Output: lastOutput, Err: err}
}

// RemoveDir removes path and its contents, retrying on EBUSY. It refuses to
// remove a directory that this Set still has mounted, or one that contains
// such a mount.
func (s *Set) RemoveDir(ctx context.Context, path string) error {
	path = cleanPath(path)
	logger := s.logger.WithField("path", path)

	s.mu.Lock()
	for _, p := range s.points {
		if p.Mounted && (p.Path == path || strings.HasPrefix(p.Path, path+string(os.PathSeparator))) {
			s.mu.Unlock()
			logger.WithField("mount", p.Path).Error("refusing to remove directory with active mount")
			return &MountError{Kind: Busy, Path: p.Path, Err: fmt.Errorf("%s is still mounted", p.Path)}
		}
	}
	s.mu.Unlock()

	op := func() error {
		err := os.RemoveAll(path)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EBUSY) {
			logger.Debug("directory busy, retrying removal")
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(s.busyBackoff(), ctx)); err != nil {
		logger.WithError(err).Warn("failed to remove directory")
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	logger.Debug("directory removed")
	return nil
}

// IsMounted reports whether the kernel currently has something mounted on
// mountPoint, by exact match on the mount table.
func (s *Set) IsMounted(mountPoint string) (bool, error) {
	f, err := os.Open(s.mountsFile)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", s.mountsFile, err)
	}
	defer f.Close()
	return mountTableContains(f, cleanPath(mountPoint))
}

func mountTableContains(r io.Reader, path string) (bool, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && unescapeMountPath(fields[1]) == path {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// unescapeMountPath undoes the octal escaping the kernel applies to spaces,
// tabs, newlines and backslashes in /proc/mounts.
func unescapeMountPath(s string) string {
	r := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return r.Replace(s)
}

func (s *Set) busyBackoff() backoff.BackOff {
	if s.MaxBusyWait <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = s.MaxBusyWait
	return b
}

func (s *Set) find(path string) *Point {
	for _, p := range s.points {
		if p.Path == path {
			return p
		}
	}
	return nil
}

func isBusyOutput(out string) bool {
	out = strings.ToLower(out)
	return strings.Contains(out, "target is busy") || strings.Contains(out, "device is busy") ||
		strings.Contains(out, "resource busy")
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// ErrorKind classifies a MountError.
type ErrorKind string

const (
	AlreadyMounted ErrorKind = "already_mounted"
	ToolFailure    ErrorKind = "tool_failure"
	Busy           ErrorKind = "busy"
)

// MountError is returned by Set operations.
type MountError struct {
	Kind   ErrorKind
	Path   string
	Output string
	Err    error
}

func (e *MountError) Error() string {
	switch e.Kind {
	case AlreadyMounted:
		return fmt.Sprintf("mount point already mounted: %s", e.Path)
	case Busy:
		return fmt.Sprintf("mount point busy: %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("mount operation failed on %s: %v", e.Path, e.Err)
	}
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// IsAlreadyMountedError checks if an error is a MountError for a double
// mount.
func IsAlreadyMountedError(err error) bool {
	var me *MountError
	return errors.As(err, &me) && me.Kind == AlreadyMounted
}

// IsBusyError checks if an error is a MountError for a target that stayed
// busy.
func IsBusyError(err error) bool {
	var me *MountError
	return errors.As(err, &me) && me.Kind == Busy
}

// IsMountError checks if an error is any MountError.
func IsMountError(err error) bool {
	var me *MountError
	return errors.As(err, &me)
}
