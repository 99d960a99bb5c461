package safeguards

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RequiredTools are the host binaries a FreeDOS image build runs.
var RequiredTools = []string{"kpartx", "parted", "mkfs.fat", "syslinux", "mount", "umount", "losetup"}

// Preflight checks the host before a build starts, so a missing tool or a
// full disk fails the run before any device is mapped.
type Preflight struct {
	logger logrus.FieldLogger

	// Tools must be found on PATH.
	Tools []string

	// MinFree maps a directory to the free bytes it must have. A directory
	// that does not exist yet is checked through its nearest existing parent.
	MinFree map[string]uint64

	lookPath func(string) (string, error)
	statfs   func(string) (uint64, error)
}

// NewPreflight creates a Preflight for the default tool set.
func NewPreflight(logger logrus.FieldLogger) *Preflight {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Preflight{
		logger:   logger.WithField("component", "preflight"),
		Tools:    append([]string(nil), RequiredTools...),
		MinFree:  make(map[string]uint64),
		lookPath: exec.LookPath,
		statfs:   freeBytes,
	}
}

// PreflightError lists every failed check.
type PreflightError struct {
	Problems []string
}

func (e *PreflightError) Error() string {
	if len(e.Problems) == 1 {
		return "preflight check failed: " + e.Problems[0]
	}
	return fmt.Sprintf("preflight checks failed (%d problems): %v", len(e.Problems), e.Problems)
}

// CheckAll runs every check and reports all failures together.
func (p *Preflight) CheckAll(ctx context.Context) error {
	var problems []string

	for _, tool := range p.Tools {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.lookPath(tool); err != nil {
			p.logger.WithField("tool", tool).Warn("required tool not found")
			problems = append(problems, fmt.Sprintf("%s not found in PATH", tool))
		}
	}

	for dir, need := range p.MinFree {
		target := existingParent(dir)
		free, err := p.statfs(target)
		if err != nil {
			problems = append(problems, fmt.Sprintf("cannot stat filesystem of %s: %v", dir, err))
			continue
		}
		if free < need {
			p.logger.WithFields(logrus.Fields{
				"path":       dir,
				"free_bytes": free,
				"need_bytes": need,
			}).Warn("insufficient free space")
			problems = append(problems, fmt.Sprintf("%s has %d bytes free, need %d", dir, free, need))
		}
	}

	if len(problems) > 0 {
		return &PreflightError{Problems: problems}
	}
	p.logger.Debug("preflight checks passed")
	return nil
}

func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func existingParent(path string) string {
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
