// Package command runs the external tools the build pipeline is made of.
//
// Every privileged operation (kpartx, parted, mkfs.fat, syslinux, mount,
// umount) goes through a Runner so that invocations are logged uniformly and
// tests can substitute a scripted fake.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// Cmd describes an invocation with optional working directory and stdin.
type Cmd struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
}

// Result is the outcome of a finished command. It is returned alongside
// ToolError when the command exits non-zero so callers can inspect output.
type Result struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Duration time.Duration
}

// Exec runs commands on the host.
type Exec struct {
	logger logrus.FieldLogger

	// Prefix is prepended to privileged commands, e.g. []string{"sudo"}.
	// Leave empty when already running as root.
	Prefix []string
}

// NewExec creates an Exec runner.
func NewExec(logger logrus.FieldLogger, prefix ...string) *Exec {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exec{
		logger: logger.WithField("component", "command"),
		Prefix: prefix,
	}
}

// Run executes name with args.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return e.RunWith(ctx, Cmd{Name: name, Args: args})
}

// RunWith executes c, capturing stdout and stderr separately as well as
// interleaved.
func (e *Exec) RunWith(ctx context.Context, c Cmd) (*Result, error) {
	name, args := c.Name, c.Args
	if len(e.Prefix) > 0 {
		args = append(append([]string{}, e.Prefix[1:]...), append([]string{name}, args...)...)
		name = e.Prefix[0]
	}

	logger := e.logger.WithFields(logrus.Fields{
		"command": c.Name,
		"args":    c.Args,
	})
	logger.Debug("executing command")

	var stdout, stderr, combined bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = io.MultiWriter(&stderr, &combined)

	startTime := time.Now()
	err := cmd.Run()
	duration := time.Since(startTime)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	res := &Result{
		Command:  c.Name,
		Args:     c.Args,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		ExitCode: exitCode,
		Duration: duration,
	}

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   exitCode,
		"stdout":      res.Combined,
	}).Debug("command completed")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, &ToolError{Command: c.Name, Args: c.Args, ExitCode: exitCode, Output: res.Combined, Err: ctxErr}
		}
		return res, &ToolError{Command: c.Name, Args: c.Args, ExitCode: exitCode, Output: res.Combined, Err: err}
	}
	return res, nil
}

// ToolError is returned when an external tool could not be started or exited
// non-zero.
type ToolError struct {
	Command  string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s failed (exit %d): %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed (exit %d): %v (output: %s)", e.Command, e.ExitCode, e.Err, out)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// IsToolError checks if an error is a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// OutputOf returns the combined tool output carried by err, if any.
func OutputOf(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Output
	}
	return ""
}

// DefaultPrefix returns the privilege prefix for the current process: none
// when running as root, sudo otherwise.
func DefaultPrefix() []string {
	if os.Geteuid() == 0 {
		return nil
	}
	return []string{"sudo"}
}
