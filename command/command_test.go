package command

import (
	"context"
	"io"
	"os/exec"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExec_CapturesOutput(t *testing.T) {
	requireShell(t)
	e := NewExec(quietLogger())

	res, err := e.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Contains(t, res.Combined, "out")
	assert.Contains(t, res.Combined, "err")
	assert.Equal(t, 0, res.ExitCode)
}

func TestExec_NonZeroExitIsToolError(t *testing.T) {
	requireShell(t)
	e := NewExec(quietLogger())

	res, err := e.Run(context.Background(), "sh", "-c", "echo broken; exit 3")
	require.Error(t, err)
	require.True(t, IsToolError(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, OutputOf(err), "broken")

	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr, "ToolError should unwrap to the exec error")
}

func TestExec_PrefixWrapsCommand(t *testing.T) {
	requireShell(t)
	// "env" stands in for sudo: it runs the remaining argv unchanged.
	e := NewExec(quietLogger(), "env")

	res, err := e.Run(context.Background(), "sh", "-c", "echo via-prefix")
	require.NoError(t, err)
	assert.Equal(t, "via-prefix\n", res.Stdout)
	assert.Equal(t, "sh", res.Command, "result reports the unprefixed command")
}

func TestExec_CancelledContext(t *testing.T) {
	requireShell(t)
	e := NewExec(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, "sh", "-c", "sleep 5")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToolError_Message(t *testing.T) {
	err := &ToolError{Command: "kpartx", ExitCode: 1, Output: "  boom \n", Err: io.EOF}
	assert.Equal(t, "kpartx failed (exit 1): EOF (output: boom)", err.Error())

	err = &ToolError{Command: "kpartx", ExitCode: 1, Err: io.EOF}
	assert.Equal(t, "kpartx failed (exit 1): EOF", err.Error())
}
