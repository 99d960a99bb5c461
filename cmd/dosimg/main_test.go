package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/superfly/dosimg/command"
	"github.com/superfly/dosimg/command/commandtest"
)

func newTestApp(t *testing.T, runner *commandtest.Fake) (*app, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	a := newApp(stdout, stderr)
	a.newRunner = func(logrus.FieldLogger, []string) command.Runner { return runner }
	a.preflight = func(context.Context, Config) error { return nil }
	return a, stdout, stderr
}

func TestExitCodes(t *testing.T) {
	dir := t.TempDir()
	common := []string{
		"--db", filepath.Join(dir, "builds.db"),
		"--lock-file", filepath.Join(dir, "dosimg.lock"),
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command prints help", nil, exitOK},
		{"version", []string{"version"}, exitOK},
		{"unknown command", []string{"frobnicate"}, exitUsage},
		{"unknown flag", []string{"build", "--frobnicate"}, exitUsage},
		{"extra argument", []string{"version", "extra"}, exitUsage},
		{"gc needs a mode", append([]string{"gc"}, common...), exitUsage},
		{"gc rejects both modes", append([]string{"gc", "--dry-run", "--force"}, common...), exitUsage},
		{"bad log format", []string{"version", "--log-format", "xml"}, exitUsage},
		{"bad log level", []string{"version", "--log-level", "loud"}, exitUsage},
		{"missing config file", []string{"version", "--config", filepath.Join(dir, "absent.yaml")}, exitUsage},
		{"invalid image size", append([]string{"build", "--size-mib", "0"}, common...), exitUsage},
		{"list-builds limit", append([]string{"list-builds", "--limit", "0"}, common...), exitUsage},
		{"gc dry run on empty history", append([]string{"gc", "--dry-run"}, common...), exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, stderr := newTestApp(t, commandtest.New())
			got := a.execute(context.Background(), tt.args)
			assert.Equal(t, tt.want, got, "stderr: %s", stderr.String())
		})
	}
}

func TestVersionCommand(t *testing.T) {
	a, stdout, _ := newTestApp(t, commandtest.New())
	assert.Equal(t, exitOK, a.execute(context.Background(), []string{"version"}))
	assert.Contains(t, stdout.String(), "dosimg dev")
}

func TestUsageErrorMentionsHelp(t *testing.T) {
	a, _, stderr := newTestApp(t, commandtest.New())
	assert.Equal(t, exitUsage, a.execute(context.Background(), []string{"frobnicate"}))
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)
	assert.Contains(t, stderr.String(), "--help")
}
