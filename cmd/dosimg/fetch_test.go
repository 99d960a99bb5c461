package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/dosimg/command/commandtest"
	"github.com/superfly/dosimg/database"
)

func TestFetchCommand_FileMirror(t *testing.T) {
	dir := t.TempDir()
	mirror := filepath.Join(dir, "mirror.iso")
	require.NoError(t, os.WriteFile(mirror, []byte("CD001 freedos"), 0o644))
	dest := filepath.Join(dir, "cache", "fd11src.iso")
	dbPath := filepath.Join(dir, "builds.db")

	args := []string{
		"fetch", "file://" + mirror, dest,
		"--quiet",
		"--db", dbPath,
		"--lock-file", filepath.Join(dir, "dosimg.lock"),
	}

	a, stdout, stderr := newTestApp(t, commandtest.New())
	require.Equal(t, exitOK, a.execute(context.Background(), args), "stderr: %s", stderr.String())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "CD001 freedos", string(data))
	assert.NoFileExists(t, dest+".tmp")

	fields := strings.Fields(stdout.String())
	require.Len(t, fields, 2)
	assert.Equal(t, dest, fields[0])
	assert.True(t, strings.HasPrefix(fields[1], "sha256:"))

	cfg := database.DefaultConfig()
	cfg.Path = dbPath
	db, err := database.New(cfg)
	require.NoError(t, err)
	art, err := db.GetArtifact(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, fields[1], art.Digest)
	assert.EqualValues(t, len("CD001 freedos"), art.SizeBytes)
	require.NoError(t, db.Close())

	// A second fetch reuses the file even after the mirror is gone.
	require.NoError(t, os.Remove(mirror))
	a, stdout, stderr = newTestApp(t, commandtest.New())
	require.Equal(t, exitOK, a.execute(context.Background(), args), "stderr: %s", stderr.String())
	assert.Equal(t, dest+"\n", stdout.String())
}

func TestFetchCommand_MissingMirrorFails(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "fd11src.iso")

	a, _, stderr := newTestApp(t, commandtest.New())
	got := a.execute(context.Background(), []string{
		"fetch", "file://" + filepath.Join(dir, "absent.iso"), dest,
		"--quiet",
		"--db", filepath.Join(dir, "builds.db"),
		"--lock-file", filepath.Join(dir, "dosimg.lock"),
	})
	assert.Equal(t, exitFailure, got, "stderr: %s", stderr.String())
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".tmp")
}
