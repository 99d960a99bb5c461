package safeguards

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestOperationGuard_SerializesAndReleases(t *testing.T) {
	g := NewOperationGuard(GuardConfig{Logger: quietLogger()})
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "build"))
	assert.Equal(t, 1, g.ActiveOperations())
	assert.False(t, g.TryAcquire("build"), "single slot must be taken")

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(waitCtx, "build")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release("build")
	assert.Equal(t, 0, g.ActiveOperations())
	assert.True(t, g.TryAcquire("build"))
	g.Release("build")
}

func TestOperationGuard_HealthCheckFailureReleasesSlot(t *testing.T) {
	g := NewOperationGuard(GuardConfig{
		Logger:          quietLogger(),
		HealthCheckFunc: func(context.Context) error { return errors.New("image lock lost") },
	})

	err := g.Acquire(context.Background(), "pipeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image lock lost")
	assert.Equal(t, 0, g.ActiveOperations())
	assert.Empty(t, g.Holders())
}

func TestOperationGuard_WaiterGetsSlotOnRelease(t *testing.T) {
	g := NewOperationGuard(GuardConfig{Logger: quietLogger()})
	require.NoError(t, g.Acquire(context.Background(), "first"))
	assert.Equal(t, []string{"first"}, g.Holders())

	acquired := make(chan error, 1)
	go func() { acquired <- g.Acquire(context.Background(), "second") }()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait for the first release")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release("first")
	require.NoError(t, <-acquired)
	assert.Equal(t, []string{"second"}, g.Holders())
	g.Release("second")
	assert.Equal(t, 0, g.ActiveOperations())
}

func TestRecoverableOperation(t *testing.T) {
	err := RecoverableOperation(quietLogger(), "format", func() error {
		var m map[string]int
		m["boom"] = 1
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsPanicError(err))

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "format", pe.Operation)
	assert.NotEmpty(t, pe.Stack)

	sentinel := errors.New("plain failure")
	err = RecoverableOperation(quietLogger(), "format", func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, IsPanicError(err))
}

func TestPreflight_ReportsAllProblems(t *testing.T) {
	p := NewPreflight(quietLogger())
	p.Tools = []string{"kpartx", "parted", "syslinux"}
	p.lookPath = func(name string) (string, error) {
		if name == "parted" {
			return "/usr/sbin/parted", nil
		}
		return "", exec.ErrNotFound
	}
	p.statfs = func(string) (uint64, error) { return 50 << 20, nil }
	p.MinFree[t.TempDir()] = 200 << 20

	err := p.CheckAll(context.Background())
	require.Error(t, err)

	var pe *PreflightError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, pe.Problems, 3)
	assert.Contains(t, pe.Problems[0], "kpartx")
	assert.Contains(t, pe.Problems[1], "syslinux")
	assert.Contains(t, pe.Problems[2], "bytes free")
}

func TestPreflight_Passes(t *testing.T) {
	p := NewPreflight(quietLogger())
	p.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	p.statfs = func(string) (uint64, error) { return 1 << 30, nil }
	p.MinFree["/nonexistent/build/dir"] = 100 << 20

	require.NoError(t, p.CheckAll(context.Background()))
}

func TestExistingParent(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, existingParent(dir+"/a/b/c"))
	assert.Equal(t, dir, existingParent(dir))
}
