package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/dosimg/safeguards"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// journal records actions and cleanups in the order they happen.
type journal struct {
	events []string
}

func (j *journal) action(name string, err error) Action {
	return func(context.Context) error {
		j.events = append(j.events, "do "+name)
		return err
	}
}

func (j *journal) cleanup(name string, err error) Action {
	return func(context.Context) error {
		j.events = append(j.events, "undo "+name)
		return err
	}
}

func TestRun_ReverseTeardownOnSuccess(t *testing.T) {
	j := &journal{}
	p := New(quietLogger())
	p.Stage("r1", j.action("r1", nil)).WithCleanup(j.cleanup("r1", nil))
	p.Stage("r2", j.action("r2", nil)).WithCleanup(j.cleanup("r2", nil))
	p.Stage("r3", j.action("r3", nil)).WithCleanup(j.cleanup("r3", nil))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Len(t, report.Completed, 3)
	assert.Equal(t, []string{"do r1", "do r2", "do r3", "undo r3", "undo r2", "undo r1"}, j.events)
}

func TestRun_FailureStopsAndUnwindsOnlyCompleted(t *testing.T) {
	j := &journal{}
	boom := errors.New("mkfs.fat: unable to open /dev/mapper/loop0p1")

	p := New(quietLogger())
	p.Stage("create-image", j.action("create-image", nil))
	p.Stage("map-device", j.action("map-device", nil)).WithCleanup(j.cleanup("map-device", nil))
	p.Stage("format", j.action("format", boom)).WithCleanup(j.cleanup("format", nil))
	p.Stage("mount-target", j.action("mount-target", nil)).WithCleanup(j.cleanup("mount-target", nil))

	report, err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "format", FailedStage(err))
	assert.True(t, IsStageError(err))
	require.NotNil(t, report.Failed)
	assert.Equal(t, "format", report.Failed.Stage)

	assert.Equal(t, []string{"do create-image", "do map-device", "do format", "undo map-device"}, j.events,
		"a failed stage registers no cleanup and later stages never start")
}

func TestRun_TeardownIsExhaustiveAndNeverMasksStageError(t *testing.T) {
	j := &journal{}
	stageErr := errors.New("cp: no space left on device")

	p := New(quietLogger())
	p.Stage("r1", j.action("r1", nil)).WithCleanup(j.cleanup("r1", nil))
	p.Stage("r2", j.action("r2", nil)).WithCleanup(j.cleanup("r2", errors.New("umount: target is busy")))
	p.Stage("r3", j.action("r3", nil)).WithCleanup(j.cleanup("r3", nil))
	p.Stage("r4", j.action("r4", stageErr))

	report, err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, stageErr)
	assert.Equal(t, []string{"do r1", "do r2", "do r3", "do r4", "undo r3", "undo r2", "undo r1"}, j.events)

	terrs := report.TeardownErrors()
	require.Len(t, terrs, 1)
	assert.Equal(t, "r2", terrs[0].Stage)
	assert.Contains(t, terrs[0].Error(), "target is busy")
}

func TestRun_TeardownFailureDoesNotFailSuccessfulRun(t *testing.T) {
	p := New(quietLogger())
	p.Stage("r1", func(context.Context) error { return nil }).
		WithCleanup(func(context.Context) error { return errors.New("rmdir failed") })

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Len(t, report.TeardownErrors(), 1)
}

func TestRun_MultipleCleanupsPerStageRunInReverse(t *testing.T) {
	j := &journal{}
	p := New(quietLogger())
	p.Stage("mount-target", j.action("mount-target", nil)).
		WithCleanup(j.cleanup("mount-root", nil)).
		WithCleanup(j.cleanup("mem", nil))
	p.Stage("mount-source", j.action("mount-source", nil)).WithCleanup(j.cleanup("fd11", nil))

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"do mount-target", "do mount-source", "undo fd11", "undo mem", "undo mount-root"}, j.events)
}

func TestRun_PanicBecomesStageFailure(t *testing.T) {
	j := &journal{}
	p := New(quietLogger())
	p.Stage("r1", j.action("r1", nil)).WithCleanup(j.cleanup("r1", nil))
	p.Stage("r2", func(context.Context) error { panic("nil device path") })

	report, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "r2", FailedStage(err))
	assert.True(t, safeguards.IsPanicError(err))
	assert.Equal(t, []string{"do r1", "undo r1"}, j.events)
	assert.Empty(t, report.TeardownErrors())
}

func TestRun_PanickingCleanupIsRecorded(t *testing.T) {
	j := &journal{}
	p := New(quietLogger())
	p.Stage("r1", j.action("r1", nil)).WithCleanup(j.cleanup("r1", nil))
	p.Stage("r2", j.action("r2", nil)).WithCleanup(func(context.Context) error { panic("bad cleanup") })

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"do r1", "do r2", "undo r1"}, j.events)

	terrs := report.TeardownErrors()
	require.Len(t, terrs, 1)
	assert.Equal(t, "r2", terrs[0].Stage)
	assert.True(t, safeguards.IsPanicError(terrs[0]))
}

func TestRun_CancellationStopsForwardProgressButStillUnwinds(t *testing.T) {
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())

	var teardownCtxErr error
	p := New(quietLogger())
	p.Stage("r1", j.action("r1", nil)).WithCleanup(func(ctx context.Context) error {
		teardownCtxErr = ctx.Err()
		j.events = append(j.events, "undo r1")
		return nil
	})
	p.Stage("r2", func(context.Context) error {
		j.events = append(j.events, "do r2")
		cancel()
		return nil
	}).WithCleanup(j.cleanup("r2", nil))
	p.Stage("r3", j.action("r3", nil)).WithCleanup(j.cleanup("r3", nil))

	report, err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "r3", FailedStage(err))
	assert.Len(t, report.Completed, 2)
	assert.Equal(t, []string{"do r1", "do r2", "undo r2", "undo r1"}, j.events)
	assert.NoError(t, teardownCtxErr, "cleanups must run on a context that is not cancelled")
}

func TestRun_HooksObserveEveryStep(t *testing.T) {
	var started, done, torn []string
	p := New(quietLogger(), WithHooks(Hooks{
		OnStageStart: func(name string, index, total int) {
			started = append(started, name)
			assert.Equal(t, 2, total)
		},
		OnStageDone: func(r StageResult) { done = append(done, r.Name) },
		OnTeardown:  func(r TeardownResult) { torn = append(torn, r.Stage) },
	}))
	p.Stage("a", func(context.Context) error { return nil }).WithCleanup(func(context.Context) error { return nil })
	p.Stage("b", func(context.Context) error { return errors.New("fail") })

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, started)
	assert.Equal(t, []string{"a", "b"}, done)
	assert.Equal(t, []string{"a"}, torn)
}

func TestRun_GuardPreventsOverlap(t *testing.T) {
	guard := safeguards.NewOperationGuard(safeguards.GuardConfig{Logger: quietLogger()})
	p := New(quietLogger(), WithGuard(guard))

	entered := make(chan struct{})
	release := make(chan struct{})
	p.Stage("slow", func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	errc := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		errc <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	other := New(quietLogger(), WithGuard(guard))
	other.Stage("never", func(context.Context) error {
		t.Error("second run must not start while the first holds the guard")
		return nil
	})
	_, err := other.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, 0, guard.ActiveOperations())
}

func TestRun_GuardRefusalIsReportedAsGuardStage(t *testing.T) {
	guard := safeguards.NewOperationGuard(safeguards.GuardConfig{
		Logger: quietLogger(),
		HealthCheckFunc: func(context.Context) error {
			return errors.New("image lock lost")
		},
	})

	var done []StageResult
	p := New(quietLogger(), WithGuard(guard), WithHooks(Hooks{
		OnStageDone: func(r StageResult) { done = append(done, r) },
	}))
	p.Stage("first", func(context.Context) error {
		t.Error("no stage may run when the guard refuses")
		return nil
	})

	report, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, GuardStage, FailedStage(err))
	assert.Contains(t, err.Error(), "image lock lost")
	assert.Empty(t, report.Completed)
	require.Len(t, done, 1)
	assert.Equal(t, GuardStage, done[0].Name)
	assert.Error(t, done[0].Err)
	assert.Equal(t, 0, guard.ActiveOperations())
}

func TestRun_Reusable(t *testing.T) {
	j := &journal{}
	p := New(quietLogger())
	p.Stage("r1", j.action("r1", nil)).WithCleanup(j.cleanup("r1", nil))

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"do r1", "undo r1", "do r1", "undo r1"}, j.events)
	assert.Equal(t, []string{"r1"}, p.Stages())
}
