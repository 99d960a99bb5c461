package tui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/dosimg/pipeline"
)

func collect(t *testing.T) (*ProgressTracker, *[]ProgressEvent) {
	t.Helper()
	var events []ProgressEvent
	tr := NewProgressTracker()
	tr.Subscribe(func(e ProgressEvent) { events = append(events, e) })
	return tr, &events
}

func TestTracker_Hooks(t *testing.T) {
	tr, events := collect(t)
	h := tr.Hooks()

	h.OnStageStart("format", 3, 13)
	h.OnStageDone(pipeline.StageResult{Name: "format", Duration: time.Second})
	h.OnStageStart("install-bootloader", 4, 13)
	h.OnStageDone(pipeline.StageResult{Name: "install-bootloader", Err: errors.New("syslinux failed")})
	h.OnTeardown(pipeline.TeardownResult{Stage: "map-device"})
	h.OnTeardown(pipeline.TeardownResult{Stage: "map-device", Err: errors.New("kpartx -dv failed")})

	require.Len(t, *events, 5, "successful cleanups are not reported")
	ev := *events
	assert.Equal(t, EventStageStart, ev[0].Type)
	assert.Equal(t, 13, ev[0].Count)
	assert.Equal(t, EventStageComplete, ev[1].Type)
	assert.Equal(t, time.Second, ev[1].Elapsed)
	assert.Equal(t, EventStageFailed, ev[3].Type)
	assert.EqualError(t, ev[3].Error, "syslinux failed")
	assert.Equal(t, EventTeardownWarning, ev[4].Type)
	assert.Equal(t, "map-device", ev[4].Stage)
}

func TestTracker_Fetch(t *testing.T) {
	tr, events := collect(t)

	tr.StartFetch("http://example.com/fd11src.iso")
	tr.UpdateFetch(50, 200, 1024)
	tr.UpdateFetch(80, -1, 0)
	tr.CompleteFetch(200, false)

	ev := *events
	require.Len(t, ev, 4)
	assert.Equal(t, "http://example.com/fd11src.iso", ev[0].Message)
	assert.InDelta(t, 0.25, ev[1].Percent, 0.001)
	assert.Equal(t, "1.0 KiB/s", ev[1].SpeedStr)
	assert.Zero(t, ev[2].Percent, "unknown size has no percentage")
	assert.Equal(t, "fetched", ev[3].Message)
}

func TestCLIProgress_StagesAndWarnings(t *testing.T) {
	var buf bytes.Buffer
	cli := NewCLIProgress(&buf, false, true)
	tr := NewProgressTracker()
	tr.Subscribe(cli.CreateProgressCallback())
	h := tr.Hooks()

	h.OnStageStart("create-image", 0, 2)
	h.OnStageDone(pipeline.StageResult{Name: "create-image", Duration: 20 * time.Millisecond})
	h.OnStageStart("partition", 1, 2)
	h.OnStageDone(pipeline.StageResult{Name: "partition"})
	h.OnTeardown(pipeline.TeardownResult{Stage: "mount-source", Err: errors.New("umount: target is busy")})

	cli.PrintSummary(&BuildSummary{
		BuildID:    "01J0000000000000000000000",
		ImagePath:  "dos.img",
		SourcePath: "/tmp/freedos-1.1.src.iso",
		TotalTime:  3 * time.Second,
	})

	out := buf.String()
	assert.Contains(t, out, "[1/2] create-image")
	assert.Contains(t, out, "✓ create-image (20ms)")
	assert.Contains(t, out, "cleanup of mount-source failed (non-fatal): umount: target is busy")
	assert.Contains(t, out, "1 cleanup step(s) failed (non-fatal)")
	assert.Contains(t, out, "Image built successfully")
	assert.Contains(t, out, "'/tmp/freedos-1.1.src.iso' is not deleted for future use.")
	assert.Len(t, cli.Warnings(), 1)
}

func TestCLIProgress_FailureSummary(t *testing.T) {
	var buf bytes.Buffer
	cli := NewCLIProgress(&buf, false, true)
	cli.HandleEvent(ProgressEvent{Type: EventStageFailed, Stage: "format", Error: errors.New("mkfs.fat failed (exit 1)")})
	cli.PrintSummary(&BuildSummary{FailedStage: "format", Error: errors.New("mkfs.fat failed (exit 1)"), SourcePath: "/tmp/x.iso"})

	out := buf.String()
	assert.Contains(t, out, "✗ format failed: mkfs.fat failed (exit 1)")
	assert.Contains(t, out, "Build failed at format")
	assert.NotContains(t, out, "READ ME")
}

func TestCLIProgress_QuietStillCollectsWarnings(t *testing.T) {
	var buf bytes.Buffer
	cli := NewCLIProgress(&buf, true, true)
	cli.HandleEvent(ProgressEvent{Type: EventStageStart, Stage: "format"})
	cli.HandleEvent(ProgressEvent{Type: EventTeardownWarning, Stage: "map-device", Error: errors.New("boom")})

	assert.Empty(t, buf.String())
	assert.Len(t, cli.Warnings(), 1)
}

func TestProgressModel(t *testing.T) {
	cancelled := 0
	m := NewProgressModel("dos.img", "/tmp/fd.iso", []string{"create-image", "partition", "map-device"})
	m.Cancel = func() { cancelled++ }

	m.Update(ProgressEvent{Type: EventStageStart, Stage: "create-image"})
	m.Update(ProgressEvent{Type: EventStageComplete, Stage: "create-image", Elapsed: 5 * time.Millisecond})
	m.Update(ProgressEvent{Type: EventStageFailed, Stage: "partition", Error: errors.New("parted: invalid token")})
	m.Update(ProgressEvent{Type: EventTeardownWarning, Stage: "create-image", Error: errors.New("nope")})

	view := m.View()
	assert.Contains(t, view, "create-image")
	assert.Contains(t, view, "(5ms)")
	assert.Contains(t, view, "parted: invalid token")
	assert.Contains(t, view, "Cleanup warnings (non-fatal)")

	// Interrupts cancel the build once and wait for teardown.
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd)
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Equal(t, 1, cancelled)
	assert.Contains(t, m.View(), "tearing down")
	assert.False(t, m.Done())

	_, cmd = m.Update(BuildCompleteMsg{Summary: BuildSummary{FailedStage: "partition", Error: errors.New("parted: invalid token")}})
	assert.NotNil(t, cmd)
	assert.True(t, m.Done())
	require.NotNil(t, m.Result())
	assert.Equal(t, "partition", m.Result().FailedStage)
	assert.Contains(t, m.View(), "Build failed at partition")
}

func TestRenderSimple(t *testing.T) {
	out := RenderSimple([]string{"ID", "STATUS"}, [][]string{
		{"01J1", "succeeded"},
		{"01J2", "failed"},
	}, PlainStyles())

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Equal(t, strings.Index(lines[0], "STATUS"), strings.Index(lines[1], "succeeded"))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 MiB", FormatBytes(1536*1024))
	assert.Equal(t, "0 B", FormatBytes(-1))
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
	assert.Equal(t, "[ 3/13]", stepLabel(2, 13))
}

func TestTracker_UnpackProgressCarriesRunningStage(t *testing.T) {
	tr, events := collect(t)
	h := tr.Hooks()
	h.OnStageStart("unpack-base", 9, 13)
	tr.UpdateUnpack("command.zip", 12, 2048)

	ev := *events
	require.Len(t, ev, 2)
	assert.Equal(t, EventUnpackProgress, ev[1].Type)
	assert.Equal(t, "unpack-base", ev[1].Stage)
	assert.Equal(t, "command.zip", ev[1].Message)
	assert.Equal(t, 12, ev[1].Files)
	assert.EqualValues(t, 2048, ev[1].Current)

	m := NewProgressModel("dos.img", "/tmp/fd.iso", []string{"unpack-base"})
	for _, e := range ev {
		m.Update(e)
	}
	assert.Contains(t, m.View(), "command.zip: 12 files, 2.0 KiB")
}
