// dm_test.go - Tests for kpartx mapping and dissolve behaviour.
//
// kpartx is never executed here; every test drives the Mapper through a
// scripted command runner.

package devicemapper

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dosimg/command/commandtest"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseMapOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    []string
		wantErr bool
	}{
		{
			name:   "single partition",
			output: "add map loop0p1 (253:0): 0 202752 linear 7:0 2048\n",
			want:   []string{"loop0p1"},
		},
		{
			name:   "two partitions",
			output: "add map loop3p1 (253:0): 0 2048 linear 7:3 2048\nadd map loop3p2 (253:1): 0 4096 linear 7:3 4096\n",
			want:   []string{"loop3p1", "loop3p2"},
		},
		{
			name:   "name only",
			output: "add map loop0p1",
			want:   []string{"loop0p1"},
		},
		{name: "empty", output: "", wantErr: true},
		{name: "unrelated text", output: "device-mapper: reload ioctl failed\n", wantErr: true},
		{name: "prefix without name", output: "add map \n", wantErr: true},
		{name: "trailing garbage line", output: "add map loop0p1 (253:0)\nwarning: something\n", wantErr: true},
		{name: "hostile name", output: "add map ../../etc (253:0)\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMapOutput(tt.output)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseMapOutput(%q) expected error, got %v", tt.output, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMapOutput(%q) unexpected error: %v", tt.output, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseMapOutput(%q) = %v, want %v", tt.output, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ParseMapOutput(%q)[%d] = %q, want %q", tt.output, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCreate_ParsesDevicePath(t *testing.T) {
	runner := commandtest.New().On("kpartx", commandtest.Response{
		Output: "add map loop0p1 (253:0): 0 202752 linear 7:0 2048\n",
	})
	m := New(runner, testLogger())

	mapping, err := m.Create(context.Background(), "dos.img")
	if err != nil {
		t.Fatalf("Create unexpected error: %v", err)
	}
	if mapping.DevicePath != "/dev/mapper/loop0p1" {
		t.Fatalf("DevicePath = %q, want /dev/mapper/loop0p1", mapping.DevicePath)
	}
	if got := runner.Commands(); len(got) != 1 || got[0] != "kpartx -av dos.img" {
		t.Fatalf("unexpected commands: %v", got)
	}
	if _, ok := m.Active("dos.img"); !ok {
		t.Fatalf("mapping should be tracked as active")
	}
}

func TestCreate_UnexpectedOutputIsHardFailure(t *testing.T) {
	runner := commandtest.New().On("kpartx", commandtest.Response{Output: "nothing to see here\n"})
	m := New(runner, testLogger())

	mapping, err := m.Create(context.Background(), "dos.img")
	if err == nil {
		t.Fatalf("Create expected error, got mapping %+v", mapping)
	}
	if !IsUnexpectedOutputError(err) {
		t.Fatalf("expected UnexpectedOutput MapError, got %T: %v", err, err)
	}
	if mapping != nil {
		t.Fatalf("no mapping should be returned on malformed output")
	}
	if _, ok := m.Active("dos.img"); ok {
		t.Fatalf("malformed output must not register an active mapping")
	}

	calls := runner.Named("kpartx")
	if len(calls) != 2 || calls[1].String() != "kpartx -dv dos.img" {
		t.Fatalf("expected kpartx -av then -dv, got %v", calls)
	}
}

func TestCreate_WarningBeforeAddMapIsDissolved(t *testing.T) {
	runner := commandtest.New().
		On("kpartx", commandtest.Response{Output: "GPT: warning\nadd map loop0p1 (253:0): 0 204736 linear 7:0 64\n"}).
		Fail("kpartx", "failed to dissolve")
	m := New(runner, testLogger())

	_, err := m.Create(context.Background(), "dos.img")
	if !IsUnexpectedOutputError(err) {
		t.Fatalf("a failed dissolve must not replace UnexpectedOutput, got %v", err)
	}
	calls := runner.Named("kpartx")
	if len(calls) != 2 || calls[1].String() != "kpartx -dv dos.img" {
		t.Fatalf("expected kpartx -av then -dv, got %v", calls)
	}
}

func TestCreate_ToolFailure(t *testing.T) {
	runner := commandtest.New().Fail("kpartx", "failed to stat() dos.img")
	m := New(runner, testLogger())

	_, err := m.Create(context.Background(), "dos.img")
	if !IsMapError(err) {
		t.Fatalf("expected MapError, got %v", err)
	}
	if IsUnexpectedOutputError(err) {
		t.Fatalf("tool failure should not be classified as unexpected output")
	}
}

func TestCreate_RejectsSecondActiveMapping(t *testing.T) {
	runner := commandtest.New().On("kpartx", commandtest.Response{Output: "add map loop0p1 (253:0)\n"})
	m := New(runner, testLogger())
	ctx := context.Background()

	if _, err := m.Create(ctx, "dos.img"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create(ctx, "./dos.img"); !IsAlreadyMappedError(err) {
		t.Fatalf("second Create expected AlreadyMapped, got %v", err)
	}
	if n := len(runner.Named("kpartx")); n != 1 {
		t.Fatalf("kpartx should run once, ran %d times", n)
	}

	if err := m.Dissolve(ctx, "dos.img"); err != nil {
		t.Fatalf("Dissolve: %v", err)
	}
	if _, err := m.Create(ctx, "dos.img"); err != nil {
		t.Fatalf("Create after Dissolve: %v", err)
	}
}

func TestDissolve_Idempotent(t *testing.T) {
	runner := commandtest.New().On("kpartx", commandtest.Response{Output: "add map loop0p1 (253:0)\n"})
	m := New(runner, testLogger())
	ctx := context.Background()

	// Never created: no-op.
	if err := m.Dissolve(ctx, "dos.img"); err != nil {
		t.Fatalf("Dissolve of unmapped image: %v", err)
	}
	if n := len(runner.Calls()); n != 0 {
		t.Fatalf("Dissolve of unmapped image ran %d commands", n)
	}

	if _, err := m.Create(ctx, "dos.img"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Dissolve(ctx, "dos.img"); err != nil {
			t.Fatalf("Dissolve #%d: %v", i+1, err)
		}
	}

	got := runner.Commands()
	want := []string{"kpartx -av dos.img", "kpartx -dv dos.img"}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDissolve_FailureReportedOnce(t *testing.T) {
	runner := commandtest.New().
		On("kpartx", commandtest.Response{Output: "add map loop0p1 (253:0)\n"}).
		Fail("kpartx", "ioctl: LOOP_CLR_FD: Device or resource busy")
	m := New(runner, testLogger())
	ctx := context.Background()

	if _, err := m.Create(ctx, "dos.img"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Dissolve(ctx, "dos.img"); err == nil {
		t.Fatalf("Dissolve should surface the kpartx failure")
	}
	if err := m.Dissolve(ctx, "dos.img"); err != nil {
		t.Fatalf("second Dissolve should be a no-op, got %v", err)
	}
}

func TestDissolve_NotFoundIsSuccess(t *testing.T) {
	runner := commandtest.New().Fail("kpartx", "dos.img: No such file or directory")
	m := New(runner, testLogger())

	if err := m.ForceDissolve(context.Background(), "dos.img"); err != nil {
		t.Fatalf("ForceDissolve should tolerate a missing mapping, got %v", err)
	}
}

func TestDeviceExists(t *testing.T) {
	runner := commandtest.New().
		On("dmsetup", commandtest.Response{Output: "Name: loop0p1\nState: ACTIVE\n"}).
		Fail("dmsetup", "Device does not exist.")
	m := New(runner, testLogger())
	ctx := context.Background()

	exists, err := m.DeviceExists(ctx, "loop0p1")
	if err != nil || !exists {
		t.Fatalf("DeviceExists = %v, %v; want true, nil", exists, err)
	}
	exists, err = m.DeviceExists(ctx, "loop0p1")
	if err != nil || exists {
		t.Fatalf("DeviceExists = %v, %v; want false, nil", exists, err)
	}
	if _, err := m.DeviceExists(ctx, "bad/name"); err == nil {
		t.Fatalf("DeviceExists should validate the name")
	}
}

func TestLoopDevices(t *testing.T) {
	runner := commandtest.New().On("losetup", commandtest.Response{
		Output: "/dev/loop0: []: (/tmp/dos.img)\n/dev/loop7: []: (/tmp/dos.img)\n",
	})
	m := New(runner, testLogger())

	got := m.LoopDevices(context.Background(), "/tmp/dos.img")
	if len(got) != 2 || got[0] != "/dev/loop0" || got[1] != "/dev/loop7" {
		t.Fatalf("LoopDevices = %v", got)
	}
}
