package devicemapper

import (
	"context"
	"fmt"
	"strings"
)

// LoopDevices returns the loop devices currently backed by imagePath, as
// reported by losetup -j. A missing losetup or an unattached image yields an
// empty slice.
func (m *Mapper) LoopDevices(ctx context.Context, imagePath string) []string {
	res, err := m.runner.Run(ctx, "losetup", "-j", imagePath)
	if err != nil || res == nil {
		return nil
	}
	return parseLosetupOutput(res.Stdout)
}

// DetachLoops detaches every loop device still backed by imagePath. kpartx -d
// normally does this itself; this is the fallback for mappings left behind by
// an interrupted run.
func (m *Mapper) DetachLoops(ctx context.Context, imagePath string) error {
	var failed []string
	for _, dev := range m.LoopDevices(ctx, imagePath) {
		logger := m.logger.WithField("loop_device", dev)
		if _, err := m.runner.Run(ctx, "losetup", "-d", dev); err != nil {
			logger.WithError(err).Warn("failed to detach loop device")
			failed = append(failed, dev)
			continue
		}
		logger.Info("detached loop device")
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to detach loop devices: %s", strings.Join(failed, ", "))
	}
	return nil
}

// parseLosetupOutput parses lines like
// "/dev/loop0: []: (/tmp/dos.img)".
func parseLosetupOutput(output string) []string {
	var devices []string
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) > 0 && strings.HasPrefix(parts[0], "/dev/loop") {
			devices = append(devices, strings.TrimSpace(parts[0]))
		}
	}
	return devices
}
