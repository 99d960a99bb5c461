// Package devicemapper maps the partitions of a disk image file to block
// devices and dissolves those mappings again.
//
// The mapping is created with kpartx, which attaches the image to a loop
// device and registers one device-mapper target per partition. kpartx
// reports what it did as free-form text; this package is the only place in
// the repository that parses that text, so the rest of the build only ever
// sees a typed device path.
//
// # Overview
//
//	mapper := devicemapper.New(runner, logger)
//
//	m, err := mapper.Create(ctx, "dos.img")
//	if err != nil {
//		return err
//	}
//	fmt.Println(m.DevicePath) // /dev/mapper/loop0p1
//
//	// ... format, install bootloader, mount m.DevicePath ...
//
//	if err := mapper.Dissolve(ctx, "dos.img"); err != nil {
//		logger.WithError(err).Warn("dissolve failed")
//	}
//
// # Error Handling
//
// Create returns a *MapError whose Kind tells the caller what went wrong:
//   - UnexpectedOutput: kpartx succeeded but did not print "add map <name> ...";
//     whatever it mapped is dissolved before Create returns
//   - ToolFailure: kpartx exited non-zero
//   - AlreadyMapped: this Mapper already holds an active mapping for the image
//
// Dissolve is idempotent. Calling it for an image that was never mapped, or
// whose mapping was already dissolved, returns nil without running kpartx.
package devicemapper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dosimg/command"
)

// MapperDir is where device-mapper exposes mapped partitions.
const MapperDir = "/dev/mapper"

// Mapping is a live partition mapping of one image file.
type Mapping struct {
	ImagePath  string
	DeviceName string
	DevicePath string
	// Partitions lists every mapped partition name in kpartx output order.
	// Partitions[0] is always DeviceName.
	Partitions []string
	Active     bool
}

// Mapper creates and dissolves partition mappings.
type Mapper struct {
	runner command.Runner
	logger logrus.FieldLogger

	mu     sync.Mutex // one mapping operation at a time per process
	active map[string]*Mapping
}

// New creates a Mapper that runs kpartx through runner.
func New(runner command.Runner, logger logrus.FieldLogger) *Mapper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Mapper{
		runner: runner,
		logger: logger.WithField("component", "device-mapper"),
		active: make(map[string]*Mapping),
	}
}

// Create maps the partitions of imagePath and returns the first mapped
// partition as the primary device.
func (m *Mapper) Create(ctx context.Context, imagePath string) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := imageKey(imagePath)
	logger := m.logger.WithField("image", imagePath)

	if existing, ok := m.active[key]; ok && existing.Active {
		return nil, &MapError{Kind: AlreadyMapped, ImagePath: imagePath, Device: existing.DevicePath}
	}

	logger.Info("mapping image partitions")
	res, err := m.runner.Run(ctx, "kpartx", "-av", imagePath)
	if err != nil {
		out := command.OutputOf(err)
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": out,
		}).Error("kpartx add failed")
		return nil, &MapError{Kind: ToolFailure, ImagePath: imagePath, Output: out, Err: err}
	}

	names, err := ParseMapOutput(res.Stdout)
	if err != nil {
		// kpartx exited 0, so something may be mapped even though no device
		// can be named. Nothing is tracked and the failed stage registers no
		// cleanup, so dissolve here.
		logger.WithField("output", res.Stdout).Error("unexpected kpartx output")
		if derr := m.dissolve(context.WithoutCancel(ctx), imagePath); derr != nil {
			logger.WithError(derr).Warn("failed to dissolve unreadable mapping")
		}
		return nil, &MapError{Kind: UnexpectedOutput, ImagePath: imagePath, Output: res.Stdout, Err: err}
	}

	mapping := &Mapping{
		ImagePath:  imagePath,
		DeviceName: names[0],
		DevicePath: DevicePath(names[0]),
		Partitions: names,
		Active:     true,
	}
	m.active[key] = mapping

	logger.WithFields(logrus.Fields{
		"device":     mapping.DevicePath,
		"partitions": len(names),
	}).Info("image partitions mapped")

	return mapping, nil
}

// Dissolve removes the mapping of imagePath created by this Mapper. It is a
// no-op when no mapping is active. The mapping is marked dissolved even if
// kpartx fails, so a repeated Dissolve will not run kpartx again.
func (m *Mapper) Dissolve(ctx context.Context, imagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := imageKey(imagePath)
	mapping, ok := m.active[key]
	if !ok || !mapping.Active {
		m.logger.WithField("image", imagePath).Debug("no active mapping, nothing to dissolve")
		return nil
	}
	mapping.Active = false
	delete(m.active, key)

	return m.dissolve(ctx, imagePath)
}

// ForceDissolve runs kpartx -d for imagePath regardless of what this Mapper
// tracks. It is used to clean up after a crashed run.
func (m *Mapper) ForceDissolve(ctx context.Context, imagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, imageKey(imagePath))
	return m.dissolve(ctx, imagePath)
}

func (m *Mapper) dissolve(ctx context.Context, imagePath string) error {
	logger := m.logger.WithField("image", imagePath)
	logger.Info("dissolving image mapping")

	_, err := m.runner.Run(ctx, "kpartx", "-dv", imagePath)
	if err == nil {
		logger.Info("image mapping dissolved")
		return nil
	}

	out := command.OutputOf(err)
	if strings.Contains(out, "not found") || strings.Contains(out, "No such") {
		logger.Warn("mapping not found, already dissolved")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"error":  err.Error(),
		"output": out,
	}).Error("failed to dissolve image mapping")
	return fmt.Errorf("failed to dissolve mapping of %s: %w", imagePath, err)
}

// Active returns the tracked mapping for imagePath, if any.
func (m *Mapper) Active(imagePath string) (*Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.active[imageKey(imagePath)]
	if !ok || !mapping.Active {
		return nil, false
	}
	cp := *mapping
	return &cp, true
}

// DeviceExists checks whether a device-mapper device is present.
func (m *Mapper) DeviceExists(ctx context.Context, deviceName string) (bool, error) {
	if err := validateDeviceName(deviceName); err != nil {
		return false, fmt.Errorf("invalid device name: %w", err)
	}

	res, err := m.runner.Run(ctx, "dmsetup", "info", deviceName)
	if err != nil {
		if res != nil && res.ExitCode == 1 {
			return false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("device existence check cancelled: %w", ctxErr)
		}
		return false, fmt.Errorf("failed to check device existence: %w", err)
	}
	return true, nil
}

// DevicePath returns the device path for a mapped partition name.
func DevicePath(deviceName string) string {
	return MapperDir + "/" + deviceName
}

// ParseMapOutput extracts the mapped partition names from kpartx -av output.
// The first line must have the form "add map <name> ...". Every following
// non-empty line must have the same form. Anything else is rejected; a device
// name is never guessed.
func ParseMapOutput(output string) ([]string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, errors.New("empty output")
	}

	var names []string
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "add map ") {
			return nil, fmt.Errorf("line %d does not start with %q: %q", i+1, "add map ", line)
		}
		fields := strings.Fields(strings.TrimPrefix(line, "add map "))
		if len(fields) == 0 {
			return nil, fmt.Errorf("line %d has no device name", i+1)
		}
		if err := validateDeviceName(fields[0]); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		names = append(names, fields[0])
	}
	return names, nil
}

func imageKey(imagePath string) string {
	if abs, err := filepath.Abs(imagePath); err == nil {
		return abs
	}
	return filepath.Clean(imagePath)
}

// deviceNameRegex matches valid device names (alphanumeric + dash/underscore)
var deviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateDeviceName(name string) error {
	if name == "" {
		return fmt.Errorf("device name cannot be empty")
	}

	if len(name) > 127 {
		return fmt.Errorf("device name too long: %d characters (max 127)", len(name))
	}

	if !deviceNameRegex.MatchString(name) {
		return fmt.Errorf("device name contains invalid characters: %s", name)
	}

	return nil
}

// MapErrorKind classifies a MapError.
type MapErrorKind string

const (
	UnexpectedOutput MapErrorKind = "unexpected_output"
	ToolFailure      MapErrorKind = "tool_failure"
	AlreadyMapped    MapErrorKind = "already_mapped"
)

// MapError is returned when a partition mapping cannot be created.
type MapError struct {
	Kind      MapErrorKind
	ImagePath string
	Device    string
	Output    string
	Err       error
}

func (e *MapError) Error() string {
	switch e.Kind {
	case UnexpectedOutput:
		return fmt.Sprintf("unexpected kpartx output for %s: %v (output: %s)", e.ImagePath, e.Err, strings.TrimSpace(e.Output))
	case AlreadyMapped:
		return fmt.Sprintf("image %s is already mapped at %s", e.ImagePath, e.Device)
	default:
		return fmt.Sprintf("failed to map %s: %v", e.ImagePath, e.Err)
	}
}

func (e *MapError) Unwrap() error {
	return e.Err
}

// IsUnexpectedOutputError checks if an error is a MapError caused by
// unparseable kpartx output.
func IsUnexpectedOutputError(err error) bool {
	var me *MapError
	return errors.As(err, &me) && me.Kind == UnexpectedOutput
}

// IsAlreadyMappedError checks if an error is a MapError for an image that
// already has an active mapping.
func IsAlreadyMappedError(err error) bool {
	var me *MapError
	return errors.As(err, &me) && me.Kind == AlreadyMapped
}

// IsMapError checks if an error is any MapError.
func IsMapError(err error) bool {
	var me *MapError
	return errors.As(err, &me)
}
