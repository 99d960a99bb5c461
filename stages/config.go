package stages

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Config holds every path and size a build uses.
type Config struct {
	// ImagePath is the raw disk image to create.
	ImagePath string
	// ImageSizeMiB is the size of the raw image.
	ImageSizeMiB int64
	// PartedScript holds the parted commands, split with shell quoting rules.
	PartedScript string

	// MountDir is the root under which both mount points are created. It is
	// removed during teardown.
	MountDir string
	// TargetName is the mount point of the new image under MountDir.
	TargetName string
	// SourceName is the mount point of the source ISO under MountDir.
	SourceName string
	// SourceISO is the cached FreeDOS source image.
	SourceISO string
	// SourceMountOptions are passed to mount -o for the source ISO.
	SourceMountOptions []string

	// TempDir is the scratch directory packages are unpacked into.
	TempDir string
	// SyncDir holds configuration files copied to the image root.
	SyncDir string
	// BiosDir optionally holds zipped firmware flash tools.
	BiosDir string

	// BootPackage is the bootloader package, relative to the source mount.
	BootPackage string
	// BasePackagesDir holds the base packages, relative to the source mount.
	BasePackagesDir string
	// RequiredFiles must exist in <target>/fdos after install-base. Matched
	// case-insensitively.
	RequiredFiles []string
}

// DefaultConfig returns the FreeDOS 1.1 layout.
func DefaultConfig() Config {
	return Config{
		ImagePath:          "dos.img",
		ImageSizeMiB:       100,
		PartedScript:       "dos.parted",
		MountDir:           "mnt",
		TargetName:         "mem",
		SourceName:         "fd11",
		SourceISO:          "/tmp/freedos-1.1.src.iso",
		SourceMountOptions: []string{"loop", "ro"},
		TempDir:            "/tmp/freedos-tmp",
		SyncDir:            "sync",
		BiosDir:            "bios",
		BootPackage:        "freedos/packages/boot/syslnxx.zip",
		BasePackagesDir:    "freedos/packages/base",
		RequiredFiles:      []string{"command.com"},
	}
}

// TargetMount is where the new image's partition is mounted.
func (c Config) TargetMount() string {
	return filepath.Join(c.MountDir, c.TargetName)
}

// SourceMount is where the source ISO is mounted.
func (c Config) SourceMount() string {
	return filepath.Join(c.MountDir, c.SourceName)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"image path", c.ImagePath},
		{"parted script", c.PartedScript},
		{"mount dir", c.MountDir},
		{"target name", c.TargetName},
		{"source name", c.SourceName},
		{"source ISO", c.SourceISO},
		{"temp dir", c.TempDir},
		{"sync dir", c.SyncDir},
		{"boot package", c.BootPackage},
		{"base packages dir", c.BasePackagesDir},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("%s must be set", f.name))
		}
	}
	if c.ImageSizeMiB <= 0 {
		errs = append(errs, fmt.Errorf("image size must be positive, got %d MiB", c.ImageSizeMiB))
	}
	if c.TargetName == c.SourceName && c.TargetName != "" {
		errs = append(errs, fmt.Errorf("target and source mount points must differ"))
	}
	if c.TempDir != "" && filepath.Clean(c.TempDir) == filepath.Clean(c.MountDir) {
		errs = append(errs, fmt.Errorf("temp dir and mount dir must differ"))
	}
	return errors.Join(errs...)
}
