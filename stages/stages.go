// Package stages composes the FreeDOS image build out of pipeline stages.
//
// Build returns a pipeline with these stages, in order:
//
//	create-image        raw zero-filled image of ImageSizeMiB
//	partition           parted <image> -s <script words>
//	map-device          kpartx -av, cleanup kpartx -dv
//	format              mkfs.fat -F 16 <device>
//	install-bootloader  syslinux -i <device>
//	mount-target        mount <device> <mountdir>/mem, cleanup umount + remove mountdir
//	mount-source        mount -o loop,ro <iso> <mountdir>/fd11, cleanup umount
//	prepare-workdir     <tmp> and <target>/fdos, cleanup remove <tmp>
//	unpack-bootloader   boot/syslnxx.zip into <tmp>/fdos
//	unpack-base         base/*.zip into <tmp>/fdos, first file wins
//	install-base        <tmp>/fdos/{bin,BIN} contents into <target>/fdos
//	install-config      <sync> contents into <target>
//	install-firmware    <bios>/*.zip into <target>/flash, best effort
//
// The file work in the later stages runs in this process, so it needs write
// access to the mounted target. In practice that means running as root.
package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/siderolabs/go-copy/copy"
	"github.com/sirupsen/logrus"
	"mvdan.cc/sh/v3/shell"

	"github.com/superfly/dosimg/command"
	"github.com/superfly/dosimg/devicemapper"
	"github.com/superfly/dosimg/extraction"
	"github.com/superfly/dosimg/mount"
	"github.com/superfly/dosimg/pipeline"
)

// Stage names, as they appear in logs, reports and the build history.
const (
	StageCreateImage       = "create-image"
	StagePartition         = "partition"
	StageMapDevice         = "map-device"
	StageFormat            = "format"
	StageInstallBootloader = "install-bootloader"
	StageMountTarget       = "mount-target"
	StageMountSource       = "mount-source"
	StagePrepareWorkdir    = "prepare-workdir"
	StageUnpackBootloader  = "unpack-bootloader"
	StageUnpackBase        = "unpack-base"
	StageInstallBase       = "install-base"
	StageInstallConfig     = "install-config"
	StageInstallFirmware   = "install-firmware"
)

// Deps are the collaborators the stages act through.
type Deps struct {
	Runner    command.Runner
	Mapper    *devicemapper.Mapper
	Mounts    *mount.Set
	Extractor *extraction.Extractor
	Logger    logrus.FieldLogger
}

// build carries state between stages of one pipeline.
type build struct {
	cfg    Config
	deps   Deps
	logger logrus.FieldLogger

	// device is set by map-device and read by the stages after it.
	device string
}

// Build validates cfg and returns the build pipeline.
func Build(cfg Config, deps Deps, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build configuration: %w", err)
	}
	if deps.Runner == nil || deps.Mapper == nil || deps.Mounts == nil {
		return nil, errors.New("runner, mapper and mount set are required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Extractor == nil {
		deps.Extractor = extraction.New(deps.Logger)
	}

	b := &build{cfg: cfg, deps: deps, logger: deps.Logger.WithField("component", "stages")}

	p := pipeline.New(deps.Logger, opts...)
	p.Stage(StageCreateImage, b.createImage)
	p.Stage(StagePartition, b.partition)
	p.Stage(StageMapDevice, b.mapDevice).WithCleanup(b.dissolve)
	p.Stage(StageFormat, b.format)
	p.Stage(StageInstallBootloader, b.installBootloader)
	p.Stage(StageMountTarget, b.mountTarget).
		WithCleanup(b.removeMountDir).
		WithCleanup(b.unmountTarget)
	p.Stage(StageMountSource, b.mountSource).WithCleanup(b.unmountSource)
	p.Stage(StagePrepareWorkdir, b.prepareWorkdir).WithCleanup(b.removeWorkdir)
	p.Stage(StageUnpackBootloader, b.unpackBootloader)
	p.Stage(StageUnpackBase, b.unpackBase)
	p.Stage(StageInstallBase, b.installBase)
	p.Stage(StageInstallConfig, b.installConfig)
	p.Stage(StageInstallFirmware, b.installFirmware)
	return p, nil
}

func (b *build) createImage(ctx context.Context) error {
	f, err := os.OpenFile(b.cfg.ImagePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	size := b.cfg.ImageSizeMiB * 1024 * 1024
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("failed to size image to %d MiB: %w", b.cfg.ImageSizeMiB, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}
	b.logger.WithFields(logrus.Fields{
		"image":    b.cfg.ImagePath,
		"size_mib": b.cfg.ImageSizeMiB,
	}).Info("raw image created")
	return nil
}

func (b *build) partition(ctx context.Context) error {
	words, err := ReadPartedScript(b.cfg.PartedScript)
	if err != nil {
		return err
	}
	args := append([]string{b.cfg.ImagePath, "-s"}, words...)
	_, err = b.deps.Runner.Run(ctx, "parted", args...)
	return err
}

// ReadPartedScript reads path and splits it into words the way a shell
// would, without expanding variables.
func ReadPartedScript(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parted script: %w", err)
	}
	words, err := shell.Fields(string(data), func(string) string { return "" })
	if err != nil {
		return nil, fmt.Errorf("failed to parse parted script %s: %w", path, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("parted script %s is empty", path)
	}
	return words, nil
}

func (b *build) mapDevice(ctx context.Context) error {
	m, err := b.deps.Mapper.Create(ctx, b.cfg.ImagePath)
	if err != nil {
		return err
	}
	b.device = m.DevicePath
	return nil
}

func (b *build) dissolve(ctx context.Context) error {
	return b.deps.Mapper.Dissolve(ctx, b.cfg.ImagePath)
}

func (b *build) format(ctx context.Context) error {
	_, err := b.deps.Runner.Run(ctx, "mkfs.fat", "-F", "16", b.device)
	return err
}

func (b *build) installBootloader(ctx context.Context) error {
	_, err := b.deps.Runner.Run(ctx, "syslinux", "-i", b.device)
	return err
}

func (b *build) mountTarget(ctx context.Context) error {
	return b.deps.Mounts.Mount(ctx, b.cfg.TargetMount(), b.device)
}

func (b *build) unmountTarget(ctx context.Context) error {
	return b.deps.Mounts.Unmount(ctx, b.cfg.TargetMount())
}

func (b *build) removeMountDir(ctx context.Context) error {
	return b.deps.Mounts.RemoveDir(ctx, b.cfg.MountDir)
}

func (b *build) mountSource(ctx context.Context) error {
	return b.deps.Mounts.Mount(ctx, b.cfg.SourceMount(), b.cfg.SourceISO, b.cfg.SourceMountOptions...)
}

func (b *build) unmountSource(ctx context.Context) error {
	return b.deps.Mounts.Unmount(ctx, b.cfg.SourceMount())
}

func (b *build) prepareWorkdir(ctx context.Context) error {
	// A crashed run may have left unpacked files behind; with first-writer-wins
	// unpacking they would shadow the fresh packages.
	if err := b.deps.Mounts.RemoveDir(ctx, b.cfg.TempDir); err != nil {
		return fmt.Errorf("failed to clear stale work directory: %w", err)
	}
	if err := os.MkdirAll(b.workDir(), 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := os.MkdirAll(b.targetFdos(), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", b.targetFdos(), err)
	}
	return nil
}

func (b *build) removeWorkdir(ctx context.Context) error {
	return b.deps.Mounts.RemoveDir(ctx, b.cfg.TempDir)
}

func (b *build) unpackBootloader(ctx context.Context) error {
	archive := filepath.Join(b.cfg.SourceMount(), b.cfg.BootPackage)
	_, err := b.deps.Extractor.ExtractZip(ctx, archive, b.workDir(), extraction.DefaultOptions())
	return err
}

func (b *build) unpackBase(ctx context.Context) error {
	dir := filepath.Join(b.cfg.SourceMount(), b.cfg.BasePackagesDir)
	archives, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	if err != nil {
		return fmt.Errorf("failed to list base packages: %w", err)
	}
	if len(archives) == 0 {
		return fmt.Errorf("no base packages found in %s", dir)
	}
	sort.Strings(archives)

	var extracted, skipped int
	for _, archive := range archives {
		res, err := b.deps.Extractor.ExtractZip(ctx, archive, b.workDir(), extraction.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to unpack %s: %w", filepath.Base(archive), err)
		}
		extracted += res.FilesExtracted
		skipped += res.FilesSkipped
	}
	b.logger.WithFields(logrus.Fields{
		"packages": len(archives),
		"files":    extracted,
		"skipped":  skipped,
	}).Info("base packages unpacked")
	return nil
}

func (b *build) installBase(ctx context.Context) error {
	var copied []os.FileInfo
	for _, name := range []string{"bin", "BIN"} {
		src := filepath.Join(b.workDir(), name)
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			continue
		}
		if alreadyCopied(copied, info) {
			continue
		}
		if err := copy.Dir(src, b.targetFdos()); err != nil {
			return fmt.Errorf("failed to copy %s: %w", src, err)
		}
		copied = append(copied, info)
	}
	if len(copied) == 0 {
		return fmt.Errorf("neither bin nor BIN found in %s", b.workDir())
	}
	if len(b.cfg.RequiredFiles) > 0 {
		return b.deps.Extractor.VerifyLayout(b.targetFdos(), b.cfg.RequiredFiles...)
	}
	return nil
}

func alreadyCopied(copied []os.FileInfo, info os.FileInfo) bool {
	for _, c := range copied {
		if os.SameFile(c, info) {
			return true
		}
	}
	return false
}

func (b *build) installConfig(ctx context.Context) error {
	info, err := os.Stat(b.cfg.SyncDir)
	if err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sync directory %s is not a directory", b.cfg.SyncDir)
	}
	if err := copy.Dir(b.cfg.SyncDir, b.cfg.TargetMount()); err != nil {
		return fmt.Errorf("failed to copy configuration: %w", err)
	}
	return nil
}

// installFirmware is best effort: a missing bios directory or an archive
// that cannot be unpacked is logged and skipped.
func (b *build) installFirmware(ctx context.Context) error {
	logger := b.logger.WithField("bios_dir", b.cfg.BiosDir)
	if b.cfg.BiosDir == "" {
		return nil
	}
	if info, err := os.Stat(b.cfg.BiosDir); err != nil || !info.IsDir() {
		logger.Info("no bios directory, skipping firmware tools")
		return nil
	}

	archives, err := filepath.Glob(filepath.Join(b.cfg.BiosDir, "*.zip"))
	if err != nil {
		return fmt.Errorf("failed to list firmware archives: %w", err)
	}
	sort.Strings(archives)

	flashTmp := filepath.Join(b.cfg.TempDir, "flash")
	if err := os.MkdirAll(flashTmp, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", flashTmp, err)
	}

	var installed int
	for _, archive := range archives {
		alog := logger.WithField("archive", filepath.Base(archive))
		ok, err := extraction.IsZip(archive)
		if err != nil || !ok {
			alog.Warn("not a zip archive, skipping")
			continue
		}
		res, err := b.deps.Extractor.ExtractZip(ctx, archive, flashTmp, extraction.DefaultOptions())
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			alog.WithError(err).Warn("failed to unpack firmware archive, skipping")
			continue
		}
		installed += res.FilesExtracted
	}

	if installed == 0 {
		logger.Info("no firmware tools unpacked")
		return nil
	}
	if err := copy.Dir(flashTmp, filepath.Join(b.cfg.TargetMount(), "flash")); err != nil {
		return fmt.Errorf("failed to copy firmware tools: %w", err)
	}
	logger.WithField("files", installed).Info("firmware tools installed")
	return nil
}

func (b *build) workDir() string {
	return filepath.Join(b.cfg.TempDir, "fdos")
}

func (b *build) targetFdos() string {
	return filepath.Join(b.cfg.TargetMount(), "fdos")
}
