package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/superfly/dosimg/database"
	"github.com/superfly/dosimg/devicemapper"
	"github.com/superfly/dosimg/mount"
	"github.com/superfly/dosimg/tui"
)

type gcOptions struct {
	dryRun     bool
	force      bool
	ignoreLock bool
}

func (a *app) gcCommand() *cobra.Command {
	var opts gcOptions
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Release mounts and mappings left behind by crashed builds",
		Long: `gc looks for builds that are still recorded as running but whose process
no longer exists, and releases the mounts, device mappings and scratch
directories they held, most recent first. Builds whose resources were all
released are marked abandoned.

Exactly one of --dry-run or --force must be given.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runGC(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "show what would be released without releasing it")
	cmd.Flags().BoolVar(&opts.force, "force", false, "actually release leftover resources")
	cmd.Flags().BoolVar(&opts.ignoreLock, "ignore-lock", false, "run even if a dosimg process holds the lock (DANGEROUS)")
	return cmd
}

func (a *app) runGC(ctx context.Context, opts gcOptions) error {
	if !opts.dryRun && !opts.force {
		return usageError(fmt.Errorf("must specify either --dry-run or --force"))
	}
	if opts.dryRun && opts.force {
		return usageError(fmt.Errorf("cannot specify both --dry-run and --force"))
	}

	cfg := a.cfg
	logger := a.log.WithField("command", "gc")

	if info, ok := readLock(cfg.LockPath); ok && isProcessRunning(info.PID) {
		if !opts.ignoreLock {
			return fmt.Errorf("%w (PID %d, command: %s). Wait for it to finish, or use --ignore-lock to override (DANGEROUS)",
				errLockHeld, info.PID, info.Command)
		}
		logger.WithField("pid", info.PID).Warn("--ignore-lock specified, collecting despite a running dosimg process")
	}
	if opts.force {
		switch err := acquireLock(cfg.LockPath, "gc", logger); {
		case err == nil:
			defer releaseLock(cfg.LockPath, logger)
		case !opts.ignoreLock:
			return err
		}
	}

	db, err := database.New(cfg.databaseConfig(a.log))
	if err != nil {
		return fmt.Errorf("failed to open build history: %w", err)
	}
	defer db.Close()

	runner := a.newRunner(a.log, cfg.CommandPrefix)
	mounts := mount.NewSet(runner, a.log)
	mounts.MaxBusyWait = cfg.MaxBusyWait

	c := &collector{
		db:        db,
		mapper:    devicemapper.New(runner, a.log),
		mounts:    mounts,
		isMounted: mounts.IsMounted,
		alive:     isProcessRunning,
		dryRun:    opts.dryRun,
		logger:    logger,
	}
	result, err := c.collect(ctx)
	if err != nil {
		return fmt.Errorf("garbage collection failed: %w", err)
	}

	a.printGCResult(result, opts.dryRun)
	if result.FailedCount > 0 {
		return &exitError{
			Code:     exitFailure,
			Err:      fmt.Errorf("%d resource(s) could not be released", result.FailedCount),
			reported: true,
		}
	}
	return nil
}

// GCResult contains the results of a garbage collection run.
type GCResult struct {
	RunningBuilds  int
	OrphanedBuilds int
	ReleasedCount  int
	FailedCount    int
	Orphans        []OrphanedBuild
}

// OrphanedBuild is a build recorded as running whose process is gone.
type OrphanedBuild struct {
	BuildID   string
	PID       int
	ImagePath string
	Resources []ResourceAction
	Abandoned bool
}

// ResourceAction is what gc did, or would do, with one held resource.
type ResourceAction struct {
	Kind     string
	Path     string
	Released bool
	Error    string
}

// collector releases the resources of orphaned builds.
type collector struct {
	db     *database.DB
	mapper *devicemapper.Mapper
	mounts *mount.Set

	isMounted func(path string) (bool, error)
	alive     func(pid int) bool

	dryRun bool
	logger logrus.FieldLogger
}

func (c *collector) collect(ctx context.Context) (*GCResult, error) {
	builds, err := c.db.RunningBuilds(ctx)
	if err != nil {
		return nil, err
	}

	result := &GCResult{RunningBuilds: len(builds)}
	for _, b := range builds {
		logger := c.logger.WithFields(logrus.Fields{
			"build_id": b.ID,
			"pid":      b.PID,
		})
		if b.PID == os.Getpid() || c.alive(b.PID) {
			logger.Debug("build process is alive, skipping")
			continue
		}

		result.OrphanedBuilds++
		orphan, err := c.collectBuild(ctx, b, logger)
		if err != nil {
			return nil, err
		}
		for _, r := range orphan.Resources {
			switch {
			case r.Released:
				result.ReleasedCount++
			case r.Error != "":
				result.FailedCount++
			}
		}
		result.Orphans = append(result.Orphans, *orphan)
	}
	return result, nil
}

func (c *collector) collectBuild(ctx context.Context, b *database.Build, logger logrus.FieldLogger) (*OrphanedBuild, error) {
	held, err := c.db.HeldResources(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	orphan := &OrphanedBuild{BuildID: b.ID, PID: b.PID, ImagePath: b.ImagePath}
	logger.WithField("resources", len(held)).Info("found orphaned build")

	failed := false
	for _, r := range held {
		action := ResourceAction{Kind: r.Kind, Path: r.Path}
		if c.dryRun {
			orphan.Resources = append(orphan.Resources, action)
			continue
		}

		if err := c.release(ctx, r); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"kind": r.Kind,
				"path": r.Path,
			}).Warn("failed to release resource")
			action.Error = err.Error()
			failed = true
		} else if err := c.db.ReleaseResource(ctx, b.ID, r.Kind, r.Path); err != nil {
			return nil, err
		} else {
			action.Released = true
		}
		orphan.Resources = append(orphan.Resources, action)
	}

	// A build that still holds something stays running so the next gc
	// retries it.
	if c.dryRun || failed {
		return orphan, nil
	}
	reason := fmt.Sprintf("process %d exited without finishing; resources released by gc", b.PID)
	if err := c.db.AbandonBuild(ctx, b, reason); err != nil {
		return nil, err
	}
	orphan.Abandoned = true
	logger.Info("build marked abandoned")
	return orphan, nil
}

func (c *collector) release(ctx context.Context, r database.Resource) error {
	switch r.Kind {
	case database.ResourceMount:
		mounted, err := c.isMounted(r.Path)
		if err != nil {
			return err
		}
		if !mounted {
			return nil
		}
		c.mounts.Adopt(r.Path, "")
		return c.mounts.Unmount(ctx, r.Path)

	case database.ResourceMapping:
		if r.Device != "" {
			exists, err := c.mapper.DeviceExists(ctx, r.Device)
			if err != nil {
				return err
			}
			if !exists {
				c.logger.WithFields(logrus.Fields{
					"image":  r.Path,
					"device": r.Device,
				}).Debug("mapped device already gone, detaching loops only")
				return c.mapper.DetachLoops(ctx, r.Path)
			}
		}
		if err := c.mapper.ForceDissolve(ctx, r.Path); err != nil {
			return err
		}
		return c.mapper.DetachLoops(ctx, r.Path)

	case database.ResourceDir:
		return c.mounts.RemoveDir(ctx, r.Path)
	}
	return fmt.Errorf("unknown resource kind %q", r.Kind)
}

func (a *app) printGCResult(result *GCResult, dryRun bool) {
	styles := a.tableStyles()
	if len(result.Orphans) == 0 {
		fmt.Fprintf(a.stdout, "No orphaned builds (%d running).\n", result.RunningBuilds)
		return
	}

	var rows [][]string
	for _, o := range result.Orphans {
		for _, r := range o.Resources {
			state := "held"
			switch {
			case r.Released:
				state = "released"
			case r.Error != "":
				state = "failed: " + r.Error
			case dryRun:
				state = "would release"
			}
			rows = append(rows, []string{o.BuildID, fmt.Sprint(o.PID), r.Kind, r.Path, state})
		}
	}
	fmt.Fprint(a.stdout, tui.RenderSimple([]string{"BUILD", "PID", "KIND", "PATH", "STATE"}, rows, styles))

	summary := []string{
		fmt.Sprintf("%d orphaned build(s)", result.OrphanedBuilds),
		fmt.Sprintf("%d released", result.ReleasedCount),
		fmt.Sprintf("%d failed", result.FailedCount),
	}
	fmt.Fprintln(a.stdout, strings.Join(summary, ", "))
	if dryRun {
		fmt.Fprintln(a.stdout, "Dry run: nothing was changed. Run with --force to release.")
	}
}
