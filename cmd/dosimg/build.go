package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/superfly/dosimg"
	"github.com/superfly/dosimg/cache"
	"github.com/superfly/dosimg/database"
	"github.com/superfly/dosimg/devicemapper"
	"github.com/superfly/dosimg/extraction"
	"github.com/superfly/dosimg/mount"
	"github.com/superfly/dosimg/perf"
	"github.com/superfly/dosimg/pipeline"
	"github.com/superfly/dosimg/s3"
	"github.com/superfly/dosimg/safeguards"
	"github.com/superfly/dosimg/stages"
	"github.com/superfly/dosimg/tui"
)

// stageFetch names the source fetch in the build history. It runs before the
// pipeline and has nothing to tear down.
const stageFetch = "fetch"

type buildOptions struct {
	jsonOut       bool
	quiet         bool
	noTUI         bool
	noColor       bool
	skipPreflight bool
}

func (a *app) buildCommand() *cobra.Command {
	var opts buildOptions
	d := DefaultConfig()

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a bootable FreeDOS image",
		Long: `Build fetches the FreeDOS source ISO if it is not cached yet, then creates
the raw image, partitions it, maps and formats the partition, installs the
bootloader and copies the FreeDOS base system, configuration files and
optional firmware tools onto it.

The exit status is 1 if any stage fails. Failed cleanups are reported as
warnings and do not change the exit status.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBuild(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.String("image", d.Build.ImagePath, "raw disk image to create")
	f.Int64("size-mib", d.Build.ImageSizeMiB, "image size in MiB")
	f.String("parted-script", d.Build.PartedScript, "file with the parted commands")
	f.String("source-url", d.SourceURL, "where to fetch the FreeDOS source ISO from (http, https, s3 or file URL)")
	f.String("source", d.Build.SourceISO, "cache path of the FreeDOS source ISO")
	f.String("mount-dir", d.Build.MountDir, "directory the image and ISO are mounted under")
	f.String("temp-dir", d.Build.TempDir, "scratch directory for unpacked packages")
	f.String("sync-dir", d.Build.SyncDir, "configuration files copied to the image root")
	f.String("bios-dir", d.Build.BiosDir, "zipped firmware tools installed under flash/")
	f.Duration("max-busy-wait", d.MaxBusyWait, "how long to retry busy unmounts before a lazy unmount")
	f.String("metrics-file", "", "write Prometheus metrics to this file after the build")
	f.BoolVar(&opts.jsonOut, "json", false, "print the result as JSON")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "only print the summary")
	f.BoolVar(&opts.noTUI, "no-tui", false, "print progress line by line even on a terminal")
	f.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	f.BoolVar(&opts.skipPreflight, "skip-preflight", false, "do not check for tools and free space before building")
	return cmd
}

// hostPreflight checks for the build tools and for free space next to the
// image and the work directory.
func (a *app) hostPreflight(ctx context.Context, cfg Config) error {
	pf := safeguards.NewPreflight(a.log)
	const mib = 1 << 20
	pf.MinFree[absPath(filepath.Dir(cfg.Build.ImagePath))] = uint64(cfg.Build.ImageSizeMiB)*mib + cfg.MinFreeMiB*mib
	pf.MinFree[absPath(cfg.Build.TempDir)] = cfg.MinFreeMiB * mib
	return pf.CheckAll(ctx)
}

// buildRun is one build from fetch to summary.
type buildRun struct {
	cfg      Config
	logger   logrus.FieldLogger
	db       *database.DB
	record   *database.Build
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	tracker  *tui.ProgressTracker
	metrics  *perf.BuildMetrics
	recorder *buildRecorder

	artifact     *cache.Artifact
	sourceDigest string
	report       *pipeline.Report
	err          error
	failedStage  string
	duration     time.Duration
}

func (a *app) runBuild(ctx context.Context, opts buildOptions) error {
	cfg := a.cfg
	logger := a.log.WithField("command", "build")

	if !opts.skipPreflight {
		if err := a.preflight(ctx, cfg); err != nil {
			return err
		}
	}

	if err := acquireLock(cfg.LockPath, "build", logger); err != nil {
		return err
	}
	defer releaseLock(cfg.LockPath, logger)

	db, err := database.New(cfg.databaseConfig(a.log))
	if err != nil {
		return fmt.Errorf("failed to open build history: %w", err)
	}
	defer db.Close()

	record, err := db.StartBuild(ctx, cfg.Build.ImagePath, cfg.Build.SourceISO, os.Getpid())
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	logger = logger.WithField("build_id", record.ID)

	if err := db.AcquireImageLock(ctx, cfg.Build.ImagePath, record.ID); err != nil {
		if ferr := db.FinishBuild(context.WithoutCancel(ctx), record.ID, database.BuildStatusFailed, "", err.Error()); ferr != nil {
			logger.WithError(ferr).Warn("failed to record build result")
		}
		return err
	}
	defer func() {
		if err := db.ReleaseImageLock(context.WithoutCancel(ctx), cfg.Build.ImagePath); err != nil {
			logger.WithError(err).Warn("failed to release image lock")
		}
	}()

	r, err := a.newBuildRun(ctx, cfg, db, record, logger)
	if err != nil {
		if ferr := db.FinishBuild(context.WithoutCancel(ctx), record.ID, database.BuildStatusFailed, "", err.Error()); ferr != nil {
			logger.WithError(ferr).Warn("failed to record build result")
		}
		return err
	}

	interactive := !opts.quiet && !opts.jsonOut && !opts.noTUI && isTerminal(a.stdout)
	if interactive {
		err = a.runInteractive(ctx, r)
	} else {
		err = a.runPlain(ctx, r, opts)
	}
	if err != nil {
		return err
	}

	if r.err != nil {
		return &exitError{Code: exitFailure, Err: r.err, reported: true}
	}
	return nil
}

func (a *app) newBuildRun(ctx context.Context, cfg Config, db *database.DB, record *database.Build, logger logrus.FieldLogger) (*buildRun, error) {
	c, err := a.newCache(ctx, cfg, cfg.SourceURL)
	if err != nil {
		return nil, err
	}

	runner := a.newRunner(a.log, cfg.CommandPrefix)
	mounts := mount.NewSet(runner, a.log)
	mounts.MaxBusyWait = cfg.MaxBusyWait

	tracker := tui.NewProgressTracker()
	metrics := perf.NewBuildMetrics()
	mapper := devicemapper.New(runner, a.log)
	recorder := newBuildRecorder(ctx, db, record.ID, cfg.Build, mapper, metrics, logger)

	// gc may have abandoned this build while it was fetching.
	guard := safeguards.NewOperationGuard(safeguards.GuardConfig{
		MaxConcurrent: 1,
		Logger:        a.log,
		HealthCheckFunc: func(ctx context.Context) error {
			holder, err := db.ImageLockHolder(ctx, cfg.Build.ImagePath)
			if err != nil {
				return err
			}
			if holder != record.ID {
				return fmt.Errorf("image lock on %s is no longer held by build %s", cfg.Build.ImagePath, record.ID)
			}
			return nil
		},
	})

	extractor := extraction.New(a.log)
	extractor.SetProgressFunc(tracker.UpdateUnpack)

	p, err := stages.Build(cfg.Build, stages.Deps{
		Runner:    runner,
		Mapper:    mapper,
		Mounts:    mounts,
		Extractor: extractor,
		Logger:    a.log,
	},
		pipeline.WithGuard(guard),
		pipeline.WithHooks(recorder.Hooks()),
		pipeline.WithHooks(tracker.Hooks()),
	)
	if err != nil {
		return nil, usageError(err)
	}

	c.SetProgressFunc(tracker.UpdateFetch)

	return &buildRun{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		record:   record,
		cache:    c,
		pipeline: p,
		tracker:  tracker,
		metrics:  metrics,
		recorder: recorder,
	}, nil
}

// newCache returns a cache that can fetch rawURL. The S3 client is only
// created for s3 URLs so other builds never load AWS configuration.
func (a *app) newCache(ctx context.Context, cfg Config, rawURL string) (*cache.Cache, error) {
	c := cache.New(afero.NewOsFs(), a.log)
	if strings.HasPrefix(strings.ToLower(rawURL), "s3://") {
		client, err := s3.New(ctx, cfg.S3, a.log)
		if err != nil {
			return nil, err
		}
		c.Register("s3", cache.NewS3Source(client))
	}
	return c, nil
}

func (a *app) runPlain(ctx context.Context, r *buildRun, opts buildOptions) error {
	var cli *tui.CLIProgress
	if !opts.jsonOut {
		cli = tui.NewCLIProgress(a.stdout, opts.quiet, opts.noColor)
		cli.PrintHeader(r.cfg.Build.ImagePath, r.cfg.Build.SourceISO)
		r.tracker.Subscribe(cli.CreateProgressCallback())
	}

	r.execute(ctx)

	if opts.jsonOut {
		data, err := r.result().Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(a.stdout, string(data))
		return nil
	}
	summary := r.summary()
	cli.PrintSummary(&summary)
	return nil
}

func (a *app) runInteractive(ctx context.Context, r *buildRun) error {
	a.quietLogs()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewProgressModel(r.cfg.Build.ImagePath, r.cfg.Build.SourceISO, r.pipeline.Stages())
	model.Cancel = cancel

	// Signals are handled by the run context; the program must not quit on
	// its own while teardown is still running.
	program := tea.NewProgram(model, tea.WithOutput(a.stdout), tea.WithoutSignalHandler())
	r.tracker.Subscribe(tui.CreateTeaCallback(program))

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.execute(runCtx)
		tui.SendBuildComplete(program, r.summary())
	}()

	_, tuiErr := program.Run()
	if tuiErr != nil {
		cancel()
	}
	<-done

	// The READ ME note and warnings stay on screen after the program exits.
	summary := r.summary()
	tui.NewCLIProgress(a.stdout, true, false).PrintSummary(&summary)

	if tuiErr != nil {
		return fmt.Errorf("TUI error: %w", tuiErr)
	}
	return nil
}

// execute fetches the source, runs the pipeline and records the outcome.
// The outcome is kept in r rather than returned so both display modes can
// render it.
func (r *buildRun) execute(ctx context.Context) {
	start := time.Now()

	if err := r.fetchSource(ctx); err != nil {
		r.err, r.failedStage = err, stageFetch
		r.tracker.ReportError(err)
	} else {
		r.report, r.err = r.pipeline.Run(ctx)
		r.failedStage = pipeline.FailedStage(r.err)
	}
	r.duration = time.Since(start)
	r.finish(ctx)
}

func (r *buildRun) fetchSource(ctx context.Context) error {
	r.tracker.StartFetch(r.cfg.SourceURL)
	timer := perf.Start(stageFetch, r.logger)

	art, err := r.cache.Fetch(ctx, r.cfg.SourceURL, r.cfg.Build.SourceISO)
	r.metrics.FetchDuration = timer.Stop()
	r.recorder.stageDone(pipeline.StageResult{Name: stageFetch, Duration: r.metrics.FetchDuration, Err: err})
	if err != nil {
		return err
	}

	r.artifact = art
	r.tracker.CompleteFetch(art.SizeBytes, !art.Fetched)
	if !art.Fetched {
		// The digest of a cached file is whatever was recorded when it was
		// fetched; it is never recomputed.
		rec, err := r.db.GetArtifact(ctx, absPath(art.Path))
		switch {
		case err != nil:
			r.logger.WithError(err).Warn("failed to look up cached artifact")
		case rec != nil:
			r.sourceDigest = rec.Digest
		}
		return nil
	}

	r.sourceDigest = art.Digest.String()
	rec := database.Artifact{
		Path:      absPath(art.Path),
		URL:       art.URL,
		Digest:    r.sourceDigest,
		SizeBytes: art.SizeBytes,
		FetchedAt: time.Now(),
	}
	if err := r.db.RecordArtifact(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.WithError(err).Warn("failed to record fetched artifact")
	}
	return nil
}

func (r *buildRun) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	status, errText := database.BuildStatusSucceeded, ""
	if r.err != nil {
		status, errText = database.BuildStatusFailed, r.err.Error()
	}
	if err := r.db.FinishBuild(ctx, r.record.ID, status, r.failedStage, errText); err != nil {
		r.logger.WithError(err).Warn("failed to record build result")
	}

	r.metrics.Finish(r.duration, r.err == nil)
	if r.cfg.MetricsFile != "" {
		if err := r.metrics.WriteTextfile(r.cfg.MetricsFile); err != nil {
			r.logger.WithError(err).Warn("failed to write metrics file")
		}
	}

	fields := logrus.Fields{
		"duration_ms":       r.duration.Milliseconds(),
		"teardown_warnings": len(r.recorder.warnings),
		"slowest_stages":    r.metrics.Slowest(3),
	}
	if r.err != nil {
		r.logger.WithFields(fields).WithField("failed_stage", r.failedStage).WithError(r.err).Error("build failed")
		return
	}
	r.logger.WithFields(fields).Info("build succeeded")
	r.logger.Debug(r.metrics.Summary())
}

func (r *buildRun) summary() tui.BuildSummary {
	return tui.BuildSummary{
		BuildID:     r.record.ID,
		ImagePath:   r.cfg.Build.ImagePath,
		SourcePath:  r.cfg.Build.SourceISO,
		FailedStage: r.failedStage,
		Error:       unwrapStageError(r.err),
		TotalTime:   r.duration,
	}
}

func (r *buildRun) result() *dosimg.BuildResult {
	res := &dosimg.BuildResult{
		BuildID:          r.record.ID,
		ImagePath:        r.cfg.Build.ImagePath,
		SourcePath:       r.cfg.Build.SourceISO,
		Succeeded:        r.err == nil,
		FailedStage:      r.failedStage,
		Stages:           r.recorder.timings,
		TeardownWarnings: r.recorder.warnings,
		StartedAt:        r.record.StartedAt,
		DurationMS:       r.duration.Milliseconds(),
	}
	if r.artifact != nil {
		res.SourceFetched = r.artifact.Fetched
		res.SourceDigest = r.sourceDigest
	}
	if r.err != nil {
		res.Error = unwrapStageError(r.err).Error()
	}
	return res
}

// unwrapStageError strips the StageError wrapper, whose stage is shown
// separately.
func unwrapStageError(err error) error {
	var se *pipeline.StageError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err
	}
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
