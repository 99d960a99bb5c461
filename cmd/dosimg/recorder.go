package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dosimg"
	"github.com/superfly/dosimg/database"
	"github.com/superfly/dosimg/devicemapper"
	"github.com/superfly/dosimg/perf"
	"github.com/superfly/dosimg/pipeline"
	"github.com/superfly/dosimg/stages"
)

// heldResource is something a stage acquired that its cleanups release.
type heldResource struct {
	kind string
	path string
}

// buildRecorder writes stage outcomes, teardown warnings and held resources
// to the build history as the pipeline reports them. gc uses the held
// resources to clean up after a build whose process died.
//
// History writes are best effort: a failing write is logged and never
// changes the outcome of the build.
type buildRecorder struct {
	ctx     context.Context
	db      *database.DB
	buildID string
	cfg     stages.Config
	mapper  *devicemapper.Mapper
	metrics *perf.BuildMetrics
	logger  logrus.FieldLogger

	seq      int
	timings  []dosimg.StageTiming
	warnings []string

	held    map[string][]heldResource
	unwound map[string]int
}

func newBuildRecorder(ctx context.Context, db *database.DB, buildID string, cfg stages.Config, mapper *devicemapper.Mapper, metrics *perf.BuildMetrics, logger logrus.FieldLogger) *buildRecorder {
	return &buildRecorder{
		ctx:     context.WithoutCancel(ctx),
		db:      db,
		buildID: buildID,
		cfg:     cfg,
		mapper:  mapper,
		metrics: metrics,
		logger:  logger,
		held:    make(map[string][]heldResource),
		unwound: make(map[string]int),
	}
}

// Hooks returns the pipeline hooks that feed the recorder.
func (r *buildRecorder) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnStageDone: r.stageDone,
		OnTeardown:  r.teardown,
	}
}

// resourcesFor lists what a successful stage holds, in the order its
// cleanups were registered.
func (r *buildRecorder) resourcesFor(stage string) []heldResource {
	switch stage {
	case stages.StageMapDevice:
		return []heldResource{{database.ResourceMapping, absPath(r.cfg.ImagePath)}}
	case stages.StageMountTarget:
		return []heldResource{
			{database.ResourceDir, absPath(r.cfg.MountDir)},
			{database.ResourceMount, absPath(r.cfg.TargetMount())},
		}
	case stages.StageMountSource:
		return []heldResource{{database.ResourceMount, absPath(r.cfg.SourceMount())}}
	case stages.StagePrepareWorkdir:
		return []heldResource{{database.ResourceDir, absPath(r.cfg.TempDir)}}
	}
	return nil
}

func (r *buildRecorder) stageDone(res pipeline.StageResult) {
	r.seq++
	row := database.BuildStage{
		Seq:       r.seq,
		Stage:     res.Name,
		Succeeded: res.Err == nil,
		Duration:  res.Duration,
	}
	timing := dosimg.StageTiming{Stage: res.Name, DurationMS: res.Duration.Milliseconds()}
	if res.Err != nil {
		row.Error = unwrapStageError(res.Err).Error()
		timing.Error = row.Error
	}
	r.timings = append(r.timings, timing)
	r.metrics.RecordStage(res.Name, res.Duration)

	if err := r.db.RecordStage(r.ctx, r.buildID, row); err != nil {
		r.logger.WithError(err).WithField("stage", res.Name).Warn("failed to record stage")
	}
	if res.Err != nil {
		return
	}

	held := r.resourcesFor(res.Name)
	for _, h := range held {
		if err := r.db.RecordResource(r.ctx, r.buildID, h.kind, h.path); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"kind": h.kind,
				"path": h.path,
			}).Warn("failed to record held resource")
		}
	}
	if len(held) > 0 {
		r.held[res.Name] = held
	}
	if res.Name == stages.StageMapDevice {
		r.recordDevice()
	}
}

// recordDevice stores the mapped device name so gc can tell whether the
// mapping outlived the build.
func (r *buildRecorder) recordDevice() {
	if r.mapper == nil {
		return
	}
	m, ok := r.mapper.Active(r.cfg.ImagePath)
	if !ok {
		return
	}
	if err := r.db.SetResourceDevice(r.ctx, r.buildID, database.ResourceMapping, absPath(r.cfg.ImagePath), m.DeviceName); err != nil {
		r.logger.WithError(err).WithField("device", m.DeviceName).Warn("failed to record mapped device")
	}
}

// teardown matches each cleanup result to the resource it released. Cleanups
// of one stage run in reverse registration order.
func (r *buildRecorder) teardown(res pipeline.TeardownResult) {
	held := r.held[res.Stage]
	k := r.unwound[res.Stage]
	r.unwound[res.Stage]++

	if res.Err != nil {
		r.metrics.RecordTeardownFailure()
		msg := fmt.Sprintf("%s: %v", res.Stage, res.Err)
		r.warnings = append(r.warnings, msg)
		if err := r.db.RecordTeardownWarning(r.ctx, r.buildID, res.Stage, res.Err.Error()); err != nil {
			r.logger.WithError(err).WithField("stage", res.Stage).Warn("failed to record teardown warning")
		}
		return
	}

	if k >= len(held) {
		return
	}
	h := held[len(held)-1-k]
	if err := r.db.ReleaseResource(r.ctx, r.buildID, h.kind, h.path); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"kind": h.kind,
			"path": h.path,
		}).Warn("failed to record released resource")
	}
}
