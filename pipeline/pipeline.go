// Package pipeline runs an ordered list of stages and unwinds what they
// acquired.
//
// Each stage has an action and, optionally, cleanups. A stage's cleanups are
// pushed onto the teardown stack only after its action succeeds, so a stage
// that failed half way never has its cleanup run. When Run returns, for
// whatever reason, the stack is drained in strict reverse order. Every
// cleanup is attempted even if an earlier one failed, and none of them can
// replace the error of the stage that stopped the run.
//
// # Overview
//
//	p := pipeline.New(logger)
//	p.Stage("map-device", mapDevice).WithCleanup(dissolve)
//	p.Stage("format", format)
//	p.Stage("mount-target", mountTarget).WithCleanup(unmountTarget)
//
//	report, err := p.Run(ctx)
//	for _, te := range report.TeardownErrors() {
//		logger.WithError(te).Warn("teardown step failed")
//	}
//	if err != nil {
//		return err // *StageError naming the failing stage
//	}
//
// # Cancellation
//
// The context is checked before each stage. Once it is done no further
// stage starts and Run returns a *StageError for the stage that would have
// run next, wrapping the context error. Teardown runs on a context detached
// from cancellation so an interrupt never skips cleanup.
//
// # Panics
//
// A panicking action is recovered and becomes that stage's failure. A
// panicking cleanup is recorded as a teardown failure and the remaining
// cleanups still run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dosimg/safeguards"
)

// Action is the forward or cleanup work of a stage.
type Action func(ctx context.Context) error

// Stage is a named unit of work.
type Stage struct {
	Name     string
	Action   Action
	Cleanups []Action
}

// WithCleanup adds a cleanup that is registered once the action succeeds.
// Cleanups of one stage run in reverse order of addition.
func (s *Stage) WithCleanup(fn Action) *Stage {
	s.Cleanups = append(s.Cleanups, fn)
	return s
}

// Hooks observe a run. Any field may be nil.
type Hooks struct {
	OnStageStart func(name string, index, total int)
	OnStageDone  func(result StageResult)
	OnTeardown   func(result TeardownResult)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGuard makes Run hold a slot of g from the first stage until teardown
// is complete.
func WithGuard(g *safeguards.OperationGuard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithHooks adds an observer. Observers are called in the order added.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) { p.hooks = append(p.hooks, h) }
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	logger logrus.FieldLogger
	stages []*Stage
	guard  *safeguards.OperationGuard
	hooks  []Hooks
}

// New creates an empty pipeline.
func New(logger logrus.FieldLogger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pipeline{logger: logger.WithField("component", "pipeline")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stage appends a stage and returns it so cleanups can be attached.
func (p *Pipeline) Stage(name string, action Action) *Stage {
	s := &Stage{Name: name, Action: action}
	p.stages = append(p.stages, s)
	return s
}

// Stages returns the stage names in run order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// StageResult records one executed stage.
type StageResult struct {
	Name     string
	Duration time.Duration
	Err      error
}

// GuardStage names the failure when the operation guard refuses a run.
// No stage has started at that point.
const GuardStage = "guard"

// TeardownResult records one executed cleanup.
type TeardownResult struct {
	Stage    string
	Duration time.Duration
	Err      error
}

// Report describes a finished run.
type Report struct {
	Completed []StageResult
	Failed    *StageError
	Teardown  []TeardownResult
	Duration  time.Duration
}

// OK reports whether every stage succeeded. Teardown failures do not count.
func (r *Report) OK() bool {
	return r.Failed == nil
}

// TeardownErrors returns the failed cleanups in the order they ran.
func (r *Report) TeardownErrors() []*TeardownError {
	var out []*TeardownError
	for _, t := range r.Teardown {
		if t.Err != nil {
			out = append(out, &TeardownError{Stage: t.Stage, Err: t.Err})
		}
	}
	return out
}

type registered struct {
	stage string
	fn    Action
}

// Run executes the stages in order and always drains the teardown stack
// before returning. The error is nil or a *StageError.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	start := time.Now()

	if p.guard != nil {
		if err := p.guard.Acquire(ctx, "pipeline"); err != nil {
			res := StageResult{Name: GuardStage, Duration: time.Since(start), Err: err}
			for _, h := range p.hooks {
				if h.OnStageDone != nil {
					h.OnStageDone(res)
				}
			}
			p.logger.WithError(err).Error("failed to acquire operation slot")
			report.Failed = &StageError{Stage: GuardStage, Err: err}
			report.Duration = time.Since(start)
			return report, report.Failed
		}
		defer p.guard.Release("pipeline")
	}

	var stack []registered
	defer func() {
		p.teardown(context.WithoutCancel(ctx), stack, report)
		report.Duration = time.Since(start)
	}()

	total := len(p.stages)
	for i, st := range p.stages {
		logger := p.logger.WithFields(logrus.Fields{
			"stage": st.Name,
			"step":  fmt.Sprintf("%d/%d", i+1, total),
		})

		if err := ctx.Err(); err != nil {
			logger.WithError(err).Warn("run cancelled before stage")
			report.Failed = &StageError{Stage: st.Name, Err: err}
			break
		}

		for _, h := range p.hooks {
			if h.OnStageStart != nil {
				h.OnStageStart(st.Name, i, total)
			}
		}

		logger.Info("stage started")
		stageStart := time.Now()
		err := safeguards.RecoverableOperation(logger, st.Name, func() error {
			return st.Action(ctx)
		})
		res := StageResult{Name: st.Name, Duration: time.Since(stageStart), Err: err}

		for _, h := range p.hooks {
			if h.OnStageDone != nil {
				h.OnStageDone(res)
			}
		}

		if err != nil {
			logger.WithFields(logrus.Fields{
				"error":       err.Error(),
				"duration_ms": res.Duration.Milliseconds(),
			}).Error("stage failed")
			report.Failed = &StageError{Stage: st.Name, Err: err}
			break
		}

		logger.WithField("duration_ms", res.Duration.Milliseconds()).Info("stage completed")
		report.Completed = append(report.Completed, res)
		for _, c := range st.Cleanups {
			stack = append(stack, registered{stage: st.Name, fn: c})
		}
	}

	if report.Failed != nil {
		return report, report.Failed
	}
	return report, nil
}

func (p *Pipeline) teardown(ctx context.Context, stack []registered, report *Report) {
	if len(stack) == 0 {
		return
	}
	p.logger.WithField("steps", len(stack)).Info("tearing down")

	for i := len(stack) - 1; i >= 0; i-- {
		c := stack[i]
		logger := p.logger.WithField("stage", c.stage)

		stepStart := time.Now()
		err := safeguards.RecoverableOperation(logger, c.stage+" cleanup", func() error {
			return c.fn(ctx)
		})
		res := TeardownResult{Stage: c.stage, Duration: time.Since(stepStart), Err: err}
		report.Teardown = append(report.Teardown, res)

		if err != nil {
			logger.WithError(err).Warn("teardown step failed, continuing")
		} else {
			logger.Debug("teardown step completed")
		}

		for _, h := range p.hooks {
			if h.OnTeardown != nil {
				h.OnTeardown(res)
			}
		}
	}
}

// StageError is the terminal error of a failed run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// TeardownError is a failed cleanup. It is reported, never returned as the
// run's error.
type TeardownError struct {
	Stage string
	Err   error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown of %s failed: %v", e.Stage, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// IsStageError checks if an error is a StageError.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// FailedStage returns the stage named by a StageError in err's chain, or "".
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
