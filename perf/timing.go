// Package perf provides timing and metrics for image builds.
package perf

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer measures one step that does not run as a pipeline stage, such as
// the source fetch.
type Timer struct {
	name   string
	start  time.Time
	logger logrus.FieldLogger
}

// Start begins timing name. logger may be nil.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{name: name, start: time.Now(), logger: logger}
}

// Stop returns the elapsed time and logs it at debug level.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": d.Milliseconds(),
		}).Debug("timed operation finished")
	}
	return d
}

// BuildMetrics collects per-stage timings of one build.
type BuildMetrics struct {
	mu sync.Mutex

	FetchDuration time.Duration
	TotalDuration time.Duration

	stages           []string
	StageDurations   map[string]time.Duration
	TeardownFailures int
	Succeeded        bool
}

// NewBuildMetrics creates a new metrics tracker.
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{StageDurations: make(map[string]time.Duration)}
}

// RecordStage records the duration of a stage. Repeated stages accumulate.
func (m *BuildMetrics) RecordStage(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.StageDurations[name]; !ok {
		m.stages = append(m.stages, name)
	}
	m.StageDurations[name] += d
}

// RecordTeardownFailure counts a failed cleanup step.
func (m *BuildMetrics) RecordTeardownFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TeardownFailures++
}

// Finish records the overall outcome.
func (m *BuildMetrics) Finish(total time.Duration, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalDuration = total
	m.Succeeded = succeeded
}

// Slowest returns up to n stage names ordered by descending duration.
func (m *BuildMetrics) Slowest(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := append([]string(nil), m.stages...)
	sort.SliceStable(names, func(i, j int) bool {
		return m.StageDurations[names[i]] > m.StageDurations[names[j]]
	})
	if n < len(names) {
		names = names[:n]
	}
	return names
}

// Summary returns a formatted summary of the metrics.
func (m *BuildMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stageTotal time.Duration
	var b strings.Builder
	for _, name := range m.stages {
		d := m.StageDurations[name]
		stageTotal += d
		fmt.Fprintf(&b, "  %-20s %v\n", name+":", d)
	}

	var stagePercent float64
	if m.TotalDuration > 0 {
		stagePercent = float64(stageTotal) / float64(m.TotalDuration) * 100
	}

	return fmt.Sprintf(`
=== Build Performance Metrics ===
Total Duration:        %v
Fetch:                 %v
Stages:                %v (%.1f%% of total)
Teardown failures:     %d

Stage Durations:
%s`,
		m.TotalDuration,
		m.FetchDuration,
		stageTotal,
		stagePercent,
		m.TeardownFailures,
		b.String(),
	)
}
