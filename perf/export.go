package perf

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteTextfile writes m in the Prometheus text format to path, for
// pickup by the node exporter textfile collector. The write is atomic.
func (m *BuildMetrics) WriteTextfile(path string) error {
	reg := m.Registry()
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Registry returns a fresh registry holding the current values of m.
func (m *BuildMetrics) Registry() *prometheus.Registry {
	m.mu.Lock()
	defer m.mu.Unlock()

	stageDuration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dosimg_stage_duration_seconds",
		Help: "Wall time spent in each build stage.",
	}, []string{"stage"})
	for name, d := range m.StageDurations {
		stageDuration.WithLabelValues(name).Set(d.Seconds())
	}

	fetchDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dosimg_fetch_duration_seconds",
		Help: "Wall time spent fetching the source image.",
	})
	fetchDuration.Set(m.FetchDuration.Seconds())

	buildDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dosimg_build_duration_seconds",
		Help: "Wall time of the whole build.",
	})
	buildDuration.Set(m.TotalDuration.Seconds())

	teardownFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dosimg_teardown_failures_total",
		Help: "Cleanup steps that failed during teardown.",
	})
	teardownFailures.Add(float64(m.TeardownFailures))

	success := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dosimg_build_success",
		Help: "1 if the last build succeeded, 0 otherwise.",
	})
	if m.Succeeded {
		success.Set(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(stageDuration, fetchDuration, buildDuration, teardownFailures, success)
	return reg
}
