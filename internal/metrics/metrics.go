// Package metrics records pipeline stage timings for the node exporter
// textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Recorder holds the build's collectors in a private registry.
type Recorder struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageOutcomes *prometheus.CounterVec
	buildInfo     *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
}

// New creates a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paperpack",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of pipeline stages",
		Buckets:   histogramBuckets,
	}, []string{"stage"})

	r.stageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paperpack",
		Subsystem: "pipeline",
		Name:      "stage_outcomes_total",
		Help:      "Number of pipeline stage outcomes",
	}, []string{"stage", "outcome"})

	r.buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paperpack",
		Name:      "build_info",
		Help:      "Identity of the last build, always 1",
	}, []string{"project", "version", "build_id"})

	r.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paperpack",
		Name:      "build_last_success_timestamp_seconds",
		Help:      "Completion time of the last successful build",
	})

	r.registry.MustRegister(r.stageDuration, r.stageOutcomes, r.buildInfo, r.lastSuccess)
	return r
}

// SetBuild records the build identity.
func (r *Recorder) SetBuild(project, version, buildID string) {
	r.buildInfo.Reset()
	r.buildInfo.With(prometheus.Labels{"project": project, "version": version, "build_id": buildID}).Set(1)
}

// ObserveStage records one stage outcome. Skipped stages carry no timing.
func (r *Recorder) ObserveStage(stage, outcome string, elapsed time.Duration) {
	r.stageOutcomes.With(prometheus.Labels{"stage": stage, "outcome": outcome}).Inc()
	if outcome != "skipped" {
		r.stageDuration.With(prometheus.Labels{"stage": stage}).Observe(elapsed.Seconds())
	}
}

// MarkSuccess records a successful build at t.
func (r *Recorder) MarkSuccess(t time.Time) {
	r.lastSuccess.Set(float64(t.Unix()))
}

// WriteTextfile writes the current values to path in the text exposition
// format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
