// SPDX-License-Identifier: MPL-2.0

// Package metrics records image build outcomes as Prometheus metrics and
// writes them in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "af3c"

// Recorder collects step and build metrics on its own registry. It
// implements provision.Observer.
type Recorder struct {
	registry *prometheus.Registry

	stepDuration  *prometheus.GaugeVec
	stepSuccess   *prometheus.GaugeVec
	buildDuration *prometheus.GaugeVec
	buildSuccess  *prometheus.GaugeVec
	lastBuild     *prometheus.GaugeVec
	builds        *prometheus.CounterVec

	now func() time.Time
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		stepDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_step_duration_seconds",
				Help:      "Wall time of each build step in the last build",
			},
			[]string{"index", "step"},
		),
		stepSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_step_success",
				Help:      "1 if the step completed in the last build, 0 if it failed",
			},
			[]string{"index", "step"},
		),
		buildDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Wall time of the last build per tag",
			},
			[]string{"tag"},
		),
		buildSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_success",
				Help:      "1 if the last build of the tag succeeded",
			},
			[]string{"tag"},
		),
		lastBuild: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_last_timestamp_seconds",
				Help:      "Unix time the last build of the tag finished",
			},
			[]string{"tag"},
		),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Builds run by this process by result",
			},
			[]string{"result"},
		),
	}

	r.registry.MustRegister(
		r.stepDuration,
		r.stepSuccess,
		r.buildDuration,
		r.buildSuccess,
		r.lastBuild,
		r.builds,
	)
	return r
}

// ObserveStep records one step of a build.
func (r *Recorder) ObserveStep(index int, step string, d time.Duration, ok bool) {
	labels := prometheus.Labels{"index": strconv.Itoa(index), "step": step}
	r.stepDuration.With(labels).Set(d.Seconds())
	r.stepSuccess.With(labels).Set(boolValue(ok))
}

// ObserveBuild records the outcome of a build.
func (r *Recorder) ObserveBuild(tag string, ok bool, d time.Duration) {
	r.buildDuration.WithLabelValues(tag).Set(d.Seconds())
	r.buildSuccess.WithLabelValues(tag).Set(boolValue(ok))
	r.lastBuild.WithLabelValues(tag).Set(float64(r.now().Unix()))
	result := "success"
	if !ok {
		result = "failure"
	}
	r.builds.WithLabelValues(result).Inc()
}

// WriteTextfile atomically writes the metrics to path for the node-exporter
// textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Encode writes the metrics to w in the Prometheus text format.
func (r *Recorder) Encode(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
