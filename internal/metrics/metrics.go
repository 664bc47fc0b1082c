// Package metrics exposes Prometheus counters for pipeline activity.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "testplan"

// LLM call roles
const (
	RoleActor  = "actor"
	RoleCritic = "critic"
	RoleFinal  = "final"
	RoleProbe  = "probe"
)

// LLM call outcomes
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// OutcomeOf classifies the error of an LLM call.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	}
	return OutcomeError
}

// Recorder records pipeline metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	runs       *prometheus.CounterVec
	sections   *prometheus.CounterVec
	llmCalls   *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
	activeRuns prometheus.Gauge
}

// NewRecorder creates a Recorder and registers its collectors with reg.
// A nil reg leaves the collectors unregistered.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"}),
		sections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sections_total",
			Help:      "Sections by final status.",
		}, []string{"status"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Language model calls by role and outcome.",
		}, []string{"role", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_seconds",
			Help:      "Language model call latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"role"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing in this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.runs, r.sections, r.llmCalls, r.llmLatency, r.activeRuns)
	}
	return r
}

// RunStarted increments the active run gauge.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.activeRuns.Inc()
}

// RunFinished records a terminal run status and decrements the gauge.
func (r *Recorder) RunFinished(status string) {
	if r == nil {
		return
	}
	r.activeRuns.Dec()
	r.runs.WithLabelValues(status).Inc()
}

// SectionFinished records a section's final status.
func (r *Recorder) SectionFinished(status string) {
	if r == nil {
		return
	}
	r.sections.WithLabelValues(status).Inc()
}

// LLMCall records one model call.
func (r *Recorder) LLMCall(role, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.llmCalls.WithLabelValues(role, outcome).Inc()
	r.llmLatency.WithLabelValues(role).Observe(elapsed.Seconds())
}
