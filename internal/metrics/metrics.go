// Package metrics exports orchestrator metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

const namespace = "adw"

// Metrics holds all orchestrator collectors
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunsActive     prometheus.Gauge
	PhaseAttempts  *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec
	Diagnoses      *prometheus.CounterVec
	AutoFixes      *prometheus.CounterVec
	PoolSlotsInUse prometheus.Gauge
	PoolSize       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(reg, reg)
}

// NewWith registers the collectors on reg and serves them from g
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished runs by outcome",
			},
			[]string{"outcome"},
		),
		RunsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs currently executing",
			},
		),
		PhaseAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_attempts_total",
				Help:      "Phase attempts by phase and result",
			},
			[]string{"phase", "result"},
		),
		PhaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Phase attempt duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"phase"},
		),
		Diagnoses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnoses_total",
				Help:      "Failure diagnoses by confidence",
			},
			[]string{"confidence", "new_pattern"},
		),
		AutoFixes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auto_fixes_total",
				Help:      "Automatically applied fixes by phase",
			},
			[]string{"phase"},
		),
		PoolSlotsInUse: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_slots_in_use",
				Help:      "Resource pool slots currently allocated",
			},
		),
		PoolSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Configured resource pool size",
			},
		),
		gatherer: g,
	}
}

// RecordRun counts a finished run
func (m *Metrics) RecordRun(outcome string) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// RecordPhase counts one phase attempt and observes its duration
func (m *Metrics) RecordPhase(phase domain.Phase, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.PhaseAttempts.WithLabelValues(string(phase), result).Inc()
	m.PhaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

// RecordDiagnosis counts a recorded diagnosis
func (m *Metrics) RecordDiagnosis(d *domain.Diagnosis) {
	newPattern := "false"
	if d.NewPattern {
		newPattern = "true"
	}
	m.Diagnoses.WithLabelValues(string(d.Confidence), newPattern).Inc()
}

// RecordAutoFix counts an applied fix
func (m *Metrics) RecordAutoFix(phase domain.Phase) {
	m.AutoFixes.WithLabelValues(string(phase)).Inc()
}

// SetPoolUsage updates the slot gauges
func (m *Metrics) SetPoolUsage(inUse, size int) {
	m.PoolSlotsInUse.Set(float64(inUse))
	m.PoolSize.Set(float64(size))
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
