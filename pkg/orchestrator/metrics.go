package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"appforge/pkg/proto"
)

// Run outcomes used as the outcome label.
const (
	OutcomeComplete   = "complete"
	OutcomeIncomplete = "incomplete"
	OutcomeError      = "error"
)

// Metrics are the orchestration loop collectors.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	repairsTotal  prometheus.Counter
	iterations    prometheus.Histogram
	saveFailures  prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appforge_runs_total",
				Help: "Orchestration runs by outcome",
			},
			[]string{"outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appforge_stage_duration_seconds",
				Help:    "Stage execution time including streaming",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		repairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_repairs_total",
			Help: "Repair cycles started after failed verification",
		}),
		iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "appforge_run_iterations",
			Help:    "Loop iterations used per run",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		saveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_state_save_failures_total",
			Help: "Project state saves that failed",
		}),
	}
}

func (m *Metrics) observeRun(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.iterations.Observe(float64(iterations))
}

func (m *Metrics) observeStage(stage proto.Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) incRepairs() {
	if m != nil {
		m.repairsTotal.Inc()
	}
}

func (m *Metrics) incSaveFailures() {
	if m != nil {
		m.saveFailures.Inc()
	}
}
