package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/logging"
	"github.com/klazomenai/splash-gate/pkg/storage"
)

const (
	namespace = "gate"
)

var (
	// RunsTotal counts closed gate runs by close reason
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of gate runs by close reason",
		},
		[]string{"reason"},
	)

	// ProbeOutcomesTotal counts settled probes by unit kind and outcome
	ProbeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Total number of settled probes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ProbeDuration tracks how long probes take to settle
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Time from probe start to settlement",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 3},
		},
		[]string{"kind"},
	)

	// RunDuration tracks time from start to close, exit delay included
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from gate start to close",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 5},
		},
	)

	// LastRunProgress is the progress the most recent run closed with
	LastRunProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_progress",
			Help:      "Progress of the most recently closed run",
		},
	)

	// RunsActive tracks runs that have not closed yet
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of gate runs still open",
		},
	)

	// RunsRecentTotal tracks runs within the retention window
	RunsRecentTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_recent_total",
			Help:      "Number of gate runs started within the retention window",
		},
	)
)

func init() {
	// Register metrics with Prometheus default registry
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(ProbeOutcomesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(LastRunProgress)
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(RunsRecentTotal)
}

// Hooks returns gate hooks that feed the run and probe metrics.
func Hooks() gate.Hooks {
	return gate.Hooks{
		OnProbe: ObserveProbe,
		OnClose: ObserveRun,
	}
}

// ObserveProbe records one settled probe.
func ObserveProbe(rep gate.ProbeReport) {
	ProbeOutcomesTotal.WithLabelValues(rep.Kind, rep.Outcome.String()).Inc()
	ProbeDuration.WithLabelValues(rep.Kind).Observe(rep.Elapsed.Seconds())
}

// ObserveRun records one closed run.
func ObserveRun(res gate.Result) {
	RunsTotal.WithLabelValues(string(res.Reason)).Inc()
	RunDuration.Observe(res.Elapsed.Seconds())
	if res.Reason != gate.ReasonCancelled {
		LastRunProgress.Set(float64(res.Progress))
	}
}

// Collector provides methods to update metrics from storage
type Collector struct {
	store *storage.RunStore
}

// NewCollector creates a new metrics collector
func NewCollector(store *storage.RunStore) *Collector {
	return &Collector{
		store: store,
	}
}

// UpdateMetrics refreshes the store-backed gauges.
// This is called on each /metrics scrape to ensure fresh data
func (c *Collector) UpdateMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active, err := c.store.CountActiveRuns(ctx)
	if err != nil {
		logging.Logger.Warn("failed to count active runs for metrics", "err", err)
		// Don't fail the metrics request - serve zero
		RunsActive.Set(0)
	} else {
		RunsActive.Set(float64(active))
	}

	recent, err := c.store.CountRecentRuns(ctx)
	if err != nil {
		logging.Logger.Warn("failed to count recent runs for metrics", "err", err)
		RunsRecentTotal.Set(0)
		return
	}
	RunsRecentTotal.Set(float64(recent))
}
