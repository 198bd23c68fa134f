package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/storage"
)

// setupTestMetrics creates a test environment with miniredis
func setupTestMetrics(t *testing.T) (*Collector, *storage.RunStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	store, err := storage.NewRunStore(mr.Addr(), "", 0, time.Hour)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create run store: %v", err)
	}

	return NewCollector(store), store, mr
}

// getGaugeValue extracts the float64 value from a Gauge metric
func getGaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// getCounterVecValue extracts the value of one labelled counter
func getCounterVecValue(cv *prometheus.CounterVec, labels ...string) float64 {
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestNewCollector(t *testing.T) {
	collector, _, mr := setupTestMetrics(t)
	defer mr.Close()

	if collector.store == nil {
		t.Fatal("Expected collector to have store")
	}
}

func TestUpdateMetrics_NoRuns(t *testing.T) {
	collector, _, mr := setupTestMetrics(t)
	defer mr.Close()

	collector.UpdateMetrics()

	if value := getGaugeValue(RunsActive); value != 0 {
		t.Errorf("Expected 0 active runs, got %v", value)
	}
	if value := getGaugeValue(RunsRecentTotal); value != 0 {
		t.Errorf("Expected 0 recent runs, got %v", value)
	}
}

func TestUpdateMetrics_WithRuns(t *testing.T) {
	collector, store, mr := setupTestMetrics(t)
	defer mr.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateRun(ctx, &storage.RunRecord{ID: id, Source: "client"}); err != nil {
			t.Fatalf("Failed to create run: %v", err)
		}
	}
	if err := store.CompleteRun(ctx, "a", gate.Result{Reason: gate.ReasonSettled, Progress: 100}); err != nil {
		t.Fatalf("Failed to complete run: %v", err)
	}

	collector.UpdateMetrics()

	if value := getGaugeValue(RunsActive); value != 2 {
		t.Errorf("Expected 2 active runs, got %v", value)
	}
	if value := getGaugeValue(RunsRecentTotal); value != 3 {
		t.Errorf("Expected 3 recent runs, got %v", value)
	}
}

func TestUpdateMetrics_RedisDown(t *testing.T) {
	collector, _, mr := setupTestMetrics(t)

	RunsActive.Set(7)
	mr.Close()

	// Should not panic, gauges fall back to zero
	collector.UpdateMetrics()

	if value := getGaugeValue(RunsActive); value != 0 {
		t.Errorf("Expected 0 active runs when Redis is down, got %v", value)
	}
}

func TestHooks_RecordGateRun(t *testing.T) {
	beforeRuns := getCounterVecValue(RunsTotal, string(gate.ReasonSettled))
	beforeImage := getCounterVecValue(ProbeOutcomesTotal, "image", "success")
	beforeFonts := getCounterVecValue(ProbeOutcomesTotal, "fonts", "success")
	beforeDur := getHistogramCount(RunDuration)

	g := gate.New(gate.Config{ProbeTimeout: time.Second, Ceiling: time.Second, ExitDelay: time.Millisecond}, gate.Probers{
		Image: gate.ProberFunc(func(ctx context.Context, url string) error { return nil }),
	}, gate.WithHooks(Hooks()))

	res := g.Run(context.Background(), []gate.Asset{
		{URL: "a.png", Kind: gate.KindImage},
		{URL: "b.png", Kind: gate.KindImage},
	}, nil)
	if res.Reason != gate.ReasonSettled {
		t.Fatalf("Expected settled run, got %s", res.Reason)
	}

	if got := getCounterVecValue(RunsTotal, string(gate.ReasonSettled)) - beforeRuns; got != 1 {
		t.Errorf("Expected runs_total{settled} +1, got +%v", got)
	}
	if got := getCounterVecValue(ProbeOutcomesTotal, "image", "success") - beforeImage; got != 2 {
		t.Errorf("Expected 2 image successes, got %v", got)
	}
	if got := getCounterVecValue(ProbeOutcomesTotal, "fonts", "success") - beforeFonts; got != 1 {
		t.Errorf("Expected 1 fonts success, got %v", got)
	}
	if got := getHistogramCount(RunDuration) - beforeDur; got != 1 {
		t.Errorf("Expected 1 run duration sample, got %d", got)
	}
	if value := getGaugeValue(LastRunProgress); value != 100 {
		t.Errorf("Expected last run progress 100, got %v", value)
	}
}

func TestObserveRun_CancelledKeepsLastProgress(t *testing.T) {
	LastRunProgress.Set(60)
	ObserveRun(gate.Result{Reason: gate.ReasonCancelled, Progress: 20})

	if value := getGaugeValue(LastRunProgress); value != 60 {
		t.Errorf("Expected last progress to stay 60, got %v", value)
	}
}
